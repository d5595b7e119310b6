package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/logger"
	"github.com/oshokin/lob-publisher/internal/poll"
)

// API is the part of the management API client the orchestrator drives.
type API interface {
	CreateContentVersion(ctx context.Context, appID string) (*lob.ContentVersion, error)
	CreateContentFile(ctx context.Context, appID, versionID string, file *lob.ContentFile) (*lob.ContentFile, error)
	GetContentFile(ctx context.Context, appID, versionID, fileID string) (*lob.ContentFile, error)
	CommitContentFile(ctx context.Context, appID, versionID, fileID string, info lob.EncryptionInfo) error
	PatchApp(ctx context.Context, appID, committedContentVersion string) error
}

// Uploader streams the encrypted payload to a storage URI.
type Uploader interface {
	Upload(ctx context.Context, destinationURI string, payload io.ReaderAt, size int64) error
}

// MetadataReader parses a metadata record.
type MetadataReader interface {
	ReadMetadata(path string) (*lob.ArchiveMetadata, error)
}

// DefaultURIPolicy waits up to five minutes for a storage URI.
func DefaultURIPolicy() poll.Policy {
	return poll.Policy{
		Initial:     time.Second,
		MaxInterval: 10 * time.Second,
		MaxAttempts: 60,
		Timeout:     5 * time.Minute,
	}
}

// DefaultCommitPolicy waits up to ten minutes for the commit to finish.
func DefaultCommitPolicy() poll.Policy {
	return poll.Policy{
		Initial:     2 * time.Second,
		MaxInterval: 15 * time.Second,
		MaxAttempts: 80,
		Timeout:     10 * time.Minute,
	}
}

// Result describes a committed content version.
type Result struct {
	// File is the last server view of the committed content file.
	File             *lob.ContentFile
	ContentVersionID string
}

// Orchestrator publishes content for existing apps.
type Orchestrator struct {
	api          API
	uploader     Uploader
	metadata     MetadataReader
	fs           archive.FileSystem
	sink         events.Sink
	uriPolicy    poll.Policy
	commitPolicy poll.Policy
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithURIPolicy bounds the wait for a storage URI.
func WithURIPolicy(policy poll.Policy) Option {
	return func(o *Orchestrator) {
		o.uriPolicy = policy
	}
}

// WithCommitPolicy bounds the wait for commit completion.
func WithCommitPolicy(policy poll.Policy) Option {
	return func(o *Orchestrator) {
		o.commitPolicy = policy
	}
}

// WithEventSink sets where lifecycle events are emitted.
func WithEventSink(sink events.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = events.OrNop(sink)
	}
}

// WithFileSystem replaces the local disk used to size and read the payload.
func WithFileSystem(fs archive.FileSystem) Option {
	return func(o *Orchestrator) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// New creates an orchestrator.
func New(api API, uploader Uploader, metadata MetadataReader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:          api,
		uploader:     uploader,
		metadata:     metadata,
		fs:           archive.OSFileSystem{},
		sink:         events.Nop{},
		uriPolicy:    DefaultURIPolicy(),
		commitPolicy: DefaultCommitPolicy(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// tracker follows the local stage of one content file and reports every move.
type tracker struct {
	sink      events.Sink
	stage     lob.Stage
	appID     string
	versionID string
	fileID    string
}

func (t *tracker) advance(ctx context.Context, next lob.Stage) error {
	from := t.stage

	stage, err := from.Next(next)
	if err != nil {
		return fmt.Errorf("advance content file: %w", err)
	}

	t.stage = stage

	logger.DebugKV(ctx, "Content file stage changed", "from", from, "to", stage)
	t.sink.Emit(ctx, "content.stage", events.Fields{
		"app_id":             t.appID,
		"content_version_id": t.versionID,
		"file_id":            t.fileID,
		"from":               string(from),
		"to":                 string(stage),
	})

	return nil
}

// PublishContent uploads the payload at payloadPath described by the metadata
// record at metadataPath as a new content version of appID and commits it.
//
//nolint:funlen // Each step is gated on the previous one.
func (o *Orchestrator) PublishContent(
	ctx context.Context,
	appID, payloadPath, metadataPath string,
) (*Result, error) {
	ctx = logger.WithKV(ctx, "app_id", appID)

	metadata, err := o.metadata.ReadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if metadata.UnencryptedContentSize > math.MaxInt64 {
		return nil, fmt.Errorf("unencrypted size %d: %w", metadata.UnencryptedContentSize, lob.ErrFormat)
	}

	encryptedSize, err := o.fs.FileSize(payloadPath)
	if err != nil {
		return nil, fmt.Errorf("measure payload: %w", err)
	}

	version, err := o.api.CreateContentVersion(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("create content version: %w", err)
	}

	ctx = logger.WithKV(ctx, "content_version_id", version.ID)

	file, err := o.api.CreateContentFile(ctx, appID, version.ID, &lob.ContentFile{
		Name:          metadata.FileName,
		Size:          int64(metadata.UnencryptedContentSize),
		SizeEncrypted: encryptedSize,
	})
	if err != nil {
		return nil, fmt.Errorf("register content file: %w", err)
	}

	ctx = logger.WithKV(ctx, "file_id", file.ID)
	logger.InfoKV(ctx, "Content file registered",
		"size", metadata.UnencryptedContentSize, "size_encrypted", encryptedSize)

	track := &tracker{
		sink:      o.sink,
		stage:     lob.StageRegistered,
		appID:     appID,
		versionID: version.ID,
		fileID:    file.ID,
	}

	if err = track.advance(ctx, lob.StageURIPending); err != nil {
		return nil, err
	}

	file, err = o.awaitStorageURI(ctx, appID, version.ID, file.ID)
	if err != nil {
		return nil, fmt.Errorf("wait for storage uri: %w", err)
	}

	if err = track.advance(ctx, lob.StageURIAssigned); err != nil {
		return nil, err
	}

	if err = track.advance(ctx, lob.StageUploading); err != nil {
		return nil, err
	}

	if err = o.upload(ctx, file.AzureStorageURI, payloadPath, encryptedSize); err != nil {
		return nil, fmt.Errorf("upload payload: %w", err)
	}

	if err = track.advance(ctx, lob.StageCommitting); err != nil {
		return nil, err
	}

	file, err = o.commit(ctx, appID, version.ID, file.ID, metadata.EncryptionInfo)
	if err != nil {
		if errors.Is(err, lob.ErrCommitFailed) || errors.Is(err, lob.ErrRemoteAPI) {
			_ = track.advance(ctx, lob.StageFailed)
		}

		return nil, err
	}

	if err = track.advance(ctx, lob.StageCommitted); err != nil {
		return nil, err
	}

	if err = o.api.PatchApp(ctx, appID, version.ID); err != nil {
		return nil, fmt.Errorf("set committed content version: %w", err)
	}

	logger.Info(ctx, "Content version committed")
	o.sink.Emit(ctx, "content.committed", events.Fields{
		"app_id":             appID,
		"content_version_id": version.ID,
		"file_id":            file.ID,
	})

	return &Result{File: file, ContentVersionID: version.ID}, nil
}

// awaitStorageURI polls the file until the service has assigned an upload URI.
func (o *Orchestrator) awaitStorageURI(
	ctx context.Context,
	appID, versionID, fileID string,
) (*lob.ContentFile, error) {
	var assigned *lob.ContentFile

	err := poll.Until(ctx, o.uriPolicy, func(ctx context.Context) (bool, error) {
		current, err := o.api.GetContentFile(ctx, appID, versionID, fileID)
		if err != nil {
			return false, err
		}

		if current.UploadState == lob.UploadStateURIFailed {
			return false, &lob.RemoteAPIError{
				Op:      "assign storage uri",
				Code:    string(current.UploadState),
				Message: "the service could not allocate upload storage",
			}
		}

		if current.AzureStorageURI == "" {
			return false, nil
		}

		assigned = current

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return assigned, nil
}

// upload streams the payload from disk.
func (o *Orchestrator) upload(ctx context.Context, uri, payloadPath string, size int64) error {
	payload, err := o.fs.Open(payloadPath)
	if err != nil {
		return err
	}

	defer func() {
		_ = payload.Close()
	}()

	return o.uploader.Upload(ctx, uri, payload, size)
}

// commit submits the encryption info and waits for a terminal commit state.
func (o *Orchestrator) commit(
	ctx context.Context,
	appID, versionID, fileID string,
	info lob.EncryptionInfo,
) (*lob.ContentFile, error) {
	if err := o.api.CommitContentFile(ctx, appID, versionID, fileID, info); err != nil {
		return nil, fmt.Errorf("commit content file: %w", err)
	}

	var committed *lob.ContentFile

	err := poll.Until(ctx, o.commitPolicy, func(ctx context.Context) (bool, error) {
		current, err := o.api.GetContentFile(ctx, appID, versionID, fileID)
		if err != nil {
			return false, err
		}

		switch current.UploadState {
		case lob.UploadStateCommitSuccess:
			committed = current

			return true, nil
		case lob.UploadStateCommitFailed:
			return false, &lob.CommitFailedError{
				FileID:    fileID,
				State:     current.UploadState,
				Message:   "the service rejected the uploaded content",
				RequestID: current.RequestID,
			}
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wait for commit: %w", err)
	}

	return committed, nil
}

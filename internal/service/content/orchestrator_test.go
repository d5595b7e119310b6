package content_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/archive/archivetest"
	"github.com/oshokin/lob-publisher/internal/auth"
	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/graph"
	"github.com/oshokin/lob-publisher/internal/graph/graphtest"
	"github.com/oshokin/lob-publisher/internal/poll"
	"github.com/oshokin/lob-publisher/internal/service/content"
)

const (
	chunkSize       = 64 * 1024
	unencryptedSize = 1048576
)

func fastPolicy(attempts uint64) poll.Policy {
	return poll.Policy{
		Initial:     time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		MaxAttempts: attempts,
		Timeout:     5 * time.Second,
	}
}

type fixture struct {
	server       *graphtest.Server
	recorder     *events.Recorder
	orchestrator *content.Orchestrator
	appID        string
	payload      []byte
	payloadPath  string
	metadataPath string
	metadata     *lob.ArchiveMetadata
}

func newFixture(t *testing.T, payloadSize int) *fixture {
	t.Helper()

	metadata := archivetest.Metadata("setup.intunewin", unencryptedSize)
	payload := bytes.Repeat([]byte{0xA5}, payloadSize)
	root := archivetest.WriteDir(t, t.TempDir(), archivetest.Standard(metadata, payload))

	server := graphtest.New(t)

	client, err := graph.New(auth.NewStaticToken("token"), graph.WithBaseURL(server.URL))
	require.NoError(t, err)

	recorder := new(events.Recorder)

	orchestrator := content.New(
		client,
		blob.New(blob.WithChunkSize(chunkSize)),
		archive.NewReader(nil, nil),
		content.WithURIPolicy(fastPolicy(20)),
		content.WithCommitPolicy(fastPolicy(20)),
		content.WithEventSink(recorder),
	)

	return &fixture{
		server:       server,
		recorder:     recorder,
		orchestrator: orchestrator,
		appID:        server.SeedApp("Contoso Agent"),
		payload:      payload,
		payloadPath:  archive.PayloadPath(root, metadata.FileName),
		metadataPath: archive.MetadataPath(root),
		metadata:     metadata,
	}
}

func (f *fixture) publish(ctx context.Context) (*content.Result, error) {
	return f.orchestrator.PublishContent(ctx, f.appID, f.payloadPath, f.metadataPath)
}

func stages(recorder *events.Recorder) []string {
	var moves []string
	for _, event := range recorder.Named("content.stage") {
		moves = append(moves, event.Fields["to"].(string))
	}

	return moves
}

// TestPublishContent_Success drives the whole lifecycle with delayed URI and commit states.
func TestPublishContent_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3*chunkSize+100)
	f.server.SetURIDelay(2)
	f.server.SetCommit(2, lob.UploadStateCommitSuccess)

	result, err := f.publish(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", result.ContentVersionID)
	require.True(t, result.File.IsCommitted)
	require.Equal(t, lob.UploadStateCommitSuccess, result.File.UploadState)

	files := f.server.Files()
	require.Len(t, files, 1)
	require.Equal(t, "setup.intunewin", files[0].Name)
	require.Equal(t, int64(unencryptedSize), files[0].Size)
	require.Equal(t, int64(len(f.payload)), files[0].SizeEncrypted)

	require.Equal(t, 4, f.server.Calls(graphtest.OpPutBlock))
	require.Equal(t, 1, f.server.Calls(graphtest.OpPutBlockList))
	require.Equal(t, []string{lob.BlockID(0), lob.BlockID(1), lob.BlockID(2), lob.BlockID(3)},
		f.server.BlockList(result.File.ID))
	require.Equal(t, f.payload, f.server.Blob(result.File.ID))
	require.Equal(t, f.metadata.EncryptionInfo, f.server.Encryption(result.File.ID))

	require.Equal(t, 1, f.server.Calls(graphtest.OpCommit))
	require.Equal(t, "1", f.server.AppField(f.appID, "committedContentVersion"))

	require.Equal(t, []string{"uri_pending", "uri_assigned", "uploading", "committing", "committed"},
		stages(f.recorder))
	require.Len(t, f.recorder.Named("content.committed"), 1)
}

// TestPublishContent_SizesAreNotConflated declares the metadata size and the on-disk size separately.
func TestPublishContent_SizesAreNotConflated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)

	_, err := f.publish(context.Background())
	require.NoError(t, err)

	files := f.server.Files()
	require.Len(t, files, 1)
	require.Equal(t, int64(unencryptedSize), files[0].Size)
	require.Equal(t, int64(1000), files[0].SizeEncrypted)
}

// TestPublishContent_URITimeout stops before any upload when no URI arrives.
func TestPublishContent_URITimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.SetURIDelay(1000)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.Equal(t, 20, f.server.Calls(graphtest.OpGetFile))
	require.Zero(t, f.server.Calls(graphtest.OpPutBlock))
	require.Zero(t, f.server.Calls(graphtest.OpCommit))
	require.Equal(t, []string{"uri_pending"}, stages(f.recorder))
}

// TestPublishContent_URIFailure surfaces a failed URI allocation as a remote error.
func TestPublishContent_URIFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.SetURIFailure(true)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrRemoteAPI)
	require.NotErrorIs(t, err, lob.ErrTimeout)

	var apiErr *lob.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, string(lob.UploadStateURIFailed), apiErr.Code)
	require.Zero(t, f.server.Calls(graphtest.OpPutBlock))
}

// TestPublishContent_ChunkFailure never finalizes or commits after a failed block.
func TestPublishContent_ChunkFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3*chunkSize)
	f.server.FailOnAfter(graphtest.OpPutBlock, http.StatusInternalServerError, 1)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrUpload)

	var uploadErr *lob.UploadError
	require.ErrorAs(t, err, &uploadErr)
	require.Equal(t, http.StatusInternalServerError, uploadErr.StatusCode)
	require.Equal(t, lob.BlockID(1), uploadErr.BlockID)

	require.Equal(t, 2, f.server.Calls(graphtest.OpPutBlock))
	require.Zero(t, f.server.Calls(graphtest.OpPutBlockList))
	require.Zero(t, f.server.Calls(graphtest.OpCommit))
	require.Zero(t, f.server.Calls(graphtest.OpPatchApp))
}

// TestPublishContent_CommitFailed reports the terminal state and moves the stage to failed.
func TestPublishContent_CommitFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.SetCommit(1, lob.UploadStateCommitFailed)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrCommitFailed)

	var commitErr *lob.CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, lob.UploadStateCommitFailed, commitErr.State)
	require.NotEmpty(t, commitErr.Message)
	require.NotEmpty(t, commitErr.RequestID)
	require.Contains(t, err.Error(), string(lob.UploadStateCommitFailed))
	require.Contains(t, err.Error(), "request-id "+commitErr.RequestID)

	require.Zero(t, f.server.Calls(graphtest.OpPatchApp))
	require.Equal(t, []string{"uri_pending", "uri_assigned", "uploading", "committing", "failed"},
		stages(f.recorder))
}

// TestPublishContent_CommitTimeout gives up when the commit never settles.
func TestPublishContent_CommitTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.SetCommit(0, lob.UploadStateCommitPending)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.NotErrorIs(t, err, lob.ErrCommitFailed)
	require.Equal(t, 1, f.server.Calls(graphtest.OpCommit))
	require.Zero(t, f.server.Calls(graphtest.OpPatchApp))
}

// TestPublishContent_PatchFailure returns the remote error after a successful commit.
func TestPublishContent_PatchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.FailOn(graphtest.OpPatchApp, http.StatusInternalServerError)

	_, err := f.publish(context.Background())
	require.ErrorIs(t, err, lob.ErrRemoteAPI)
	require.Equal(t, 1, f.server.Calls(graphtest.OpCommit))
}

// TestPublishContent_MissingMetadata fails locally before any remote call.
func TestPublishContent_MissingMetadata(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)

	_, err := f.orchestrator.PublishContent(context.Background(), f.appID, f.payloadPath,
		filepath.Join(t.TempDir(), "Detection.xml"))
	require.ErrorIs(t, err, lob.ErrNotFound)
	require.Zero(t, f.server.Calls(graphtest.OpCreateVersion))
}

// TestPublishContent_MissingPayload fails locally before any remote call.
func TestPublishContent_MissingPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)

	_, err := f.orchestrator.PublishContent(context.Background(), f.appID,
		filepath.Join(t.TempDir(), "missing.bin"), f.metadataPath)
	require.ErrorIs(t, err, lob.ErrNotFound)
	require.Zero(t, f.server.Calls(graphtest.OpCreateVersion))
}

// TestPublishContent_Cancelled stops waiting as soon as the context ends.
func TestPublishContent_Cancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000)
	f.server.SetURIDelay(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	orchestrator := content.New(
		mustClient(t, f.server),
		blob.New(),
		archive.NewReader(nil, nil),
		content.WithURIPolicy(poll.Policy{Initial: time.Millisecond, MaxInterval: time.Millisecond, Timeout: time.Hour}),
	)

	_, err := orchestrator.PublishContent(ctx, f.appID, f.payloadPath, f.metadataPath)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), err)
	require.NotErrorIs(t, err, lob.ErrTimeout)
}

func mustClient(t *testing.T, server *graphtest.Server) *graph.Client {
	t.Helper()

	client, err := graph.New(auth.NewStaticToken("token"), graph.WithBaseURL(server.URL))
	require.NoError(t, err)

	return client
}

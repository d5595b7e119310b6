package publisher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/config"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/logger"
	"github.com/oshokin/lob-publisher/internal/poll"
	"github.com/oshokin/lob-publisher/internal/service/content"
)

// API is the part of the management API client the publisher needs.
type API interface {
	CreateApp(ctx context.Context, app *lob.App) (*lob.App, error)
	GetApp(ctx context.Context, appID string) (*lob.App, error)
	DeleteApp(ctx context.Context, appID string) error
}

// ContentPublisher publishes a content version for an existing app.
type ContentPublisher interface {
	PublishContent(ctx context.Context, appID, payloadPath, metadataPath string) (*content.Result, error)
}

// DefaultCleanupTimeout bounds the compensating deletion.
const DefaultCleanupTimeout = config.DefaultCleanupTimeout

// DefaultAppPolicy waits for a new app to become readable.
func DefaultAppPolicy() poll.Policy {
	return config.DefaultAppWait()
}

var errDescriptorRequired = errors.New("app descriptor must be provided")

// Request names the inputs of one publish attempt.
type Request struct {
	// Descriptor is reused when its ID is set and created otherwise.
	Descriptor   *lob.App
	PayloadPath  string
	MetadataPath string
	// IconPath is read when the descriptor carries no icon. Optional.
	IconPath string
}

// Outcome describes a successful publish.
type Outcome struct {
	App     *lob.App
	Content *content.Result
	// Created is false when the app existed before the attempt.
	Created bool
}

// Publisher runs publish attempts.
type Publisher struct {
	api            API
	content        ContentPublisher
	metadata       content.MetadataReader
	fs             archive.FileSystem
	sink           events.Sink
	appPolicy      poll.Policy
	cleanupTimeout time.Duration
}

// Option configures the publisher.
type Option func(*Publisher)

// WithAppPolicy bounds the wait for a created app to become readable.
func WithAppPolicy(policy poll.Policy) Option {
	return func(p *Publisher) {
		p.appPolicy = policy
	}
}

// WithCleanupTimeout bounds the compensating deletion.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.cleanupTimeout = timeout
		}
	}
}

// WithEventSink sets where lifecycle events are emitted.
func WithEventSink(sink events.Sink) Option {
	return func(p *Publisher) {
		p.sink = events.OrNop(sink)
	}
}

// WithFileSystem replaces the local disk used to read the icon.
func WithFileSystem(fs archive.FileSystem) Option {
	return func(p *Publisher) {
		if fs != nil {
			p.fs = fs
		}
	}
}

// New creates a publisher.
func New(api API, contentPublisher ContentPublisher, metadata content.MetadataReader, opts ...Option) *Publisher {
	p := &Publisher{
		api:            api,
		content:        contentPublisher,
		metadata:       metadata,
		fs:             archive.OSFileSystem{},
		sink:           events.Nop{},
		appPolicy:      DefaultAppPolicy(),
		cleanupTimeout: DefaultCleanupTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish publishes the payload for descriptor and returns the app as the
// service reports it afterwards.
func (p *Publisher) Publish(
	ctx context.Context,
	descriptor *lob.App,
	payloadPath, metadataPath, iconPath string,
) (*lob.App, error) {
	outcome, err := p.Execute(ctx, &Request{
		Descriptor:   descriptor,
		PayloadPath:  payloadPath,
		MetadataPath: metadataPath,
		IconPath:     iconPath,
	})
	if err != nil {
		return nil, err
	}

	return outcome.App, nil
}

// Execute runs one publish attempt. When the app was created by this attempt
// and a later step fails, the app is deleted once; a failed deletion is joined
// after the original error as a *lob.CleanupError.
func (p *Publisher) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || req.Descriptor == nil {
		return nil, errDescriptorRequired
	}

	app, created, err := p.ensureApp(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithKV(ctx, "app_id", app.ID)

	outcome, err := p.publish(ctx, app, created, req)
	if err != nil {
		return nil, p.compensate(ctx, app.ID, created, err)
	}

	return outcome, nil
}

// ensureApp returns the app to publish into and whether it was created here.
func (p *Publisher) ensureApp(ctx context.Context, req *Request) (*lob.App, bool, error) {
	if req.Descriptor.ID != "" {
		app, err := p.api.GetApp(ctx, req.Descriptor.ID)
		if err != nil {
			return nil, false, fmt.Errorf("get existing app: %w", err)
		}

		logger.InfoKV(ctx, "Reusing existing app", "app_id", app.ID, "display_name", app.DisplayName)
		p.sink.Emit(ctx, "app.reused", events.Fields{"app_id": app.ID})

		return app, false, nil
	}

	draft, err := p.draft(req)
	if err != nil {
		return nil, false, err
	}

	app, err := p.api.CreateApp(ctx, draft)
	if err != nil {
		return nil, false, fmt.Errorf("create app: %w", err)
	}

	logger.InfoKV(ctx, "App created", "app_id", app.ID, "display_name", app.DisplayName)
	p.sink.Emit(ctx, "app.created", events.Fields{"app_id": app.ID, "display_name": app.DisplayName})

	return app, true, nil
}

// draft fills the fields the descriptor left empty from the metadata record.
func (p *Publisher) draft(req *Request) (*lob.App, error) {
	draft := req.Descriptor.Clone()

	metadata, err := p.metadata.ReadMetadata(req.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if draft.DisplayName == "" {
		draft.DisplayName = metadata.Name
	}

	if draft.FileName == "" {
		draft.FileName = metadata.FileName
	}

	if draft.SetupFilePath == "" {
		draft.SetupFilePath = metadata.SetupFile
	}

	if draft.InstallExperience == "" {
		draft.InstallExperience = lob.InstallAsSystem
	}

	if len(draft.ReturnCodes) == 0 {
		draft.ReturnCodes = lob.DefaultReturnCodes()
	}

	if len(draft.DetectionRules) == 0 && metadata.MsiInfo != nil && metadata.MsiInfo.ProductCode != "" {
		draft.DetectionRules = []lob.DetectionRule{{Type: lob.DetectionMsi, ProductCode: metadata.MsiInfo.ProductCode}}
	}

	if draft.LargeIcon == nil && req.IconPath != "" {
		icon, err := p.fs.ReadAllBytes(req.IconPath)
		if err != nil {
			return nil, fmt.Errorf("read icon: %w", err)
		}

		draft.LargeIcon = &lob.MimeContent{Type: IconMimeType(req.IconPath), Value: icon}
	}

	return draft, nil
}

// publish runs every step after the app exists.
func (p *Publisher) publish(ctx context.Context, app *lob.App, created bool, req *Request) (*Outcome, error) {
	if created {
		if err := p.awaitReadable(ctx, app.ID); err != nil {
			return nil, fmt.Errorf("wait for app: %w", err)
		}
	}

	result, err := p.content.PublishContent(ctx, app.ID, req.PayloadPath, req.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("publish content: %w", err)
	}

	published, err := p.api.GetApp(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("get published app: %w", err)
	}

	logger.InfoKV(ctx, "App published", "content_version_id", result.ContentVersionID)
	p.sink.Emit(ctx, "app.published", events.Fields{
		"app_id":             published.ID,
		"content_version_id": result.ContentVersionID,
		"created":            created,
	})

	return &Outcome{App: published, Content: result, Created: created}, nil
}

// awaitReadable polls until a freshly created app can be read back.
func (p *Publisher) awaitReadable(ctx context.Context, appID string) error {
	return poll.Until(ctx, p.appPolicy, func(ctx context.Context) (bool, error) {
		_, err := p.api.GetApp(ctx, appID)
		if err == nil {
			return true, nil
		}

		var apiErr *lob.RemoteAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return false, nil
		}

		return false, err
	})
}

// compensate deletes an app created by this attempt and returns the error to report.
func (p *Publisher) compensate(ctx context.Context, appID string, created bool, cause error) error {
	if !created {
		return cause
	}

	if errors.Is(cause, lob.ErrAuthFailed) {
		logger.WarnKV(ctx, "Credential rejected, leaving app in place", "error", cause)

		return cause
	}

	// The caller's context may already be cancelled.
	detached := context.WithoutCancel(ctx)

	cleanupCtx, cancel := context.WithTimeout(detached, p.cleanupTimeout)
	defer cancel()

	if err := p.api.DeleteApp(cleanupCtx, appID); err != nil {
		logger.ErrorKV(ctx, "Failed to delete app after failed publish", "error", err, "cause", cause)
		p.sink.Emit(detached, "app.compensation_failed", events.Fields{"app_id": appID, "error": err.Error()})

		return errors.Join(cause, &lob.CleanupError{AppID: appID, Err: err})
	}

	logger.WarnKV(ctx, "Deleted app after failed publish", "cause", cause)
	p.sink.Emit(detached, "app.compensated", events.Fields{"app_id": appID, "cause": cause.Error()})

	return cause
}

// IconMimeType guesses the icon content type from its extension.
func IconMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}

	if guessed := mime.TypeByExtension(ext); guessed != "" {
		return guessed
	}

	return "application/octet-stream"
}

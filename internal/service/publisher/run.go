package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/auth"
	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/config"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/graph"
	"github.com/oshokin/lob-publisher/internal/logger"
	"github.com/oshokin/lob-publisher/internal/repository/receipt"
	"github.com/oshokin/lob-publisher/internal/service/common"
	"github.com/oshokin/lob-publisher/internal/service/content"
)

// Options configures one CLI publish run.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string

	// DescriptorPath to the YAML app descriptor.
	DescriptorPath string

	// ArchivePath is a packed content archive or the directory it was extracted to.
	ArchivePath string

	// IconPath is an optional image used as the app icon.
	IconPath string

	// AppID publishes into an existing app instead of creating one.
	AppID string

	// ReceiptPath receives the outcome when set.
	ReceiptPath string

	// ReuseReceipt takes the app id from an existing receipt when AppID is empty.
	ReuseReceipt bool

	// Debug forces debug logging regardless of settings.
	Debug bool
}

// webhookFlushTimeout bounds how long Run waits for queued events on exit.
const webhookFlushTimeout = 30 * time.Second

var errArchiveRequired = errors.New("archive path must be provided")

// Run loads settings, wires the pipeline and publishes one archive.
//
//nolint:cyclop,funlen // Wiring of every collaborator happens here.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "lob-publisher")

	if opts.ArchivePath == "" {
		return errArchiveRequired
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	configureLogger(cfg, opts.Debug)

	descriptor, err := config.LoadDescriptor(opts.DescriptorPath)
	if err != nil {
		return err
	}

	var receipts *receipt.FileRepository
	if opts.ReceiptPath != "" {
		receipts = receipt.NewFileRepository(opts.ReceiptPath)
	}

	switch {
	case opts.AppID != "":
		descriptor.ID = opts.AppID
	case opts.ReuseReceipt && receipts != nil:
		previous, loadErr := receipts.Load(ctx)

		switch {
		case loadErr == nil:
			descriptor.ID = previous.AppID
			logger.InfoKV(ctx, "Reusing app from receipt", "app_id", previous.AppID, "receipt", opts.ReceiptPath)
		case errors.Is(loadErr, receipt.ErrNotFound):
		default:
			return loadErr
		}
	}

	sink, closeSink, err := newSink(cfg)
	if err != nil {
		return err
	}

	defer closeSink(ctx)

	client, err := graph.New(newTokenSource(ctx, cfg),
		graph.WithBaseURL(cfg.GraphURL),
		graph.WithCallTimeout(cfg.Timeout))
	if err != nil {
		return err
	}

	reader := archive.NewReader(nil, sink)

	uploader := blob.New(
		blob.WithChunkSize(cfg.ChunkSize),
		blob.WithConcurrency(cfg.UploadConcurrency),
		blob.WithEventSink(sink),
	)

	orchestrator := content.New(client, uploader, reader,
		content.WithURIPolicy(cfg.URIWait),
		content.WithCommitPolicy(cfg.CommitWait),
		content.WithEventSink(sink),
	)

	publisher := New(client, orchestrator, reader,
		WithAppPolicy(cfg.AppWait),
		WithCleanupTimeout(cfg.CleanupTimeout),
		WithEventSink(sink),
	)

	logger.InfoKV(ctx, "Publishing archive",
		"archive", opts.ArchivePath, "graph_url", cfg.GraphURL, "chunk_size", cfg.ChunkSize)

	var outcome *Outcome

	err = reader.Open(ctx, opts.ArchivePath, func(pkg *archive.Package) error {
		var publishErr error

		outcome, publishErr = publisher.Execute(ctx, &Request{
			Descriptor:   descriptor,
			PayloadPath:  pkg.PayloadPath,
			MetadataPath: pkg.MetadataPath,
			IconPath:     opts.IconPath,
		})

		return publishErr
	})
	if err != nil {
		logger.ErrorKV(ctx, "Publish failed", "error", err)

		return err
	}

	logger.InfoKV(ctx, "Publish finished",
		"app_id", outcome.App.ID,
		"content_version_id", outcome.App.CommittedContentVersion,
		"created", outcome.Created)

	if receipts == nil {
		return nil
	}

	actor, err := common.DetectActor()
	if err != nil {
		logger.WarnKV(ctx, "Failed to detect actor for receipt", "error", err)
	}

	if err = receipts.Save(ctx, NewReceipt(outcome, actor, time.Now())); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}

	return nil
}

// NewReceipt converts an outcome into a receipt stamped with actor and now.
func NewReceipt(outcome *Outcome, actor *lob.Actor, now time.Time) *receipt.Receipt {
	r := &receipt.Receipt{
		AppID:            outcome.App.ID,
		DisplayName:      outcome.App.DisplayName,
		Created:          outcome.Created,
		ContentVersionID: outcome.App.CommittedContentVersion,
		PublishedAt:      now.UTC(),
		PublishedBy:      actor,
	}

	if outcome.Content != nil {
		r.ContentVersionID = outcome.Content.ContentVersionID

		if file := outcome.Content.File; file != nil {
			r.FileID = file.ID
			r.FileName = file.Name
			r.Size = file.Size
			r.SizeEncrypted = file.SizeEncrypted
		}
	}

	return r
}

func configureLogger(cfg *config.Config, debug bool) {
	level, _ := logger.ParseLogLevel(cfg.LogLevel)
	format, _ := logger.ParseFormat(cfg.LogFormat)

	if debug {
		level = zapcore.DebugLevel
	}

	logger.Configure(level, format)
}

func newTokenSource(ctx context.Context, cfg *config.Config) auth.TokenSource { //nolint:ireturn // Either supplier fits.
	if cfg.Token != "" {
		return auth.NewStaticToken(cfg.Token)
	}

	return auth.NewClientCredentials(ctx, auth.ClientCredentialsConfig{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
}

// newSink returns the event sink and a function flushing it before exit.
//
//nolint:ireturn // Composite of sinks.
func newSink(cfg *config.Config) (events.Sink, func(context.Context), error) {
	if cfg.EventWebhookURL == "" {
		return events.LogSink{}, func(context.Context) {}, nil
	}

	webhook, err := events.NewWebhookSink(cfg.EventWebhookURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create event webhook: %w", err)
	}

	closeSink := func(ctx context.Context) {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookFlushTimeout)
		defer cancel()

		if closeErr := webhook.Close(flushCtx); closeErr != nil {
			logger.WarnKV(ctx, "Pending events were not delivered", "error", closeErr)
		}
	}

	return events.Multi{events.LogSink{}, webhook}, closeSink, nil
}

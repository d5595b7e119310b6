package publisher_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/archive/archivetest"
	"github.com/oshokin/lob-publisher/internal/auth"
	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/config"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/graph"
	"github.com/oshokin/lob-publisher/internal/graph/graphtest"
	"github.com/oshokin/lob-publisher/internal/poll"
	"github.com/oshokin/lob-publisher/internal/service/content"
	"github.com/oshokin/lob-publisher/internal/service/publisher"
)

const chunkSize = 32 * 1024

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
	publisher    *publisher.Publisher
	payloadPath  string
	metadataPath string
	iconPath     string
}

func newFixture(t *testing.T, metadata *lob.ArchiveMetadata, uriPolicy poll.Policy) *fixture {
	t.Helper()

	payload := bytes.Repeat([]byte{0x5A}, 2*chunkSize+10)
	dir := t.TempDir()
	root := archivetest.WriteDir(t, filepath.Join(dir, "package"), archivetest.Standard(metadata, payload))

	iconPath := filepath.Join(dir, "icon.png")
	require.NoError(t, os.WriteFile(iconPath, []byte{0x89, 'P', 'N', 'G'}, 0o600))

	server := graphtest.New(t)

	client, err := graph.New(auth.NewStaticToken("token"), graph.WithBaseURL(server.URL))
	require.NoError(t, err)

	recorder := new(events.Recorder)
	reader := archive.NewReader(nil, recorder)

	orchestrator := content.New(client, blob.New(blob.WithChunkSize(chunkSize)), reader,
		content.WithURIPolicy(uriPolicy),
		content.WithCommitPolicy(fastPolicy(10)),
		content.WithEventSink(recorder),
	)

	return &fixture{
		server:   server,
		recorder: recorder,
		publisher: publisher.New(client, orchestrator, reader,
			publisher.WithAppPolicy(fastPolicy(10)),
			publisher.WithCleanupTimeout(5*time.Second),
			publisher.WithEventSink(recorder),
		),
		payloadPath:  archive.PayloadPath(root, metadata.FileName),
		metadataPath: archive.MetadataPath(root),
		iconPath:     iconPath,
	}
}

func defaultFixture(t *testing.T) *fixture {
	t.Helper()

	return newFixture(t, archivetest.Metadata("setup.intunewin", 4096), fastPolicy(10))
}

func descriptor() *lob.App {
	return &lob.App{
		DisplayName:          "Contoso Agent",
		Publisher:            "Contoso",
		InstallCommandLine:   "setup.exe /S",
		UninstallCommandLine: "setup.exe /uninstall",
	}
}

func (f *fixture) publish(ctx context.Context, app *lob.App) (*lob.App, error) {
	return f.publisher.Publish(ctx, app, f.payloadPath, f.metadataPath, f.iconPath)
}

// createdAppID returns the id announced by the app.created event.
func (f *fixture) createdAppID(t *testing.T) string {
	t.Helper()

	created := f.recorder.Named("app.created")
	require.Len(t, created, 1)

	id, ok := created[0].Fields["app_id"].(string)
	require.True(t, ok)

	return id
}

// TestPublish_CreatesApp publishes into a new app and fills defaults from the metadata.
func TestPublish_CreatesApp(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.SetAppReadDelay(2)
	f.server.SetURIDelay(1)

	app, err := f.publish(context.Background(), descriptor())
	require.NoError(t, err)
	require.NotEmpty(t, app.ID)
	require.Equal(t, "1", app.CommittedContentVersion)
	require.Equal(t, "Contoso Agent", app.DisplayName)
	require.Equal(t, "setup.intunewin", app.FileName)
	require.Equal(t, "setup.exe", app.SetupFilePath)
	require.Equal(t, lob.InstallAsSystem, app.InstallExperience)
	require.Equal(t, lob.DefaultReturnCodes(), app.ReturnCodes)
	require.Equal(t, &lob.MimeContent{Type: "image/png", Value: []byte{0x89, 'P', 'N', 'G'}}, app.LargeIcon)

	require.Equal(t, 1, f.server.Calls(graphtest.OpCreateApp))
	require.Zero(t, f.server.Calls(graphtest.OpDeleteApp))
	require.True(t, f.server.AppExists(app.ID))
	require.Equal(t, app.ID, f.createdAppID(t))
	require.Len(t, f.recorder.Named("app.published"), 1)
}

// TestPublish_DefaultsFromMetadata uses the packaged name and MSI product code.
func TestPublish_DefaultsFromMetadata(t *testing.T) {
	t.Parallel()

	metadata := archivetest.Metadata("setup.intunewin", 4096)
	metadata.Name = "Contoso Installer"
	metadata.MsiInfo = &lob.MsiInfo{ProductCode: "{11111111-2222-3333-4444-555555555555}"}

	f := newFixture(t, metadata, fastPolicy(10))

	app := descriptor()
	app.DisplayName = ""

	published, err := f.publish(context.Background(), app)
	require.NoError(t, err)
	require.Equal(t, "Contoso Installer", published.DisplayName)
	require.Equal(t, []lob.DetectionRule{
		{Type: lob.DetectionMsi, ProductCode: "{11111111-2222-3333-4444-555555555555}"},
	}, published.DetectionRules)

	// The caller's descriptor is left untouched.
	require.Empty(t, app.DisplayName)
	require.Nil(t, app.LargeIcon)
}

// TestPublish_ReusesApp never creates or deletes a pre-existing app.
func TestPublish_ReusesApp(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	appID := f.server.SeedApp("Existing")

	app := descriptor()
	app.ID = appID

	published, err := f.publish(context.Background(), app)
	require.NoError(t, err)
	require.Equal(t, appID, published.ID)
	require.Equal(t, "1", published.CommittedContentVersion)
	require.Zero(t, f.server.Calls(graphtest.OpCreateApp))
	require.Len(t, f.recorder.Named("app.reused"), 1)
}

// TestPublish_ReusedAppIsNotDeleted keeps a pre-existing app when publishing fails.
func TestPublish_ReusedAppIsNotDeleted(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOn(graphtest.OpPutBlock, http.StatusInternalServerError)

	appID := f.server.SeedApp("Existing")

	app := descriptor()
	app.ID = appID

	_, err := f.publish(context.Background(), app)
	require.ErrorIs(t, err, lob.ErrUpload)
	require.Zero(t, f.server.Calls(graphtest.OpDeleteApp))
	require.True(t, f.server.AppExists(appID))
}

// TestPublish_CreationFailureDeletesNothing reports the failure without cleanup.
func TestPublish_CreationFailureDeletesNothing(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOn(graphtest.OpCreateApp, http.StatusBadRequest)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrRemoteAPI)
	require.Zero(t, f.server.Calls(graphtest.OpDeleteApp))
	require.Empty(t, f.recorder.Named("app.compensated"))
}

// TestPublish_CompensatesOnce deletes a created app exactly once after a later failure.
func TestPublish_CompensatesOnce(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOnAfter(graphtest.OpPutBlock, http.StatusServiceUnavailable, 1)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrUpload)

	var cleanupErr *lob.CleanupError
	require.False(t, errors.As(err, &cleanupErr))

	appID := f.createdAppID(t)
	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
	require.False(t, f.server.AppExists(appID))
	require.Len(t, f.recorder.Named("app.compensated"), 1)
	require.Zero(t, f.server.Calls(graphtest.OpPutBlockList))
}

// TestPublish_AuthFailureSkipsCompensation leaves the app alone when the credential is rejected.
func TestPublish_AuthFailureSkipsCompensation(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOn(graphtest.OpCreateVersion, http.StatusUnauthorized)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrAuthFailed)
	require.Zero(t, f.server.Calls(graphtest.OpDeleteApp))
	require.True(t, f.server.AppExists(f.createdAppID(t)))
}

// TestPublish_CleanupFailureIsJoined keeps the original error first and adds the cleanup failure.
func TestPublish_CleanupFailureIsJoined(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOn(graphtest.OpPutBlockList, http.StatusInternalServerError)
	f.server.FailOn(graphtest.OpDeleteApp, http.StatusInternalServerError)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrUpload)

	var cleanupErr *lob.CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	require.Equal(t, f.createdAppID(t), cleanupErr.AppID)
	require.ErrorIs(t, cleanupErr.Err, lob.ErrRemoteAPI)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)

	errs := joined.Unwrap()
	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[0], lob.ErrUpload)
	require.ErrorAs(t, errs[1], &cleanupErr)

	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
	require.Len(t, f.recorder.Named("app.compensation_failed"), 1)
}

// TestPublish_RejectedCleanupKeepsOriginalClassification reports a storage
// failure as such even when the compensating delete is refused.
func TestPublish_RejectedCleanupKeepsOriginalClassification(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.FailOn(graphtest.OpPutBlockList, http.StatusInternalServerError)
	f.server.FailOn(graphtest.OpDeleteApp, http.StatusForbidden)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrUpload)
	require.NotErrorIs(t, err, lob.ErrAuthFailed)
	require.NotErrorIs(t, err, lob.ErrRemoteAPI)

	var apiErr *lob.RemoteAPIError
	require.False(t, errors.As(err, &apiErr))

	var cleanupErr *lob.CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	require.ErrorIs(t, cleanupErr.Err, lob.ErrAuthFailed)
	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
}

// TestPublish_CommitTimeoutCompensates deletes the app when the commit never settles.
func TestPublish_CommitTimeoutCompensates(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.SetCommit(0, lob.UploadStateCommitPending)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
	require.Zero(t, f.server.Calls(graphtest.OpPatchApp))
}

// TestPublish_UnreadableAppCompensates deletes an app that never becomes readable.
func TestPublish_UnreadableAppCompensates(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)
	f.server.SetAppReadDelay(1000)

	_, err := f.publish(context.Background(), descriptor())
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.Zero(t, f.server.Calls(graphtest.OpCreateVersion))
	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
}

// TestPublish_CancelledContextStillCompensates deletes the app after the caller gives up.
func TestPublish_CancelledContextStillCompensates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, archivetest.Metadata("setup.intunewin", 4096),
		poll.Policy{Initial: time.Millisecond, MaxInterval: time.Millisecond, Timeout: time.Hour})
	f.server.SetURIDelay(1 << 30)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := f.publish(ctx, descriptor())
	require.Error(t, err)
	require.NotErrorIs(t, err, lob.ErrTimeout)
	require.Equal(t, 1, f.server.Calls(graphtest.OpDeleteApp))
	require.False(t, f.server.AppExists(f.createdAppID(t)))

	compensated := f.recorder.Named("app.compensated")
	require.Len(t, compensated, 1)
	require.NoError(t, compensated[0].ContextErr)
}

// TestPublish_MissingIcon fails before anything is created.
func TestPublish_MissingIcon(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)

	_, err := f.publisher.Publish(context.Background(), descriptor(), f.payloadPath, f.metadataPath,
		filepath.Join(t.TempDir(), "missing.png"))
	require.ErrorIs(t, err, lob.ErrNotFound)
	require.Zero(t, f.server.Calls(graphtest.OpCreateApp))
}

// TestPublish_NilDescriptor rejects a missing descriptor.
func TestPublish_NilDescriptor(t *testing.T) {
	t.Parallel()

	f := defaultFixture(t)

	_, err := f.publish(context.Background(), nil)
	require.Error(t, err)
	require.Zero(t, f.server.Calls(graphtest.OpCreateApp))
}

// TestDefaults_FollowConfig keeps the publisher fallbacks equal to the file defaults.
func TestDefaults_FollowConfig(t *testing.T) {
	t.Parallel()

	require.Equal(t, config.DefaultAppWait(), publisher.DefaultAppPolicy())
	require.Equal(t, config.DefaultCleanupTimeout, publisher.DefaultCleanupTimeout)
	require.Equal(t, config.Default().AppWait, publisher.DefaultAppPolicy())
}

// TestIconMimeType maps common icon extensions.
func TestIconMimeType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"icon.png":  "image/png",
		"ICON.PNG":  "image/png",
		"icon.jpg":  "image/jpeg",
		"icon.jpeg": "image/jpeg",
		"icon":      "application/octet-stream",
	}

	for path, want := range cases {
		require.Equal(t, want, publisher.IconMimeType(path), path)
	}
}

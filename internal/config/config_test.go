package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/graph"
	"github.com/oshokin/lob-publisher/internal/poll"
	"github.com/oshokin/lob-publisher/internal/service/content"
)

// TestValidate checks required fields and format validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing credentials.
	settings := new(Config)
	require.ErrorIs(t, Validate(settings), errCredentialsRequired)

	// Partial client credentials.
	settings = &Config{TenantID: "tenant", ClientID: "client"}
	require.ErrorIs(t, Validate(settings), errCredentialsRequired)

	// Bad endpoint.
	settings = &Config{Token: "abc", GraphURL: "not a url"}
	require.Error(t, Validate(settings))

	// Too many workers.
	settings = &Config{Token: "abc", UploadConcurrency: MaxUploadConcurrency + 1}
	require.Error(t, Validate(settings))

	// Unknown log level.
	settings = &Config{Token: "abc", LogLevel: "verbose"}
	require.ErrorIs(t, Validate(settings), errUnknownLogLevel)

	// Unbounded poll policy.
	settings = &Config{Token: "abc", CommitWait: poll.Policy{Initial: time.Second}}
	require.Error(t, Validate(settings))

	// Okay with client credentials and defaults filled in.
	settings = &Config{TenantID: "tenant", ClientID: "client", ClientSecret: "secret"}
	require.NoError(t, Validate(settings))
	require.Equal(t, DefaultGraphURL, settings.GraphURL)
	require.Equal(t, DefaultTimeout, settings.Timeout)
	require.Equal(t, int64(DefaultChunkSize), settings.ChunkSize)
	require.Equal(t, 1, settings.UploadConcurrency)
	require.Equal(t, DefaultURIWait(), settings.URIWait)
	require.Equal(t, DefaultCleanupTimeout, settings.CleanupTimeout)
}

// TestDefault_MatchesComponents keeps the file defaults equal to the ones the components fall back to.
func TestDefault_MatchesComponents(t *testing.T) {
	t.Parallel()

	settings := Default()
	require.Equal(t, graph.DefaultBaseURL, settings.GraphURL)
	require.Equal(t, graph.DefaultCallTimeout, settings.Timeout)
	require.Equal(t, blob.DefaultChunkSize, settings.ChunkSize)
	require.Equal(t, content.DefaultURIPolicy(), settings.URIWait)
	require.Equal(t, content.DefaultCommitPolicy(), settings.CommitWait)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")

	settings := Default()
	settings.Token = "abc"
	settings.ChunkSize = 1024 * 1024
	settings.CommitWait = poll.Policy{Initial: time.Second, MaxAttempts: 3}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}

// TestLoad_Durations parses human-readable durations from YAML.
func TestLoad_Durations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token: abc
timeout: 30s
uri_wait:
  initial: 500ms
  max_interval: 5s
  timeout: 1m
`), DefaultFilePermissions))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, loaded.Timeout)
	require.Equal(t, poll.Policy{Initial: 500 * time.Millisecond, MaxInterval: 5 * time.Second, Timeout: time.Minute},
		loaded.URIWait)
}

// TestLoad_EnvironmentOverrides keeps secrets out of the file.
//
//nolint:paralleltest // t.Setenv forbids t.Parallel.
func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant_id: tenant\nclient_id: client\nchunk_size: 1048576\n"),
		DefaultFilePermissions))

	t.Setenv("LOB_PUBLISHER_CLIENT_SECRET", "from-env")
	t.Setenv("LOB_PUBLISHER_CHUNK_SIZE", "2097152")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", loaded.ClientSecret)
	require.Equal(t, int64(2097152), loaded.ChunkSize)
}

// TestLoad_MissingExplicitFile fails when a named file does not exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// TestLoadDescriptor reads and validates app descriptors.
func TestLoadDescriptor(t *testing.T) {
	t.Parallel()

	write := func(t *testing.T, contents string) string {
		t.Helper()

		path := filepath.Join(t.TempDir(), "app.yaml")
		require.NoError(t, os.WriteFile(path, []byte(contents), DefaultFilePermissions))

		return path
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		app, err := LoadDescriptor(write(t, `
display_name: Contoso Agent
description: Endpoint agent
publisher: Contoso
install_command_line: setup.exe /S
uninstall_command_line: setup.exe /uninstall
install_experience: user
detection_rules:
  - type: file
    path: C:\Program Files\Contoso
    file_or_folder: agent.exe
return_codes:
  - code: 0
    type: success
`))
		require.NoError(t, err)
		require.Equal(t, "Contoso Agent", app.DisplayName)
		require.Equal(t, lob.InstallAsUser, app.InstallExperience)
		require.Equal(t, []lob.DetectionRule{
			{Type: lob.DetectionFile, Path: `C:\Program Files\Contoso`, FileOrFolder: "agent.exe"},
		}, app.DetectionRules)
		require.Equal(t, []lob.ReturnCode{{Code: 0, Type: "success"}}, app.ReturnCodes)
		require.Empty(t, app.ID)
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()

		_, err := LoadDescriptor(filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorIs(t, err, lob.ErrNotFound)
	})

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()

		_, err := LoadDescriptor(write(t, "publisher: Contoso\ninstal_command_line: x\n"))
		require.Error(t, err)
	})

	t.Run("missing publisher", func(t *testing.T) {
		t.Parallel()

		_, err := LoadDescriptor(write(t, "install_command_line: a\nuninstall_command_line: b\n"))
		require.ErrorIs(t, err, errPublisherRequired)
	})

	t.Run("bad rule", func(t *testing.T) {
		t.Parallel()

		_, err := LoadDescriptor(write(t, `
publisher: Contoso
install_command_line: a
uninstall_command_line: b
detection_rules:
  - type: msi
`))
		require.ErrorIs(t, err, errInvalidDetectionRule)
	})
}

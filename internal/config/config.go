package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/graph"
	"github.com/oshokin/lob-publisher/internal/logger"
	"github.com/oshokin/lob-publisher/internal/poll"
	"github.com/oshokin/lob-publisher/internal/service/content"
)

// Config holds the settings of the publisher.
type Config struct {
	// GraphURL is the management API endpoint.
	GraphURL string `yaml:"graph_url" env:"LOB_PUBLISHER_GRAPH_URL"`
	// TenantID, ClientID and ClientSecret select the client credentials flow.
	TenantID     string `yaml:"tenant_id,omitempty"     env:"LOB_PUBLISHER_TENANT_ID"`
	ClientID     string `yaml:"client_id,omitempty"     env:"LOB_PUBLISHER_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret,omitempty" env:"LOB_PUBLISHER_CLIENT_SECRET"`
	// Token is a pre-obtained bearer token used instead of client credentials.
	Token string `yaml:"token,omitempty" env:"LOB_PUBLISHER_TOKEN"`
	// Timeout bounds each management API call.
	Timeout time.Duration `yaml:"timeout" env:"LOB_PUBLISHER_TIMEOUT"`
	// ChunkSize is the block size of the payload upload in bytes.
	ChunkSize int64 `yaml:"chunk_size" env:"LOB_PUBLISHER_CHUNK_SIZE"`
	// UploadConcurrency is the number of blocks uploaded at once.
	UploadConcurrency int `yaml:"upload_concurrency" env:"LOB_PUBLISHER_UPLOAD_CONCURRENCY"`
	// AppWait bounds the wait for a created app to become readable.
	AppWait poll.Policy `yaml:"app_wait"`
	// URIWait bounds the wait for a storage URI.
	URIWait poll.Policy `yaml:"uri_wait"`
	// CommitWait bounds the wait for the commit to finish.
	CommitWait poll.Policy `yaml:"commit_wait"`
	// CleanupTimeout bounds the deletion of an app after a failed publish.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" env:"LOB_PUBLISHER_CLEANUP_TIMEOUT"`
	// EventWebhookURL receives every lifecycle event when set.
	EventWebhookURL string `yaml:"event_webhook_url,omitempty" env:"LOB_PUBLISHER_EVENT_WEBHOOK_URL"`
	// LogLevel is one of debug, info, warn and error.
	LogLevel string `yaml:"log_level" env:"LOB_PUBLISHER_LOG_LEVEL"`
	// LogFormat is console or json.
	LogFormat string `yaml:"log_format" env:"LOB_PUBLISHER_LOG_FORMAT"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "lob-publisher.yaml"

	// DefaultGraphURL is the beta endpoint of the management API.
	DefaultGraphURL = graph.DefaultBaseURL

	// DefaultTimeout is the default duration of one API call.
	DefaultTimeout = graph.DefaultCallTimeout

	// DefaultChunkSize is the default upload block size.
	DefaultChunkSize = blob.DefaultChunkSize

	// MaxChunkSize is the largest block the storage service accepts.
	MaxChunkSize = 4000 * 1024 * 1024

	// MaxUploadConcurrency caps parallel block uploads.
	MaxUploadConcurrency = 16

	// DefaultCleanupTimeout bounds the compensating deletion.
	DefaultCleanupTimeout = 2 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

// DefaultAppWait waits up to two minutes for a created app.
func DefaultAppWait() poll.Policy {
	return poll.Policy{Initial: time.Second, MaxInterval: 10 * time.Second, MaxAttempts: 30, Timeout: 2 * time.Minute}
}

// DefaultURIWait is the orchestrator's storage URI policy.
func DefaultURIWait() poll.Policy {
	return content.DefaultURIPolicy()
}

// DefaultCommitWait is the orchestrator's commit policy.
func DefaultCommitWait() poll.Policy {
	return content.DefaultCommitPolicy()
}

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errCredentialsRequired is returned when neither a token nor client credentials are set.
	errCredentialsRequired = errors.New("either token or tenant_id, client_id and client_secret must be provided")
	errUnknownLogLevel     = errors.New("unknown log level")
	errUnknownLogFormat    = errors.New("unknown log format")
)

// Default returns settings with every default applied and no credentials.
func Default() *Config {
	return &Config{
		GraphURL:          DefaultGraphURL,
		Timeout:           DefaultTimeout,
		ChunkSize:         DefaultChunkSize,
		UploadConcurrency: 1,
		AppWait:           DefaultAppWait(),
		URIWait:           DefaultURIWait(),
		CommitWait:        DefaultCommitWait(),
		CleanupTimeout:    DefaultCleanupTimeout,
		LogLevel:          "info",
		LogFormat:         string(logger.FormatConsole),
	}
}

// Load reads configuration from the provided path, applies LOB_PUBLISHER_*
// environment overrides and validates the result. A missing file at the
// default path is treated as empty so the environment alone can configure
// the publisher.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	var cfg Config

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read settings from environment: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may hold a client secret.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the provided settings.
//
//nolint:cyclop,funlen // Flat list of independent field checks.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.GraphURL == "" {
		settings.GraphURL = DefaultGraphURL
	}

	if _, err := url.ParseRequestURI(settings.GraphURL); err != nil {
		return fmt.Errorf("invalid graph url: %w", err)
	}

	clientCredentials := settings.TenantID != "" && settings.ClientID != "" && settings.ClientSecret != ""
	if settings.Token == "" && !clientCredentials {
		return errCredentialsRequired
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.ChunkSize <= 0 {
		settings.ChunkSize = DefaultChunkSize
	}

	if settings.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d exceeds %d", settings.ChunkSize, MaxChunkSize)
	}

	if settings.UploadConcurrency <= 0 {
		settings.UploadConcurrency = 1
	}

	if settings.UploadConcurrency > MaxUploadConcurrency {
		return fmt.Errorf("upload concurrency %d exceeds %d", settings.UploadConcurrency, MaxUploadConcurrency)
	}

	policies := []struct {
		name     string
		policy   *poll.Policy
		fallback poll.Policy
	}{
		{"app_wait", &settings.AppWait, DefaultAppWait()},
		{"uri_wait", &settings.URIWait, DefaultURIWait()},
		{"commit_wait", &settings.CommitWait, DefaultCommitWait()},
	}

	for _, p := range policies {
		if *p.policy == (poll.Policy{}) {
			*p.policy = p.fallback
		}

		if err := p.policy.Validate(); err != nil {
			return fmt.Errorf("invalid %s: %w", p.name, err)
		}
	}

	if settings.CleanupTimeout <= 0 {
		settings.CleanupTimeout = DefaultCleanupTimeout
	}

	if settings.EventWebhookURL != "" {
		if _, err := url.ParseRequestURI(settings.EventWebhookURL); err != nil {
			return fmt.Errorf("invalid event webhook url: %w", err)
		}
	}

	if _, ok := logger.ParseLogLevel(settings.LogLevel); !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, settings.LogLevel)
	}

	if _, ok := logger.ParseFormat(settings.LogFormat); !ok {
		return fmt.Errorf("%w: %q", errUnknownLogFormat, settings.LogFormat)
	}

	return nil
}

package receipt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/lob-publisher/internal/config"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// Receipt records one successful publish.
type Receipt struct {
	AppID            string    `yaml:"app_id"`
	DisplayName      string    `yaml:"display_name"`
	Created          bool      `yaml:"created"`
	ContentVersionID string    `yaml:"content_version_id"`
	FileID           string    `yaml:"file_id"`
	FileName         string    `yaml:"file_name"`
	Size             int64     `yaml:"size"`
	SizeEncrypted    int64     `yaml:"size_encrypted"`
	PublishedAt      time.Time `yaml:"published_at"`
	// PublishedBy is nil when the actor could not be detected.
	PublishedBy *lob.Actor `yaml:"published_by,omitempty"`
}

// Repository defines persistence operations for receipts.
type Repository interface {
	Load(ctx context.Context) (*Receipt, error)
	Save(ctx context.Context, receipt *Receipt) error
}

// FileRepository persists a receipt to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the receipt.
	path string
	// mu protects concurrent access to the file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the receipt file does not exist yet.
	ErrNotFound = errors.New("receipt not found")

	errReceiptIsNotSet = errors.New("receipt is not set")
)

// NewFileRepository creates a repository that reads and writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the receipt from disk.
func (r *FileRepository) Load(_ context.Context) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read receipt file: %w", err)
	}

	var receipt Receipt
	if err = yaml.Unmarshal(contents, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt file: %w", err)
	}

	return &receipt, nil
}

// Save writes the receipt to disk, replacing any previous one.
func (r *FileRepository) Save(_ context.Context, receipt *Receipt) error {
	if receipt == nil {
		return errReceiptIsNotSet
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write receipt file: %w", err)
	}

	return nil
}

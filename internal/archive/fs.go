package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// File is an open payload that can be read at arbitrary offsets.
type File interface {
	io.ReaderAt
	io.Closer
}

// FileSystem is the local file access the pipeline depends on.
type FileSystem interface {
	Extract(archivePath, destDir string) error
	IsDir(path string) (bool, error)
	FileExists(path string) bool
	ReadAllBytes(path string) ([]byte, error)
	FileSize(path string) (int64, error)
	DeleteRecursive(path string) error
	MkdirTemp(pattern string) (string, error)
	Open(path string) (File, error)
}

const extractedFileMode os.FileMode = 0o600

var errUnsafeEntry = errors.New("archive entry escapes destination")

// OSFileSystem implements FileSystem on the local disk.
type OSFileSystem struct{}

// Extract unpacks the zip archive at archivePath into destDir.
func (OSFileSystem) Extract(archivePath, destDir string) error {
	reader, err := zip.OpenReader(filepath.Clean(archivePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", archivePath, lob.ErrNotFound)
		}

		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	root := filepath.Clean(destDir) + string(os.PathSeparator)

	for _, entry := range reader.File {
		if err = extractEntry(entry, root); err != nil {
			return err
		}
	}

	return nil
}

// extractEntry writes a single zip entry below root, rejecting path traversal.
func extractEntry(entry *zip.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(entry.Name))
	if !strings.HasPrefix(target, root) {
		return fmt.Errorf("%s: %w", entry.Name, errUnsafeEntry)
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o750)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", entry.Name, err)
	}

	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}

	defer func() {
		_ = source.Close()
	}()

	output, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, extractedFileMode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	//nolint:gosec // Entry sizes are bounded by the archive the operator supplied.
	if _, err = io.Copy(output, source); err != nil {
		_ = output.Close()

		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}

	return output.Close()
}

// IsDir reports whether path is a directory, failing with lob.ErrNotFound when it does not exist.
func (OSFileSystem) IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%s: %w", path, lob.ErrNotFound)
		}

		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	return info.IsDir(), nil
}

// FileExists reports whether path names an existing regular file.
func (OSFileSystem) FileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// ReadAllBytes reads the whole file.
func (OSFileSystem) ReadAllBytes(path string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, lob.ErrNotFound)
	}

	return contents, err
}

// FileSize returns the size of the file in bytes.
func (OSFileSystem) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", path, lob.ErrNotFound)
		}

		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	return info.Size(), nil
}

// DeleteRecursive removes path and everything below it.
func (OSFileSystem) DeleteRecursive(path string) error {
	return os.RemoveAll(path)
}

// MkdirTemp creates a new scratch directory.
func (OSFileSystem) MkdirTemp(pattern string) (string, error) {
	return os.MkdirTemp("", pattern)
}

// Open opens path for random access reads.
//
//nolint:ireturn // The payload is consumed through the File interface.
func (OSFileSystem) Open(path string) (File, error) {
	file, err := os.Open(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, lob.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return file, nil
}

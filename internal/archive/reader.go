package archive

import (
	"context"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/logger"
)

const (
	// PackageRoot is the top-level folder inside every content archive.
	PackageRoot = "IntuneWinPackage"
	// MetadataFilename is the metadata record file name.
	MetadataFilename = "Detection.xml"

	metadataDir = "Metadata"
	contentsDir = "Contents"

	scratchPattern = "lob-publisher-archive-"
)

// Package is a located content archive ready for publishing.
type Package struct {
	Metadata     *lob.ArchiveMetadata
	MetadataPath string
	PayloadPath  string
}

// Reader locates and parses content archives.
type Reader struct {
	fs   FileSystem
	sink events.Sink
}

// NewReader creates a Reader. A nil fs uses the local disk and a nil sink discards events.
func NewReader(fs FileSystem, sink events.Sink) *Reader {
	if fs == nil {
		fs = OSFileSystem{}
	}

	return &Reader{fs: fs, sink: events.OrNop(sink)}
}

// MetadataPath returns where the metadata record lives below an extracted root.
func MetadataPath(root string) string {
	return filepath.Join(root, PackageRoot, metadataDir, MetadataFilename)
}

// PayloadPath returns where the payload named fileName lives below an extracted root.
func PayloadPath(root, fileName string) string {
	return filepath.Join(root, PackageRoot, contentsDir, fileName)
}

// Open locates the metadata and payload in path, which is either a packed
// archive or a directory it was extracted to, and passes them to fn.
// A packed archive is extracted to a scratch directory that is removed
// before Open returns, whatever the outcome.
func (r *Reader) Open(ctx context.Context, path string, fn func(*Package) error) error {
	isDir, err := r.fs.IsDir(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	root := path

	if !isDir {
		root, err = r.fs.MkdirTemp(scratchPattern)
		if err != nil {
			return fmt.Errorf("create scratch directory: %w", err)
		}

		defer func() {
			if removeErr := r.fs.DeleteRecursive(root); removeErr != nil {
				logger.WarnKV(ctx, "Failed to remove scratch directory", "path", root, "error", removeErr)
			}
		}()

		if err = r.fs.Extract(path, root); err != nil {
			return fmt.Errorf("extract archive: %w", err)
		}

		r.sink.Emit(ctx, "archive.extracted", events.Fields{"archive": path, "scratch_dir": root})
	}

	pkg, err := r.locate(root)
	if err != nil {
		return err
	}

	r.sink.Emit(ctx, "archive.metadata_read", events.Fields{
		"file_name":                pkg.Metadata.FileName,
		"unencrypted_content_size": pkg.Metadata.UnencryptedContentSize,
	})

	return fn(pkg)
}

// locate finds the metadata record and payload below an extracted root.
func (r *Reader) locate(root string) (*Package, error) {
	metadataPath := MetadataPath(root)

	metadata, err := r.ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	payloadPath := PayloadPath(root, metadata.FileName)
	if !r.fs.FileExists(payloadPath) {
		return nil, fmt.Errorf("payload %s: %w", metadata.FileName, lob.ErrNotFound)
	}

	return &Package{
		Metadata:     metadata,
		MetadataPath: metadataPath,
		PayloadPath:  payloadPath,
	}, nil
}

// ReadMetadata parses the metadata record at path.
func (r *Reader) ReadMetadata(path string) (*lob.ArchiveMetadata, error) {
	if !r.fs.FileExists(path) {
		return nil, fmt.Errorf("metadata %s: %w", path, lob.ErrNotFound)
	}

	contents, err := r.fs.ReadAllBytes(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	return ParseMetadata(contents)
}

// applicationInfo mirrors the XML document written by the packaging tool.
type applicationInfo struct {
	XMLName                xml.Name `xml:"ApplicationInfo"`
	Name                   string   `xml:"Name"`
	UnencryptedContentSize string   `xml:"UnencryptedContentSize"`
	FileName               string   `xml:"FileName"`
	SetupFile              string   `xml:"SetupFile"`
	EncryptionInfo         struct {
		EncryptionKey        string `xml:"EncryptionKey"`
		MacKey               string `xml:"MacKey"`
		InitializationVector string `xml:"InitializationVector"`
		Mac                  string `xml:"Mac"`
		ProfileIdentifier    string `xml:"ProfileIdentifier"`
		FileDigest           string `xml:"FileDigest"`
		FileDigestAlgorithm  string `xml:"FileDigestAlgorithm"`
	} `xml:"EncryptionInfo"`
	MsiInfo *struct {
		MsiProductCode      string `xml:"MsiProductCode"`
		MsiProductVersion   string `xml:"MsiProductVersion"`
		MsiUpgradeCode      string `xml:"MsiUpgradeCode"`
		MsiExecutionContext string `xml:"MsiExecutionContext"`
		MsiPublisher        string `xml:"MsiPublisher"`
	} `xml:"MsiInfo"`
}

// ParseMetadata decodes a metadata record.
func ParseMetadata(contents []byte) (*lob.ArchiveMetadata, error) {
	var info applicationInfo
	if err := xml.Unmarshal(contents, &info); err != nil {
		return nil, fmt.Errorf("decode metadata: %w: %w", lob.ErrFormat, err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(info.UnencryptedContentSize), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unencrypted content size %q: %w", info.UnencryptedContentSize, lob.ErrFormat)
	}

	metadata := &lob.ArchiveMetadata{
		Name:                   strings.TrimSpace(info.Name),
		FileName:               strings.TrimSpace(info.FileName),
		SetupFile:              strings.TrimSpace(info.SetupFile),
		UnencryptedContentSize: size,
		EncryptionInfo: lob.EncryptionInfo{
			EncryptionKey:        strings.TrimSpace(info.EncryptionInfo.EncryptionKey),
			MacKey:               strings.TrimSpace(info.EncryptionInfo.MacKey),
			InitializationVector: strings.TrimSpace(info.EncryptionInfo.InitializationVector),
			Mac:                  strings.TrimSpace(info.EncryptionInfo.Mac),
			ProfileIdentifier:    strings.TrimSpace(info.EncryptionInfo.ProfileIdentifier),
			FileDigest:           strings.TrimSpace(info.EncryptionInfo.FileDigest),
			FileDigestAlgorithm:  strings.TrimSpace(info.EncryptionInfo.FileDigestAlgorithm),
		},
	}

	if info.MsiInfo != nil {
		metadata.MsiInfo = &lob.MsiInfo{
			ProductCode:      info.MsiInfo.MsiProductCode,
			ProductVersion:   info.MsiInfo.MsiProductVersion,
			UpgradeCode:      info.MsiInfo.MsiUpgradeCode,
			ExecutionContext: info.MsiInfo.MsiExecutionContext,
			Publisher:        info.MsiInfo.MsiPublisher,
		}
	}

	if err = validateMetadata(metadata); err != nil {
		return nil, err
	}

	return metadata, nil
}

// validateMetadata checks the fields every later stage depends on.
func validateMetadata(m *lob.ArchiveMetadata) error {
	var missing []string

	if m.FileName == "" {
		missing = append(missing, "FileName")
	}

	// The payload must stay inside the Contents folder.
	if m.FileName != "" && m.FileName != filepath.Base(m.FileName) {
		return fmt.Errorf("file name %q: %w", m.FileName, lob.ErrFormat)
	}

	if m.EncryptionInfo.EncryptionKey == "" {
		missing = append(missing, "EncryptionKey")
	}

	if m.EncryptionInfo.MacKey == "" {
		missing = append(missing, "MacKey")
	}

	if m.EncryptionInfo.InitializationVector == "" {
		missing = append(missing, "InitializationVector")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), lob.ErrFormat)
	}

	return nil
}

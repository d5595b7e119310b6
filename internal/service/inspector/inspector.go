package inspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/lob-publisher/internal/archive"
	"github.com/oshokin/lob-publisher/internal/blob"
	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/logger"
)

// Options configures one inspection.
type Options struct {
	// ArchivePath is a packed content archive or the directory it was extracted to.
	ArchivePath string

	// ShowKeys prints the encryption key material instead of redacting it.
	ShowKeys bool

	// Output receives the YAML document, standard output when nil.
	Output io.Writer
}

// Report is the document printed for an archive.
type Report struct {
	Metadata    *lob.ArchiveMetadata `yaml:"metadata"`
	PayloadSize int64                `yaml:"payload_size"`
	// Chunks is the number of blocks at the default chunk size.
	Chunks int `yaml:"chunks"`
}

const redacted = "<redacted>"

var errArchiveRequired = errors.New("archive path must be provided")

// Run reads the archive and writes its report as YAML.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "inspect")

	if opts.ArchivePath == "" {
		return errArchiveRequired
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	fs := archive.OSFileSystem{}
	reader := archive.NewReader(fs, nil)

	return reader.Open(ctx, opts.ArchivePath, func(pkg *archive.Package) error {
		report, err := NewReport(fs, pkg, opts.ShowKeys)
		if err != nil {
			return err
		}

		encoder := yaml.NewEncoder(output)
		encoder.SetIndent(2)

		if err = encoder.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}

		return encoder.Close()
	})
}

// NewReport measures the payload and, unless showKeys is set, hides key material.
func NewReport(fs archive.FileSystem, pkg *archive.Package, showKeys bool) (*Report, error) {
	size, err := fs.FileSize(pkg.PayloadPath)
	if err != nil {
		return nil, fmt.Errorf("measure payload: %w", err)
	}

	metadata := *pkg.Metadata

	if !showKeys {
		metadata.EncryptionInfo.EncryptionKey = redacted
		metadata.EncryptionInfo.MacKey = redacted
		metadata.EncryptionInfo.InitializationVector = redacted
	}

	chunks, err := blob.Plan(size, blob.DefaultChunkSize)
	if err != nil {
		return nil, err
	}

	return &Report{Metadata: &metadata, PayloadSize: size, Chunks: len(chunks)}, nil
}

package blob

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
	"github.com/oshokin/lob-publisher/internal/events"
	"github.com/oshokin/lob-publisher/internal/logger"
)

const (
	// DefaultChunkSize is the block size used when none is configured.
	DefaultChunkSize int64 = 6 * 1024 * 1024

	// DefaultTimeout bounds a single block PUT.
	DefaultTimeout = 10 * time.Minute

	// BlobTypeHeader marks every block PUT as part of a block blob.
	BlobTypeHeader = "x-ms-blob-type"
	// BlockBlob is the BlobTypeHeader value.
	BlockBlob = "BlockBlob"

	xmlHeader = `<?xml version="1.0" encoding="utf-8"?>`
)

// Uploader stores payloads as block blobs.
type Uploader struct {
	client      *http.Client
	chunkSize   int64
	concurrency int
	sink        events.Sink
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient sets the client used for block PUTs.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Uploader) {
		if client != nil {
			u.client = client
		}
	}
}

// WithChunkSize sets the block size in bytes.
func WithChunkSize(size int64) Option {
	return func(u *Uploader) {
		if size > 0 {
			u.chunkSize = size
		}
	}
}

// WithConcurrency sets how many blocks may be in flight at once.
// The default of one uploads strictly in index order.
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithEventSink sets the sink receiving per-block events.
func WithEventSink(sink events.Sink) Option {
	return func(u *Uploader) {
		u.sink = events.OrNop(sink)
	}
}

// New creates an Uploader.
func New(opts ...Option) *Uploader {
	u := &Uploader{
		client:      &http.Client{Timeout: DefaultTimeout},
		chunkSize:   DefaultChunkSize,
		concurrency: 1,
		sink:        events.Nop{},
	}

	for _, opt := range opts {
		opt(u)
	}

	return u
}

// ChunkSize returns the configured block size.
func (u *Uploader) ChunkSize() int64 {
	return u.chunkSize
}

// Plan splits size bytes into chunks of chunkSize, failing with
// lob.ErrCapacityExceeded when more than lob.MaxChunks would be needed.
func Plan(size, chunkSize int64) ([]lob.Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	if size < 0 {
		return nil, fmt.Errorf("payload size must not be negative, got %d", size)
	}

	count := (size + chunkSize - 1) / chunkSize
	if count > lob.MaxChunks {
		return nil, fmt.Errorf("%d bytes need %d chunks of %d bytes, limit is %d: %w",
			size, count, chunkSize, lob.MaxChunks, lob.ErrCapacityExceeded)
	}

	chunks := make([]lob.Chunk, 0, count)

	for index := 0; index < int(count); index++ {
		offset := int64(index) * chunkSize
		chunks = append(chunks, lob.Chunk{
			Index:   index,
			Offset:  offset,
			Length:  min(chunkSize, size-offset),
			BlockID: lob.BlockID(index),
		})
	}

	return chunks, nil
}

// UploadBytes uploads an in-memory payload.
func (u *Uploader) UploadBytes(ctx context.Context, destinationURI string, payload []byte) error {
	return u.Upload(ctx, destinationURI, bytes.NewReader(payload), int64(len(payload)))
}

// Upload stores size bytes read from payload as a block blob at destinationURI.
// Blocks may complete in any order; the block list always names them by ascending index.
func (u *Uploader) Upload(ctx context.Context, destinationURI string, payload io.ReaderAt, size int64) error {
	chunks, err := Plan(size, u.chunkSize)
	if err != nil {
		return err
	}

	destination, err := url.Parse(destinationURI)
	if err != nil {
		return fmt.Errorf("parse destination uri: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(u.concurrency)

	for _, chunk := range chunks {
		chunk := chunk

		if groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			// A sibling failed while this block waited for a slot.
			if err := groupCtx.Err(); err != nil {
				return err
			}

			return u.putBlock(groupCtx, destination, payload, chunk)
		})
	}

	if err = group.Wait(); err != nil {
		return err
	}

	if err = u.putBlockList(ctx, destination, chunks); err != nil {
		return err
	}

	u.sink.Emit(ctx, "blob.finalized", events.Fields{"chunks": len(chunks), "bytes": size})

	return nil
}

// putBlock uploads one chunk as a block.
func (u *Uploader) putBlock(ctx context.Context, destination *url.URL, payload io.ReaderAt, chunk lob.Chunk) error {
	data := make([]byte, chunk.Length)
	if _, err := io.ReadFull(io.NewSectionReader(payload, chunk.Offset, chunk.Length), data); err != nil {
		return fmt.Errorf("read chunk %d: %w", chunk.Index, err)
	}

	target := appendQuery(destination, "comp=block&blockid="+url.QueryEscape(chunk.BlockID))

	if err := u.put(ctx, target, bytes.NewReader(data), chunk.BlockID, "application/octet-stream"); err != nil {
		return err
	}

	logger.DebugKV(ctx, "Block uploaded", "index", chunk.Index, "block_id", chunk.BlockID, "bytes", chunk.Length)
	u.sink.Emit(ctx, "blob.chunk_uploaded", events.Fields{
		"index":    chunk.Index,
		"block_id": chunk.BlockID,
		"bytes":    chunk.Length,
	})

	return nil
}

// blockList is the document committing uploaded blocks.
type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// BlockListBody renders the block list naming chunks in index order.
func BlockListBody(chunks []lob.Chunk) ([]byte, error) {
	list := blockList{Latest: make([]string, len(chunks))}
	for _, chunk := range chunks {
		list.Latest[chunk.Index] = chunk.BlockID
	}

	body, err := xml.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal block list: %w", err)
	}

	return append([]byte(xmlHeader), body...), nil
}

// putBlockList commits the uploaded blocks.
func (u *Uploader) putBlockList(ctx context.Context, destination *url.URL, chunks []lob.Chunk) error {
	body, err := BlockListBody(chunks)
	if err != nil {
		return err
	}

	return u.put(ctx, appendQuery(destination, "comp=blocklist"), bytes.NewReader(body), "", "application/xml")
}

// put issues a PUT and converts failures into *lob.UploadError.
func (u *Uploader) put(ctx context.Context, target string, body *bytes.Reader, blockID, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return &lob.UploadError{BlockID: blockID, Err: err}
	}

	req.Header.Set(BlobTypeHeader, BlockBlob)
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return &lob.UploadError{BlockID: blockID, Err: err}
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &lob.UploadError{BlockID: blockID, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return nil
}

// appendQuery adds parameters after the existing query, leaving the
// pre-signed parameters byte-for-byte intact.
func appendQuery(base *url.URL, extra string) string {
	target := *base
	if target.RawQuery == "" {
		target.RawQuery = extra
	} else {
		target.RawQuery += "&" + extra
	}

	return target.String()
}

package lob

import (
	"encoding/base64"
	"fmt"
)

// UploadState is the content file state reported by the service.
type UploadState string

// Server-reported upload states the pipeline reacts to.
const (
	UploadStateURIPending    UploadState = "azureStorageUriRequestPending"
	UploadStateURISuccess    UploadState = "azureStorageUriRequestSuccess"
	UploadStateURIFailed     UploadState = "azureStorageUriRequestFailed"
	UploadStateCommitPending UploadState = "commitFilePending"
	UploadStateCommitSuccess UploadState = "commitFileSuccess"
	UploadStateCommitFailed  UploadState = "commitFileFailed"
)

// ContentVersion is a versioned container for one upload attempt.
type ContentVersion struct {
	ID string
}

// ContentFile is the single payload file registered under a content version.
type ContentFile struct {
	ID   string
	Name string
	// Size is the unencrypted size declared from the metadata record.
	Size int64
	// SizeEncrypted is the measured size of the encrypted payload on disk.
	SizeEncrypted   int64
	AzureStorageURI string
	UploadState     UploadState
	IsCommitted     bool
	// RequestID is the service request-id of the response this snapshot came from.
	RequestID string
}

// MaxChunks is the ceiling imposed by four-digit block ids.
const MaxChunks = 10000

// Chunk is one slice of the payload uploaded as a single block.
type Chunk struct {
	Index   int
	Offset  int64
	Length  int64
	BlockID string
}

// BlockID encodes the zero-padded chunk index the way the block protocol expects.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString(fmt.Appendf(nil, "%04d", index))
}

package lob

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a local file or archive entry is missing.
	ErrNotFound = errors.New("not found")
	// ErrFormat is returned when the metadata record cannot be decoded.
	ErrFormat = errors.New("malformed metadata")
	// ErrAuthFailed is returned when the service rejects the credential.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrRemoteAPI is returned for any non-success management API response.
	ErrRemoteAPI = errors.New("remote api error")
	// ErrUpload is returned when a block or block list PUT fails.
	ErrUpload = errors.New("upload failed")
	// ErrCommitFailed is returned when the service reports a failed commit.
	ErrCommitFailed = errors.New("commit failed")
	// ErrTimeout is returned when a polling budget is exhausted.
	ErrTimeout = errors.New("timed out")
	// ErrCapacityExceeded is returned when a payload needs more than MaxChunks blocks.
	ErrCapacityExceeded = errors.New("payload exceeds block capacity")
)

// RemoteAPIError carries the detail of a failed management API call.
type RemoteAPIError struct {
	Op         string
	Method     string
	URL        string
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *RemoteAPIError) Error() string {
	msg := e.Op
	if e.Method != "" {
		msg += ": " + e.Method + " " + e.URL
	}

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}

	if e.Code != "" {
		msg += ", code " + e.Code
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.RequestID != "" {
		msg += " (request-id " + e.RequestID + ")"
	}

	return msg
}

// Is matches ErrRemoteAPI, and ErrAuthFailed for 401 and 403 responses.
func (e *RemoteAPIError) Is(target error) bool {
	switch target { //nolint:errorlint // Sentinel identity comparison is intended.
	case ErrRemoteAPI:
		return true
	case ErrAuthFailed:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	default:
		return false
	}
}

// UploadError describes a failed block or block list PUT.
type UploadError struct {
	// BlockID is empty for the finalize request.
	BlockID    string
	StatusCode int
	Status     string
	Err        error
}

func (e *UploadError) Error() string {
	target := "block list"
	if e.BlockID != "" {
		target = "block " + e.BlockID
	}

	if e.Err != nil {
		return fmt.Sprintf("put %s: %v", target, e.Err)
	}

	return fmt.Sprintf("put %s: %s", target, e.Status)
}

// Is matches ErrUpload.
func (e *UploadError) Is(target error) bool {
	return target == ErrUpload //nolint:errorlint // Sentinel identity comparison is intended.
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// CommitFailedError reports the terminal failure state of a commit.
type CommitFailedError struct {
	FileID  string
	State   UploadState
	Message string
	// RequestID is the service request-id of the response that reported the failure.
	RequestID string
}

func (e *CommitFailedError) Error() string {
	msg := fmt.Sprintf("commit content file %s: state %s", e.FileID, e.State)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.RequestID != "" {
		msg += " (request-id " + e.RequestID + ")"
	}

	return msg
}

func (e *CommitFailedError) Unwrap() error {
	return ErrCommitFailed
}

// CleanupError reports a failed compensating deletion. It carries the delete
// error in Err but does not unwrap to it, so a joined cleanup failure never
// changes how the original publish error is classified.
type CleanupError struct {
	AppID string
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("delete app %s during cleanup: %v", e.AppID, e.Err)
}

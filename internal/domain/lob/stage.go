package lob

import (
	"errors"
	"fmt"
)

// Stage is the local lifecycle of a content file during one publish attempt.
type Stage string

// Content file stages in pipeline order.
const (
	StageRegistered  Stage = "registered"
	StageURIPending  Stage = "uri_pending"
	StageURIAssigned Stage = "uri_assigned"
	StageUploading   Stage = "uploading"
	StageCommitting  Stage = "committing"
	StageCommitted   Stage = "committed"
	StageFailed      Stage = "failed"
)

var errInvalidTransition = errors.New("invalid stage transition")

// allowedTransitions lists the successors of every non-terminal stage.
//
//nolint:gochecknoglobals // Read-only lookup table.
var allowedTransitions = map[Stage][]Stage{
	StageRegistered:  {StageURIPending},
	StageURIPending:  {StageURIAssigned},
	StageURIAssigned: {StageUploading},
	StageUploading:   {StageCommitting},
	StageCommitting:  {StageCommitted, StageFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageCommitted || s == StageFailed
}

// Next validates the transition from s to next and returns next.
func (s Stage) Next(next Stage) (Stage, error) {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}

	return s, fmt.Errorf("%s -> %s: %w", s, next, errInvalidTransition)
}

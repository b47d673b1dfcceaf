package transplant

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is matched (errors.Is) by every *MismatchError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ErrBranchesDiverge is returned by the verifiers when a copy differs from
// its source.
var ErrBranchesDiverge = errors.New("branches diverge")

// MismatchError reports a parameter that is missing on one side, or whose shape
// differs between source and destination.
type MismatchError struct {
	Path        string // destination path, or the source path when it is missing
	Source      string
	SourceShape []int
	DestShape   []int
	Missing     bool
}

func (e *MismatchError) Error() string {
	if e.Missing {
		return fmt.Sprintf("shape mismatch: parameter %q not found", e.Path)
	}
	if e.Source == "" || e.Source == e.Path {
		return fmt.Sprintf("shape mismatch at %s: source %v, destination %v", e.Path, e.SourceShape, e.DestShape)
	}
	return fmt.Sprintf("shape mismatch at %s: source %s has %v, destination has %v",
		e.Path, e.Source, e.SourceShape, e.DestShape)
}

func (e *MismatchError) Unwrap() error { return ErrShapeMismatch }

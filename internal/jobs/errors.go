package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
// These can be checked with errors.Is().
var (
	ErrOutputMissing = errors.New("encoder output missing")
	ErrOutputEmpty   = errors.New("encoder output is empty")
	ErrOriginalGone  = errors.New("original file disappeared during encode")
)

// CommitError is a failure during the replace or move sequence. Restored
// reports whether the original was put back at its canonical path.
type CommitError struct {
	Path     string
	Step     string
	Err      error
	Restored bool
	// RestoreErr is set when putting the original back also failed
	RestoreErr error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("commit %s: %s: %v", e.Path, e.Step, e.Err)
	if e.RestoreErr != nil {
		msg += fmt.Sprintf(" (restore failed: %v)", e.RestoreErr)
	}
	return msg
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// verifyError wraps a verification failure with the temp path
func verifyError(path string, err error) error {
	return fmt.Errorf("verify %s: %w", path, err)
}

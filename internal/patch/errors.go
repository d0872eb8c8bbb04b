package patch

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Generate or Apply matches at most one
// of these with errors.Is.
var (
	// ErrMissingDirectory is returned before any work starts when a root is
	// missing or not a directory
	ErrMissingDirectory = errors.New("missing directory")

	// ErrMissingSourceFile means a modified entry has no reference file to patch
	ErrMissingSourceFile = errors.New("missing source file")

	// ErrPatchFailed means the delta codec failed or produced invalid output
	ErrPatchFailed = errors.New("patch failed")

	// ErrIOFailure means a file could not be read or written
	ErrIOFailure = errors.New("i/o failure")

	// ErrGenerationIncomplete means a fail-soft generation skipped one or
	// more files; the summary lists them
	ErrGenerationIncomplete = errors.New("generation incomplete")
)

// FileError records a failed operation on one path
type FileError struct {
	Op   string // generate phase or apply step, e.g. "encode", "patch", "remove"
	Path string // relative path, or root path for pre-flight errors
	Kind error  // one of the Err* kinds above
	Err  error  // underlying cause, may be nil
}

func (e *FileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap returns the underlying cause
func (e *FileError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error's kind
func (e *FileError) Is(target error) bool {
	return target == e.Kind
}

func missingDirectory(which, path string, err error) *FileError {
	return &FileError{Op: "check " + which + " root", Path: path, Kind: ErrMissingDirectory, Err: err}
}

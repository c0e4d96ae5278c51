package project

import (
	"errors"
	"fmt"
)

// Validation and lookup errors. Persistence failures are reported as
// *PersistError instead.
var (
	ErrInvalidName   = errors.New("invalid project name")
	ErrAlreadyExists = errors.New("project already exists")
	ErrNotFound      = errors.New("project not found")
	ErrNoCurrent     = errors.New("no project selected")
	ErrUnsafeArchive = errors.New("archive entry escapes destination")
)

// ErrNoResults is returned when a project has no saved report to load. It
// matches ErrNotFound.
var ErrNoResults error = noResultsError{}

type noResultsError struct{}

func (noResultsError) Error() string { return "no scan results saved" }

func (noResultsError) Is(target error) bool { return target == ErrNotFound }

// PersistError reports a filesystem failure while reading or writing
// project state.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func persistErr(op, path string, err error) error {
	return &PersistError{Op: op, Path: path, Err: err}
}

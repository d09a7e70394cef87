package storage

import (
	"errors"
	"fmt"
)

// IOFailure wraps any filesystem or database write failure. It is always
// returned to the caller, never swallowed.
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("io failure: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error { return e.Err }

// IsIOFailure reports whether err is, or wraps, an IOFailure.
func IsIOFailure(err error) bool {
	var f *IOFailure
	return errors.As(err, &f)
}

func ioFail(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOFailure{Op: op, Path: path, Err: err}
}

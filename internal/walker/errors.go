package walker

import (
	"errors"
	"fmt"
)

var ErrInvalidRoot = errors.New("invalid scan root")

// InvalidRootError is returned when the scan root is missing or is not a directory.
type InvalidRootError struct {
	Root   string
	Reason string
	Err    error
}

func (e *InvalidRootError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid scan root %q: %s: %v", e.Root, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid scan root %q: %s", e.Root, e.Reason)
}

func (e *InvalidRootError) Unwrap() error {
	return e.Err
}

func (e *InvalidRootError) Is(target error) bool {
	return target == ErrInvalidRoot
}

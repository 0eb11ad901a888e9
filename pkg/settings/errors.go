package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound is returned when a path does not name a node of the tree.
	ErrPathNotFound = errors.New("path not found")
	// ErrTypeMismatch is returned when a payload cannot be decoded into the leaf type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrValidationFailed is returned when a decoded value is rejected by a validator.
	ErrValidationFailed = errors.New("validation failed")
)

func pathNotFound(path string) error {
	return fmt.Errorf("%w: %q", ErrPathNotFound, path)
}

func typeMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeMismatch, fmt.Sprintf(format, args...))
}

func validationFailed(err error) error {
	if errors.Is(err, ErrValidationFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrValidationFailed, err)
}

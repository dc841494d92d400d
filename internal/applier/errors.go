package applier

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks input rejected before kubectl runs.
	ErrValidation = errors.New("invalid request")

	// ErrKubectlNotFound indicates that the kubectl binary could not be resolved.
	ErrKubectlNotFound = errors.New("kubectl not found")
)

// ValidationError describes a rejected manifest or patch.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExternalProcessError is a kubectl run that exited with an error.
type ExternalProcessError struct {
	Args []string
	// Stderr is what kubectl printed, reduced to the message part for
	// multi-file runs.
	Stderr string
	Err    error
}

// Error implements the error interface.
func (e *ExternalProcessError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if e.Err != nil {
		return fmt.Sprintf("kubectl failed: %v", e.Err)
	}
	return "kubectl failed"
}

// Unwrap returns the process error.
func (e *ExternalProcessError) Unwrap() error {
	return e.Err
}

// UserFacingError returns kubectl's own message.
func (e *ExternalProcessError) UserFacingError() string {
	return e.Error()
}

// fileErrorMessage returns the part of a multi-file kubectl error after the
// offending file name, or stderr unchanged.
func fileErrorMessage(stderr string) string {
	const marker = `.yaml": `
	if _, after, found := strings.Cut(stderr, marker); found {
		return after
	}
	return stderr
}

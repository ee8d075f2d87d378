// Package apperr carries the dotted "<operation>.<reason>" error codes used by
// every service in the module.
package apperr

import (
	"errors"
	"fmt"
)

// ServiceError wraps a cause with a stable machine-readable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError with code "<operation>.<reason>".
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Code extracts the code of the outermost ServiceError, or "" when err carries none.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MapBackendError folds raw OS and exec errors from an isolation backend
// into the engine taxonomy. Context cancellation propagates as-is so
// callers can distinguish a caller abort from a backend fault.
func MapBackendError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("operation timed out: %w", ErrBackend)
	}

	// Already classified, do not double-wrap
	for _, sentinel := range []error{ErrConfig, ErrSecurity, ErrResourceLimit, ErrInvalidState, ErrStateCorruption, ErrRollback, ErrBackend, ErrNotFound} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	// Map based on error message content
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "executable file not found"), strings.Contains(errStr, "no such file"):
		return fmt.Errorf("command not found: %w", ErrBackend)

	case strings.Contains(errStr, "permission denied"), strings.Contains(errStr, "operation not permitted"):
		return fmt.Errorf("host denied operation: %w", ErrBackend)

	case strings.Contains(errStr, "process already finished"), strings.Contains(errStr, "already released"):
		return fmt.Errorf("process gone: %w", ErrBackend)

	default:
		return fmt.Errorf("%s: %w", err.Error(), ErrBackend)
	}
}

// Category returns the engine error category name for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrSecurity):
		return "SecurityError"
	case errors.Is(err, ErrResourceLimit):
		return "ResourceLimitError"
	case errors.Is(err, ErrInvalidState):
		return "InvalidStateError"
	case errors.Is(err, ErrStateCorruption):
		return "StateCorruptionError"
	case errors.Is(err, ErrRollback):
		return "RollbackError"
	case errors.Is(err, ErrBackend):
		return "BackendError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context, preserving its category
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Config wraps a message as a configuration error
func Config(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConfig)
}

// Security wraps a message as a security violation
func Security(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSecurity)
}

// ResourceLimit wraps a message as a resource limit error
func ResourceLimit(message string) error {
	return fmt.Errorf("%s: %w", message, ErrResourceLimit)
}

// InvalidState wraps a message as an invalid state error
func InvalidState(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidState)
}

// StateCorruption wraps a message as a state corruption error
func StateCorruption(message string) error {
	return fmt.Errorf("%s: %w", message, ErrStateCorruption)
}

// Rollback wraps a message as a rollback error
func Rollback(message string) error {
	return fmt.Errorf("%s: %w", message, ErrRollback)
}

// Backend wraps a message as a backend error
func Backend(message string) error {
	return fmt.Errorf("%s: %w", message, ErrBackend)
}

// NotFound wraps a message as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

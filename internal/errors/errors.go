package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrConfig - invalid or unsatisfiable configuration (reject before any side effect)
	ErrConfig = errors.New("config error")

	// ErrSecurity - operation blocked by safety policy (never executed)
	ErrSecurity = errors.New("security violation")

	// ErrResourceLimit - a resource ceiling would be exceeded (operation rejected)
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrInvalidState - operation not legal in the sandbox's current lifecycle state
	ErrInvalidState = errors.New("invalid state")

	// ErrStateCorruption - persisted snapshot data failed integrity verification
	ErrStateCorruption = errors.New("state corruption")

	// ErrRollback - rollback attempted but could not complete (sandbox left Unhealthy)
	ErrRollback = errors.New("rollback failed")

	// ErrBackend - isolation backend operation failed
	ErrBackend = errors.New("backend error")

	// ErrNotFound - sandbox, snapshot, or rollback point does not exist
	ErrNotFound = errors.New("not found")
)

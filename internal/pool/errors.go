package pool

import "errors"

var (
	// ErrExhausted is returned when no resource passes the selection filters.
	ErrExhausted = errors.New("pool exhausted")
	// ErrStoreUnavailable wraps store errors and timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate")
)

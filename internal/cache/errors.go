package cache

import "errors"

// Common errors
var (
	ErrInvalidArgument = errors.New("cache: invalid argument")
	ErrNotFound        = errors.New("cache: not found")
	ErrStoreWrite      = errors.New("cache: chunk store write failed")

	// ErrIndexUnsupported means the backing store has no similarity
	// search capability. Fatal, never retried.
	ErrIndexUnsupported = errors.New("cache: vector index unsupported by store")

	// ErrDimensionUnknown means the embedding gateway cannot report a
	// vector size yet. Retryable once an embed call has succeeded.
	ErrDimensionUnknown = errors.New("cache: embedding dimension unknown")
)

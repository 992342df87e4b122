// Package embedding wraps external embedding providers behind a small
// batch-oriented gateway interface.
package embedding

import (
	"context"
	"errors"
)

// Gateway faults, distinguished so callers can tell configuration
// problems from remote failures and from unusable responses.
var (
	// ErrUnavailable means the provider cannot be called at all,
	// typically because credentials are missing.
	ErrUnavailable = errors.New("embedding: provider unavailable")

	// ErrProvider means the remote call completed with a non-success
	// status. The wrapped detail carries the provider's diagnostics.
	ErrProvider = errors.New("embedding: provider error")

	// ErrMalformed means the provider responded but the payload is not
	// usable: wrong vector count, missing or non-numeric entries.
	ErrMalformed = errors.New("embedding: malformed provider response")
)

// Embedder produces one fixed-dimension vector per input text.
type Embedder interface {
	// Embed returns vectors in input order, one per text. An empty
	// input returns an empty result without a network call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector size this embedder produces. It
	// may be zero before the first successful call for providers
	// without a statically known dimension, and is stable once known.
	Dimensions() int

	// Name identifies the provider and model for logging.
	Name() string
}

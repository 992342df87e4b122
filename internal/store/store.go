// Package store defines the backing key-value/search store contract the
// cache engine is built on, with a Redis Stack implementation for
// production and an in-memory implementation for tests.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

var (
	// ErrKeyNotFound is returned by TTL when the key does not exist.
	// "no TTL set" is a distinct, non-error answer.
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrIndexUnsupported means the server has no vector search
	// capability at all. Not retryable.
	ErrIndexUnsupported = errors.New("store: vector search unsupported")

	// ErrIndexNotFound is returned by SearchKNN when the index has not
	// been created yet.
	ErrIndexNotFound = errors.New("store: index not found")
)

// VectorHit is one nearest-neighbor result.
type VectorHit struct {
	Key    string            // backing key of the matching record
	Score  float64           // distance; ascending = more similar
	Fields map[string]string // requested record fields
}

// Batch queues mutations that are flushed to the server as one unit.
// Exec issues everything in a single round trip; partially applied
// batches are possible on failure, matching the server's semantics.
type Batch interface {
	HashSet(key string, fields map[string]string)
	SetAdd(key string, members ...string)
	SetRemove(key string, members ...string)
	Delete(keys ...string)
	Expire(key string, ttl time.Duration)
	Exec(ctx context.Context) error
}

// Store is the set of primitives the cache engine assumes from its
// backing store: atomic hash read/write, atomic set membership, key TTL
// management, and an approximate-nearest-neighbor search over vectors
// tagged with a namespace.
type Store interface {
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGetAll returns the record's fields, or an empty map when the
	// key does not exist.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetSample returns up to count distinct members in no particular
	// order.
	SetSample(ctx context.Context, key string, count int) ([]string, error)

	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets the key's TTL. Returns false when the key does not
	// exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL reports the remaining TTL. hasTTL is false for keys that
	// exist without an expiry; missing keys yield ErrKeyNotFound.
	TTL(ctx context.Context, key string) (ttl time.Duration, hasTTL bool, err error)

	// Batch starts a queued multi-operation unit.
	Batch() Batch

	// EnsureIndex idempotently creates the vector index over hash
	// records under prefix, with a namespace tag field and dims-wide
	// float32 embeddings.
	EnsureIndex(ctx context.Context, name, prefix string, dims int) error
	// SearchKNN returns the k nearest records in the named index whose
	// namespace tag matches, ascending by distance, carrying the
	// requested record fields. Records without an embedding never match.
	SearchKNN(ctx context.Context, index, namespace string, vector []float32, k int, fields []string) ([]VectorHit, error)

	Ping(ctx context.Context) error
	Close() error
}

// EncodeVector serializes a vector as the little-endian float32 blob
// Redis Stack expects for VECTOR fields.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector parses a little-endian float32 blob.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

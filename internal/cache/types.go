// Package cache implements the storage/dedup engine: versioned item
// CRUD, the chunk/vector store, lazy index management and namespaced
// similarity search, composed behind the Cache facade.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Item is the unit of cache storage: a namespaced, versioned record
// holding a cached query/response payload.
type Item struct {
	ID        string          `json:"item_id"`
	Namespace string          `json:"ns"`
	Text      string          `json:"text"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt int64           `json:"created_at"` // unix milliseconds
	UpdatedAt int64           `json:"updated_at"` // unix milliseconds
	Version   int64           `json:"version"`
}

// Chunk is one ordered fragment of an item's text, optionally embedded.
type Chunk struct {
	ItemID    string
	Seq       int
	Namespace string
	Text      string
	Meta      json.RawMessage
	Embedding []float32 // nil when the embedding step failed
}

// WritePayload describes one item write.
type WritePayload struct {
	Namespace string
	ID        string // empty = generate
	Text      string
	Meta      json.RawMessage
	TTL       time.Duration // zero = no expiry
}

// Vectorization failure reasons surfaced in WriteResult.
const (
	VectorErrEmbedding  = "embedding_failed"
	VectorErrIndexWrite = "index_write_failed"
)

// WriteResult reports the outcome of a write. The item write itself
// always either succeeded or the whole call failed; Vectorized and
// VectorError describe only the similarity-search side channel.
type WriteResult struct {
	ItemID      string `json:"item_id"`
	Vectorized  bool   `json:"vectorized"`
	VectorError string `json:"vector_error,omitempty"`
}

// SearchResult is one similarity hit. Score is a distance: ascending
// means more similar.
type SearchResult struct {
	ChunkID   string          `json:"chunk_id"`
	ItemID    string          `json:"item_id"`
	Namespace string          `json:"ns"`
	Text      string          `json:"text"`
	Score     float64         `json:"score"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Cache is the storage facade contract consumed by the transport layer.
// One conforming implementation exists per backing store.
type Cache interface {
	Write(ctx context.Context, p WritePayload, chunks []Chunk) (WriteResult, error)
	Read(ctx context.Context, namespace, id string) (Item, error)
	Delete(ctx context.Context, namespace, id string) (bool, error)
	List(ctx context.Context, namespace string, count int) ([]string, error)
	SetTTL(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// GetTTL returns the remaining TTL in seconds, -1 when the key has
	// no expiry, and exists=false when the key is missing.
	GetTTL(ctx context.Context, id string) (ttl int64, exists bool, err error)
	VectorSearch(ctx context.Context, namespace, query string, topK int) ([]SearchResult, error)
}

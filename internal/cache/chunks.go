package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"semcache/internal/store"
)

// ChunkStore persists per-item chunk records and their embeddings. A
// chunk set has no independent lifecycle: it is replaced wholesale on
// every rewrite of its item and destroyed with the item.
type ChunkStore struct {
	store store.Store
}

// NewChunkStore creates a chunk store over the backing store.
func NewChunkStore(st store.Store) *ChunkStore {
	return &ChunkStore{store: st}
}

// Replace removes the item's entire previous chunk set and writes the
// new one, re-establishing membership, as a single batched unit. A
// concurrent search may transiently observe the old set, the new set,
// or neither, but never a mixture.
func (s *ChunkStore) Replace(ctx context.Context, namespace, itemID string, chunks []Chunk, ttl time.Duration) error {
	oldKeys, err := s.store.SetMembers(ctx, chunkSetKey(itemID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	b := s.store.Batch()
	b.Delete(oldKeys...)
	b.Delete(chunkSetKey(itemID))

	newKeys := make([]string, 0, len(chunks))
	for _, c := range chunks {
		key := chunkKey(itemID, c.Seq)
		fields := map[string]string{
			"item_id": itemID,
			"ns":      namespace,
			"seq":     strconv.Itoa(c.Seq),
			"text":    c.Text,
		}
		if len(c.Meta) > 0 {
			fields["meta"] = string(c.Meta)
		}
		if c.Embedding != nil {
			fields["embedding"] = string(store.EncodeVector(c.Embedding))
		}
		b.HashSet(key, fields)
		if ttl > 0 {
			b.Expire(key, ttl)
		}
		newKeys = append(newKeys, key)
	}

	if len(newKeys) > 0 {
		b.SetAdd(chunkSetKey(itemID), newKeys...)
		if ttl > 0 {
			b.Expire(chunkSetKey(itemID), ttl)
		}
	}

	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

// DeleteAll destroys the item's chunk set, e.g. when the parent item is
// deleted.
func (s *ChunkStore) DeleteAll(ctx context.Context, itemID string) error {
	keys, err := s.store.SetMembers(ctx, chunkSetKey(itemID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	b := s.store.Batch()
	b.Delete(keys...)
	b.Delete(chunkSetKey(itemID))
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

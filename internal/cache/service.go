package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"semcache/internal/embedding"
	"semcache/internal/store"
)

// Compile-time interface check.
var _ Cache = (*Service)(nil)

// Service is the storage facade: one conforming Cache implementation
// composed from the item store, chunk store and index manager over a
// single backing store.
type Service struct {
	st       store.Store
	items    *ItemStore
	chunks   *ChunkStore
	index    *IndexManager
	embedder embedding.Embedder
	logger   *log.Logger
}

// NewService wires the facade over a backing store and an embedding
// gateway.
func NewService(st store.Store, embedder embedding.Embedder, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		st:       st,
		items:    NewItemStore(st),
		chunks:   NewChunkStore(st),
		index:    NewIndexManager(st),
		embedder: embedder,
		logger:   logger,
	}
}

// Index exposes the index manager, e.g. for warmup at startup.
func (s *Service) Index() *IndexManager { return s.index }

// Write upserts the item record and then, as a best-effort side
// channel, replaces its chunk set. The item write either commits or the
// call fails; chunk persistence failures are absorbed into the result's
// VectorError instead of rolling anything back.
func (s *Service) Write(ctx context.Context, p WritePayload, chunks []Chunk) (WriteResult, error) {
	item, err := s.items.Upsert(ctx, p)
	if err != nil {
		return WriteResult{}, err
	}

	res := WriteResult{ItemID: item.ID}

	// Vectorization is optional and must not block plain key-value
	// writes.
	if len(chunks) == 0 {
		return res, nil
	}

	// The transport layer already attempted embedding; if any chunk is
	// missing its vector, skip vectorization rather than index a
	// partial set.
	for _, c := range chunks {
		if c.Embedding == nil {
			return res, nil
		}
	}

	for i := range chunks {
		chunks[i].ItemID = item.ID
		chunks[i].Namespace = p.Namespace
		chunks[i].Meta = p.Meta
	}

	if err := s.chunks.Replace(ctx, p.Namespace, item.ID, chunks, p.TTL); err != nil {
		s.logger.Printf("cache: chunk replace for %s failed: %v", item.ID, err)
		res.VectorError = VectorErrIndexWrite
		return res, nil
	}

	res.Vectorized = true
	return res, nil
}

// Read returns the item or ErrNotFound; a namespace mismatch reads
// exactly like a missing id.
func (s *Service) Read(ctx context.Context, namespace, id string) (Item, error) {
	return s.items.Read(ctx, namespace, id)
}

// Delete removes the item and its chunk set. The item delete is the
// operation's outcome; a chunk-cleanup failure is logged and absorbed,
// since the expiry sweep picks up orphaned chunk sets anyway.
func (s *Service) Delete(ctx context.Context, namespace, id string) (bool, error) {
	ok, err := s.items.Delete(ctx, namespace, id)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.chunks.DeleteAll(ctx, id); err != nil {
		s.logger.Printf("cache: chunk cleanup for %s failed: %v", id, err)
	}
	return true, nil
}

// List returns up to count item ids from the namespace.
func (s *Service) List(ctx context.Context, namespace string, count int) ([]string, error) {
	return s.items.List(ctx, namespace, count)
}

// SetTTL applies a TTL to the item key.
func (s *Service) SetTTL(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return s.items.SetTTL(ctx, id, ttl)
}

// GetTTL reports the item's remaining TTL.
func (s *Service) GetTTL(ctx context.Context, id string) (int64, bool, error) {
	return s.items.GetTTL(ctx, id)
}

// VectorSearch embeds the query, ensures the index is ready, and
// returns namespace-scoped hits ascending by distance, truncated to
// topK. Distance thresholds are the caller's concern.
func (s *Service) VectorSearch(ctx context.Context, namespace, query string, topK int) ([]SearchResult, error) {
	if namespace == "" || query == "" {
		return nil, fmt.Errorf("%w: namespace and query are required", ErrInvalidArgument)
	}
	if topK <= 0 {
		topK = 10
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected one query vector, got %d", embedding.ErrMalformed, len(vectors))
	}

	if err := s.index.EnsureReady(ctx, s.embedder); err != nil {
		return nil, err
	}

	hits, err := s.st.SearchKNN(ctx, IndexName, namespace, vectors[0], topK,
		[]string{"item_id", "ns", "seq", "text", "meta"})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		r := SearchResult{
			ItemID:    h.Fields["item_id"],
			Namespace: h.Fields["ns"],
			Text:      h.Fields["text"],
			Score:     h.Score,
		}
		r.ChunkID = r.ItemID + ":" + h.Fields["seq"]
		if raw, ok := h.Fields["meta"]; ok {
			r.Meta = []byte(raw)
		}
		results = append(results, r)
	}
	return results, nil
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Namespaces      int
	MembersRemoved  int
	ChunkSetsPurged int
}

// SweepExpired walks every namespace membership set and removes entries
// whose item record has expired, purging the orphaned chunk set with
// them. Expiry removes keys server-side but cannot remove set members,
// so listing stays orphan-free only because this sweep runs behind it.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	namespaces, err := s.st.SetMembers(ctx, namespaceRegistry)
	if err != nil {
		return res, err
	}
	res.Namespaces = len(namespaces)

	for _, ns := range namespaces {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ids, err := s.st.SetMembers(ctx, namespaceKey(ns))
		if err != nil {
			s.logger.Printf("cache: sweep list %s: %v", ns, err)
			continue
		}
		for _, id := range ids {
			exists, err := s.st.Exists(ctx, itemKey(id))
			if err != nil {
				s.logger.Printf("cache: sweep check %s: %v", id, err)
				continue
			}
			if exists {
				continue
			}
			if err := s.st.SetRemove(ctx, namespaceKey(ns), id); err != nil {
				s.logger.Printf("cache: sweep remove %s from %s: %v", id, ns, err)
				continue
			}
			res.MembersRemoved++
			if err := s.chunks.DeleteAll(ctx, id); err != nil {
				s.logger.Printf("cache: sweep purge chunks of %s: %v", id, err)
				continue
			}
			res.ChunkSetsPurged++
		}
	}
	return res, nil
}

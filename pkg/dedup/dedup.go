// Package dedup wraps expensive functions with cache-aside and
// similarity-aside lookup against the cache gateway. Identical
// arguments reuse the exact cached answer; near-identical arguments
// reuse it when the best hit clears the distance threshold; everything
// else computes and caches.
package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"semcache/pkg/client"
)

// Defaults for Options.
const (
	DefaultMaxDistance = 0.5
	DefaultTTL         = time.Hour
	DefaultTopK        = 1
)

// CacheClient is the slice of the gateway client the wrapper needs.
type CacheClient interface {
	Write(ctx context.Context, req client.WriteRequest) (*client.WriteResult, error)
	Get(ctx context.Context, namespace, id string) (*client.Item, error)
	Search(ctx context.Context, namespace, query string, topK int) ([]client.SearchResult, error)
}

// Func is the expensive computation being wrapped.
type Func func(ctx context.Context) (string, error)

// Options configures a Wrapper.
type Options struct {
	// Namespace partitions this wrapper's entries. Required.
	Namespace string

	// MaxDistance is the similarity threshold: a hit with a larger
	// cosine distance is treated as a miss. Zero means DefaultMaxDistance;
	// negative disables similarity reuse entirely.
	MaxDistance float64

	// TTL applied to cached entries. Zero means DefaultTTL; negative
	// means no expiry.
	TTL time.Duration

	// TopK is how many candidates the similarity lookup requests.
	TopK int

	// KeyFunc overrides argument serialization. When nil, string
	// arguments are used as-is and everything else is JSON-encoded.
	KeyFunc func(args any) (string, error)

	Logger *log.Logger
}

// entryMeta is the side-data stored with each cached answer.
type entryMeta struct {
	Response string `json:"response"`
	Query    string `json:"query"`
	CacheID  string `json:"cache_id"`
}

// Wrapper applies dedup to calls sharing one namespace and policy.
type Wrapper struct {
	client      CacheClient
	namespace   string
	maxDistance float64
	ttl         time.Duration
	topK        int
	keyFunc     func(args any) (string, error)
	logger      *log.Logger

	persists sync.WaitGroup
}

// New creates a wrapper. The namespace must be non-empty.
func New(c CacheClient, opts Options) (*Wrapper, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("dedup: namespace is required")
	}

	w := &Wrapper{
		client:      c,
		namespace:   opts.Namespace,
		maxDistance: opts.MaxDistance,
		ttl:         opts.TTL,
		topK:        opts.TopK,
		keyFunc:     opts.KeyFunc,
		logger:      opts.Logger,
	}
	if w.maxDistance == 0 {
		w.maxDistance = DefaultMaxDistance
	}
	if w.ttl == 0 {
		w.ttl = DefaultTTL
	}
	if w.topK <= 0 {
		w.topK = DefaultTopK
	}
	if w.logger == nil {
		w.logger = log.Default()
	}
	return w, nil
}

// Do returns a cached answer for args when one exists, otherwise
// invokes fn and caches its result. cached reports which path
// produced the answer. Lookup and persistence failures never surface:
// the worst case is always "just call fn".
func (w *Wrapper) Do(ctx context.Context, args any, fn Func) (result string, cached bool, err error) {
	query, serErr := w.serialize(args)
	if serErr != nil {
		// Fail-open: uncacheable arguments still compute.
		w.logger.Printf("dedup: serialize failed, skipping cache: %v", serErr)
		result, err = fn(ctx)
		return result, false, err
	}

	id := w.entryID(query)

	if resp, ok := w.lookup(ctx, id, query); ok {
		return resp, true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		return "", false, err
	}

	w.persist(id, query, result)
	return result, false, nil
}

// Wait blocks until all in-flight persists have finished. Intended for
// shutdown and tests; callers of Do never wait on persistence.
func (w *Wrapper) Wait() {
	w.persists.Wait()
}

func (w *Wrapper) serialize(args any) (string, error) {
	if w.keyFunc != nil {
		return w.keyFunc(args)
	}
	if s, ok := args.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *Wrapper) entryID(query string) string {
	sum := sha1.Sum([]byte(query))
	return fmt.Sprintf("dedup:%s:%s", w.namespace, hex.EncodeToString(sum[:]))
}

// lookup tries the exact id first, then the best similarity hit.
func (w *Wrapper) lookup(ctx context.Context, id, query string) (string, bool) {
	item, err := w.client.Get(ctx, w.namespace, id)
	if err != nil {
		w.logger.Printf("dedup: exact lookup failed: %v", err)
		return "", false
	}
	if item != nil {
		if resp, ok := responseFrom(item.Meta); ok {
			return resp, true
		}
	}

	if w.maxDistance < 0 {
		return "", false
	}

	hits, err := w.client.Search(ctx, w.namespace, query, w.topK)
	if err != nil {
		w.logger.Printf("dedup: similarity lookup failed: %v", err)
		return "", false
	}
	if len(hits) == 0 || hits[0].Score > w.maxDistance {
		return "", false
	}

	hit, err := w.client.Get(ctx, w.namespace, hits[0].ItemID)
	if err != nil || hit == nil {
		if err != nil {
			w.logger.Printf("dedup: hit fetch failed: %v", err)
		}
		return "", false
	}
	return responseFrom(hit.Meta)
}

// persist writes the fresh result in the background. Failure is logged
// and swallowed; the caller already has its answer.
func (w *Wrapper) persist(id, query, result string) {
	meta, err := json.Marshal(entryMeta{Response: result, Query: query, CacheID: id})
	if err != nil {
		w.logger.Printf("dedup: meta marshal failed: %v", err)
		return
	}

	w.persists.Add(1)
	go func() {
		defer w.persists.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req := client.WriteRequest{
			Namespace: w.namespace,
			ItemID:    id,
			Text:      query,
			Meta:      meta,
		}
		if w.ttl > 0 {
			req.TTLs = int64(w.ttl / time.Second)
		}
		if _, err := w.client.Write(ctx, req); err != nil {
			w.logger.Printf("dedup: persist failed: %v", err)
		}
	}()
}

func responseFrom(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Response == "" {
		return "", false
	}
	return meta.Response, true
}

package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semcache/pkg/client"
)

// memClient is an in-memory stand-in for the gateway client.
type memClient struct {
	mu    sync.Mutex
	items map[string]*client.Item
	hits  []client.SearchResult

	getErr    error
	searchErr error
	writeErr  error
	writes    atomic.Int64
}

func newMemClient() *memClient {
	return &memClient{items: make(map[string]*client.Item)}
}

func (m *memClient) Get(ctx context.Context, ns, id string) (*client.Item, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id], nil
}

func (m *memClient) Search(ctx context.Context, ns, query string, topK int) ([]client.SearchResult, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.hits) > topK {
		return m.hits[:topK], nil
	}
	return m.hits, nil
}

func (m *memClient) Write(ctx context.Context, req client.WriteRequest) (*client.WriteResult, error) {
	m.writes.Add(1)
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[req.ItemID] = &client.Item{
		ID:        req.ItemID,
		Namespace: req.Namespace,
		Text:      req.Text,
		Meta:      req.Meta,
	}
	return &client.WriteResult{ItemID: req.ItemID, Vectorized: true}, nil
}

func counter(n *atomic.Int64, result string) Func {
	return func(ctx context.Context) (string, error) {
		n.Add(1)
		return result, nil
	}
}

func TestIdenticalArgsComputeOnce(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	var calls atomic.Int64
	ctx := context.Background()

	res, cached, err := w.Do(ctx, "what is go", counter(&calls, "a language"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "a language", res)

	w.Wait() // let the background persist land

	for i := 0; i < 5; i++ {
		res, cached, err = w.Do(ctx, "what is go", counter(&calls, "recomputed"))
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, "a language", res, "cached answer wins")
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestSimilarityHitWithinThreshold(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t", MaxDistance: 0.3})
	require.NoError(t, err)
	ctx := context.Background()

	// Seed a cached entry and a near-miss similarity hit pointing at it.
	var calls atomic.Int64
	_, _, err = w.Do(ctx, "original question", counter(&calls, "answer"))
	require.NoError(t, err)
	w.Wait()

	mc.mu.Lock()
	mc.hits = []client.SearchResult{{ItemID: w.entryID("original question"), Score: 0.2}}
	mc.mu.Unlock()

	res, cached, err := w.Do(ctx, "similar question", counter(&calls, "fresh"))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "answer", res)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSimilarityHitBeyondThresholdRecomputes(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t", MaxDistance: 0.3})
	require.NoError(t, err)
	ctx := context.Background()

	var calls atomic.Int64
	_, _, err = w.Do(ctx, "original question", counter(&calls, "answer"))
	require.NoError(t, err)
	w.Wait()

	mc.mu.Lock()
	mc.hits = []client.SearchResult{{ItemID: w.entryID("original question"), Score: 0.7}}
	mc.mu.Unlock()

	res, cached, err := w.Do(ctx, "distant question", counter(&calls, "fresh"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "fresh", res)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLookupFailureFallsOpen(t *testing.T) {
	mc := newMemClient()
	mc.getErr = errors.New("gateway down")
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	var calls atomic.Int64
	res, cached, err := w.Do(context.Background(), "q", counter(&calls, "computed"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "computed", res)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSearchFailureFallsOpen(t *testing.T) {
	mc := newMemClient()
	mc.searchErr = errors.New("index down")
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	var calls atomic.Int64
	res, _, err := w.Do(context.Background(), "q", counter(&calls, "computed"))
	require.NoError(t, err)
	assert.Equal(t, "computed", res)
}

func TestSerializationFailureSkipsCache(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	var calls atomic.Int64
	// Channels are not JSON-serializable.
	res, cached, err := w.Do(context.Background(), make(chan int), counter(&calls, "computed"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "computed", res)

	w.Wait()
	assert.EqualValues(t, 0, mc.writes.Load(), "nothing persisted for uncacheable args")
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	mc := newMemClient()
	mc.writeErr = errors.New("store write refused")
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	var calls atomic.Int64
	res, _, err := w.Do(context.Background(), "q", counter(&calls, "computed"))
	require.NoError(t, err, "persist failure never reaches the caller")
	assert.Equal(t, "computed", res)
	w.Wait()
}

func TestStructArgsCanonicalized(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)
	ctx := context.Background()

	type query struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}

	var calls atomic.Int64
	_, _, err = w.Do(ctx, query{Model: "m", Prompt: "p"}, counter(&calls, "r"))
	require.NoError(t, err)
	w.Wait()

	_, cached, err := w.Do(ctx, query{Model: "m", Prompt: "p"}, counter(&calls, "r2"))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFnErrorPropagates(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	wantErr := errors.New("origin failed")
	_, _, err = w.Do(context.Background(), "q", func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	w.Wait()
	assert.EqualValues(t, 0, mc.writes.Load(), "failed computations are not cached")
}

func TestNamespaceRequired(t *testing.T) {
	_, err := New(newMemClient(), Options{})
	assert.Error(t, err)
}

func TestPersistedMetaShape(t *testing.T) {
	mc := newMemClient()
	w, err := New(mc, Options{Namespace: "t"})
	require.NoError(t, err)

	_, _, err = w.Do(context.Background(), "the question", func(ctx context.Context) (string, error) {
		return "the answer", nil
	})
	require.NoError(t, err)
	w.Wait()

	id := w.entryID("the question")
	mc.mu.Lock()
	item := mc.items[id]
	mc.mu.Unlock()
	require.NotNil(t, item)
	assert.Equal(t, "the question", item.Text)

	var meta entryMeta
	require.NoError(t, json.Unmarshal(item.Meta, &meta))
	assert.Equal(t, "the answer", meta.Response)
	assert.Equal(t, "the question", meta.Query)
	assert.Equal(t, id, meta.CacheID)
}

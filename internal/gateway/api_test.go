package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semcache/internal/cache"
	"semcache/internal/config"
	"semcache/internal/store"
)

// stubEmbedder maps known texts to fixed vectors and everything else to
// a default, so search distances are deterministic.
type stubEmbedder struct {
	vectors map[string][]float32
	failErr error
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.failErr != nil {
		return nil, e.failErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0.2, 0.2, 0.2}
		}
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return 3 }
func (e *stubEmbedder) Name() string    { return "stub" }

func newTestServer(t *testing.T, emb *stubEmbedder) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	mem := store.NewMemory()
	svc := cache.NewService(mem, emb, log.Default())
	srv := httptest.NewServer(NewServer(cfg, svc, mem, emb, log.Default()).Handler())
	t.Cleanup(srv.Close)
	return srv, cfg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestWriteAndGet(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{
		"ns": "tenant", "item_id": "q1", "text": "hello world",
		"meta": map[string]string{"response": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wr cache.WriteResult
	decodeBody(t, resp, &wr)
	assert.Equal(t, "q1", wr.ItemID)
	assert.True(t, wr.Vectorized)

	resp, err := http.Get(srv.URL + "/cache.get?ns=tenant&item_id=q1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var item cache.Item
	decodeBody(t, resp, &item)
	assert.Equal(t, "hello world", item.Text)
	assert.EqualValues(t, 1, item.Version)
	assert.JSONEq(t, `{"response":"hi"}`, string(item.Meta))
}

func TestWriteGeneratesID(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "tenant", "text": "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wr cache.WriteResult
	decodeBody(t, resp, &wr)
	assert.NotEmpty(t, wr.ItemID)
	assert.Contains(t, wr.ItemID, "tenant:")
}

func TestWriteValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing ns", map[string]any{"text": "x"}},
		{"missing text", map[string]any{"ns": "t"}},
		{"negative ttl", map[string]any{"ns": "t", "text": "x", "ttl_s": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/cache.write", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestWriteSurvivesEmbeddingFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{failErr: errors.New("provider down")})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{
		"ns": "tenant", "item_id": "q1", "text": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wr cache.WriteResult
	decodeBody(t, resp, &wr)
	assert.False(t, wr.Vectorized)
	assert.Equal(t, cache.VectorErrEmbedding, wr.VectorError)

	// The key-value half of the write still committed.
	getResp, err := http.Get(srv.URL + "/cache.get?ns=tenant&item_id=q1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestIdentifierFieldNames(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "t", "item_id": "q1", "text": "hello"})
	resp.Body.Close()

	// The wire field is item_id; a lookup with it must hit.
	getResp, err := http.Get(srv.URL + "/cache.get?ns=t&item_id=q1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	// The legacy "id" name stays accepted as an alias everywhere.
	getResp, err = http.Get(srv.URL + "/cache.get?ns=t&id=q1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	resp = postJSON(t, srv.URL+"/cache.ttl.set", map[string]any{"id": "q1", "ttl_s": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ttlResp, err := http.Get(srv.URL + "/cache.ttl.get?id=q1")
	require.NoError(t, err)
	defer ttlResp.Body.Close()
	assert.Equal(t, http.StatusOK, ttlResp.StatusCode)

	resp = postJSON(t, srv.URL+"/cache.delete", map[string]any{"ns": "t", "id": "q1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var del map[string]bool
	decodeBody(t, resp, &del)
	assert.True(t, del["ok"])
}

func TestGetMissingReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp, err := http.Get(srv.URL + "/cache.get?ns=tenant&item_id=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetWrongNamespaceReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "a", "item_id": "q1", "text": "x"})
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/cache.get?ns=b&item_id=q1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestDelete(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "t", "item_id": "q1", "text": "x"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/cache.delete", map[string]any{"ns": "t", "item_id": "q1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var del map[string]bool
	decodeBody(t, resp, &del)
	assert.True(t, del["ok"])

	// Idempotent: a second delete reports false.
	resp = postJSON(t, srv.URL+"/cache.delete", map[string]any{"ns": "t", "item_id": "q1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &del)
	assert.False(t, del["ok"])
}

func TestList(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	for _, id := range []string{"a", "b", "c"} {
		resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "t", "item_id": id, "text": "x"})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/cache.list?ns=t")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list map[string][]string
	decodeBody(t, resp, &list)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, list["item_ids"])

	// Empty namespace yields an empty array, not null.
	resp, err = http.Get(srv.URL + "/cache.list?ns=empty")
	require.NoError(t, err)
	decodeBody(t, resp, &list)
	assert.NotNil(t, list["item_ids"])
	assert.Empty(t, list["item_ids"])

	// Count above the cap is rejected.
	resp, err = http.Get(srv.URL + "/cache.list?ns=t&count=5000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTTLRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{"ns": "t", "item_id": "q1", "text": "x"})
	resp.Body.Close()

	type ttlResp struct {
		TTL *int64 `json:"ttl"`
	}

	// No TTL yet.
	resp, err := http.Get(srv.URL + "/cache.ttl.get?item_id=q1")
	require.NoError(t, err)
	var tr ttlResp
	decodeBody(t, resp, &tr)
	require.NotNil(t, tr.TTL)
	assert.EqualValues(t, -1, *tr.TTL)

	resp = postJSON(t, srv.URL+"/cache.ttl.set", map[string]any{"item_id": "q1", "ttl_s": 600})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok map[string]bool
	decodeBody(t, resp, &ok)
	assert.True(t, ok["ok"])

	resp, err = http.Get(srv.URL + "/cache.ttl.get?item_id=q1")
	require.NoError(t, err)
	tr = ttlResp{}
	decodeBody(t, resp, &tr)
	require.NotNil(t, tr.TTL)
	assert.Greater(t, *tr.TTL, int64(0))
	assert.LessOrEqual(t, *tr.TTL, int64(600))

	// Missing key reports null.
	resp, err = http.Get(srv.URL + "/cache.ttl.get?item_id=ghost")
	require.NoError(t, err)
	tr = ttlResp{}
	decodeBody(t, resp, &tr)
	assert.Nil(t, tr.TTL)

	// Zero and negative TTLs are rejected.
	resp = postJSON(t, srv.URL+"/cache.ttl.set", map[string]any{"item_id": "q1", "ttl_s": 0})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVectorSearch(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"hello world": {1, 0, 0},
	}}
	srv, _ := newTestServer(t, emb)

	resp := postJSON(t, srv.URL+"/cache.write", map[string]any{
		"ns": "t", "item_id": "q1", "text": "hello world",
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/search.vector", map[string]any{
		"ns": "t", "query": "hello world", "top_k": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr struct {
		Results []cache.SearchResult `json:"results"`
	}
	decodeBody(t, resp, &sr)
	require.Len(t, sr.Results, 1)
	assert.Equal(t, "q1", sr.Results[0].ItemID)
	assert.Equal(t, "hello world", sr.Results[0].Text)
	assert.InDelta(t, 0, sr.Results[0].Score, 1e-6)
}

func TestVectorSearchValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing ns", map[string]any{"query": "x"}},
		{"missing query", map[string]any{"ns": "t"}},
		{"top_k too large", map[string]any{"ns": "t", "query": "x", "top_k": 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/search.vector", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestVectorSearchEmptyNamespace(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp := postJSON(t, srv.URL+"/search.vector", map[string]any{"ns": "ghost", "query": "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr struct {
		Results []cache.SearchResult `json:"results"`
	}
	decodeBody(t, resp, &sr)
	assert.NotNil(t, sr.Results)
	assert.Empty(t, sr.Results)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h map[string]string
	decodeBody(t, resp, &h)
	assert.Equal(t, "ok", h["status"])
	assert.NotEmpty(t, h["version"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &stubEmbedder{})

	resp, err := http.Get(srv.URL + "/cache.write")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp2 := postJSON(t, srv.URL+"/cache.get", map[string]any{})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	o := NewOpenAI("test-key", "", 0)
	o.baseURL = srv.URL
	return o
}

func TestOpenAI_Embed(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Return vectors out of order; the client must reorder by index.
		writeJSONBody(t, w, openAIEmbedResponse{Data: []openAIEmbedData{
			{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
			{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
		}})
	})

	vectors, err := o.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, vectors[1])

	// A successful call establishes the dimension.
	assert.Equal(t, 3, o.Dimensions())
}

func TestOpenAI_EmbedEmptyInput(t *testing.T) {
	called := false
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	vectors, err := o.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.False(t, called, "empty input must not reach the provider")
}

func TestOpenAI_MissingAPIKey(t *testing.T) {
	o := NewOpenAI("", "", 0)
	_, err := o.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAI_ProviderError(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := o.Embed(context.Background(), []string{"text"})
	require.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAI_CountMismatch(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(t, w, openAIEmbedResponse{Data: []openAIEmbedData{
			{Index: 0, Embedding: []float32{0.1}},
		}})
	})

	_, err := o.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenAI_EmptyVector(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(t, w, openAIEmbedResponse{Data: []openAIEmbedData{
			{Index: 0, Embedding: []float32{}},
		}})
	})

	_, err := o.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenAI_DimensionStable(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSONBody(t, w, openAIEmbedResponse{Data: []openAIEmbedData{
			{Index: 0, Embedding: []float32{1, 2}},
		}})
	})

	_, err := o.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, 2, o.Dimensions())

	// Subsequent observations do not move an established dimension.
	o.observeDimensions(7)
	assert.Equal(t, 2, o.Dimensions())
}

func TestOpenAI_ConfiguredDimension(t *testing.T) {
	o := NewOpenAI("key", "text-embedding-3-large", 256)
	assert.Equal(t, 256, o.Dimensions())
	assert.Equal(t, "openai:text-embedding-3-large", o.Name())
}

func writeJSONBody(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

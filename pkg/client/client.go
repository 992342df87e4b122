// Package client provides a typed HTTP client for the cache gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Item is a cached record as returned by the gateway.
type Item struct {
	ID        string          `json:"item_id"`
	Namespace string          `json:"ns"`
	Text      string          `json:"text"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Version   int64           `json:"version"`
}

// WriteRequest is the payload for Write.
type WriteRequest struct {
	Namespace string          `json:"ns"`
	ItemID    string          `json:"item_id,omitempty"`
	Text      string          `json:"text"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	TTLs      int64           `json:"ttl_s,omitempty"`
}

// WriteResult reports the outcome of a write.
type WriteResult struct {
	ItemID      string `json:"item_id"`
	Vectorized  bool   `json:"vectorized"`
	VectorError string `json:"vector_error,omitempty"`
}

// SearchResult is one similarity hit, ascending by Score (cosine
// distance, 0 = identical).
type SearchResult struct {
	ChunkID   string          `json:"chunk_id"`
	ItemID    string          `json:"item_id"`
	Namespace string          `json:"ns"`
	Text      string          `json:"text"`
	Score     float64         `json:"score"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Client talks to a cache gateway over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write upserts an item. The gateway chunks and embeds the text; an
// embedding failure surfaces in WriteResult.VectorError, never as an
// error here.
func (c *Client) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	var res WriteResult
	if err := c.post(ctx, "/cache.write", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Get fetches an item by namespace and id. A missing item returns
// (nil, nil).
func (c *Client) Get(ctx context.Context, namespace, id string) (*Item, error) {
	q := url.Values{"ns": {namespace}, "item_id": {id}}
	var item Item
	found, err := c.get(ctx, "/cache.get", q, &item)
	if err != nil || !found {
		return nil, err
	}
	return &item, nil
}

// Delete removes an item; it reports whether anything was deleted.
func (c *Client) Delete(ctx context.Context, namespace, id string) (bool, error) {
	req := map[string]string{"ns": namespace, "item_id": id}
	var res struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, "/cache.delete", req, &res); err != nil {
		return false, err
	}
	return res.OK, nil
}

// List returns up to count item ids from the namespace.
func (c *Client) List(ctx context.Context, namespace string, count int) ([]string, error) {
	q := url.Values{"ns": {namespace}}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var res struct {
		IDs []string `json:"item_ids"`
	}
	if _, err := c.get(ctx, "/cache.list", q, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// SetTTL applies a TTL in seconds to an item key.
func (c *Client) SetTTL(ctx context.Context, id string, ttlSeconds int64) (bool, error) {
	req := map[string]any{"item_id": id, "ttl_s": ttlSeconds}
	var res struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, "/cache.ttl.set", req, &res); err != nil {
		return false, err
	}
	return res.OK, nil
}

// GetTTL reports the remaining TTL in seconds. exists is false for a
// missing key; ttl is -1 when the key has no expiry.
func (c *Client) GetTTL(ctx context.Context, id string) (ttl int64, exists bool, err error) {
	q := url.Values{"item_id": {id}}
	var res struct {
		TTL *int64 `json:"ttl"`
	}
	if _, err := c.get(ctx, "/cache.ttl.get", q, &res); err != nil {
		return 0, false, err
	}
	if res.TTL == nil {
		return 0, false, nil
	}
	return *res.TTL, true, nil
}

// Search runs a namespace-scoped similarity search over the query.
func (c *Client) Search(ctx context.Context, namespace, query string, topK int) ([]SearchResult, error) {
	req := map[string]any{"ns": namespace, "query": query}
	if topK > 0 {
		req["top_k"] = topK
	}
	var res struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.post(ctx, "/search.vector", req, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// get returns found=false for a 404 instead of an error.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, apiError(path, resp)
	}
	return true, json.NewDecoder(resp.Body).Decode(out)
}

func apiError(path string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s (status %d)", path, body.Error, resp.StatusCode)
	}
	return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
}

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Embedder = (*OpenAI)(nil)

const (
	defaultOpenAIModel = "text-embedding-3-small"
	defaultDimensions  = 1536
	openAIEmbedURL     = "https://api.openai.com/v1/embeddings"
)

// OpenAI implements Embedder using the OpenAI embeddings API.
//
// The gateway performs no retries: a failed call is reported once and
// retry policy is left to the caller.
type OpenAI struct {
	apiKey  string
	model   string
	client  *http.Client
	baseURL string // configurable for testing; defaults to openAIEmbedURL

	mu   sync.Mutex
	dims int // requested dimension, or observed after the first success
}

// NewOpenAI creates an OpenAI embedding gateway. model can be empty
// (defaults to "text-embedding-3-small"). dims can be 0, in which case
// the dimension is established by the first successful call.
func NewOpenAI(apiKey, model string, dims int) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	if dims < 0 {
		dims = defaultDimensions
	}
	return &OpenAI{
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: openAIEmbedURL,
	}
}

// SetBaseURL points the gateway at a non-default endpoint, e.g. a
// proxy or a local stand-in.
func (o *OpenAI) SetBaseURL(url string) {
	if url != "" {
		o.baseURL = url
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

// Dimensions reports the vector size. Zero until the first successful
// embed when no dimension was configured.
func (o *OpenAI) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

// Embed sends texts to the OpenAI embeddings API and returns vectors in
// input order.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if o.apiKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrUnavailable)
	}

	reqBody := openAIEmbedRequest{
		Model: o.model,
		Input: texts,
	}
	if d := o.Dimensions(); d > 0 {
		reqBody.Dimensions = d
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	httpResp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, httpResp.StatusCode, string(respBody))
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrMalformed, len(resp.Data), len(texts))
	}

	// The API reports each vector's input index; order by it rather
	// than trusting response order.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: vector index %d out of range", ErrMalformed, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty vector at index %d", ErrMalformed, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("%w: no vector for input %d", ErrMalformed, i)
		}
		if len(v) != len(vectors[0]) {
			return nil, fmt.Errorf("%w: inconsistent vector dimensions", ErrMalformed)
		}
	}

	o.observeDimensions(len(vectors[0]))
	return vectors, nil
}

// observeDimensions records the dimension established by a successful
// call. Once set it never changes.
func (o *OpenAI) observeDimensions(d int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dims == 0 {
		o.dims = d
	}
}

// OpenAI API types

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []openAIEmbedData `json:"data"`
}

type openAIEmbedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

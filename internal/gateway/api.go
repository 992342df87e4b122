package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"semcache/internal/cache"
	"semcache/internal/chunker"
	"semcache/internal/version"
)

const (
	maxListCount = 1000
	maxTopK      = 200
)

// handleWrite handles POST /cache.write
// Request: {"ns": "tenant", "item_id": "q1", "text": "...", "meta": {...}, "ttl_s": 3600}
// Response: {"item_id": "q1", "vectorized": true}
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Namespace string          `json:"ns"`
		ItemID    string          `json:"item_id,omitempty"`
		Text      string          `json:"text"`
		Meta      json.RawMessage `json:"meta,omitempty"`
		TTLs      int64           `json:"ttl_s,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "ns is required")
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.TTLs < 0 {
		writeJSONError(w, http.StatusBadRequest, "ttl_s must be non-negative")
		return
	}

	ttl := time.Duration(req.TTLs) * time.Second
	if req.TTLs == 0 && s.cfg.Cache.DefaultTTLs > 0 {
		ttl = time.Duration(s.cfg.Cache.DefaultTTLs) * time.Second
	}

	payload := cache.WritePayload{
		Namespace: req.Namespace,
		ID:        req.ItemID,
		Text:      req.Text,
		Meta:      req.Meta,
		TTL:       ttl,
	}

	chunks, embedErr := s.prepareChunks(r, req.Text)
	if embedErr != nil {
		s.logger.Printf("gateway: embedding for write failed: %v", embedErr)
		chunks = nil
	}

	res, err := s.cache.Write(r.Context(), payload, chunks)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	if embedErr != nil {
		res.VectorError = cache.VectorErrEmbedding
	}

	writeJSON(w, http.StatusOK, res)
}

// prepareChunks splits the text and embeds every fragment. A failure
// anywhere returns the error; the write proceeds without vectors.
func (s *Server) prepareChunks(r *http.Request, text string) ([]cache.Chunk, error) {
	fragments, err := chunker.Split(text, s.cfg.Cache.Size(), s.cfg.Cache.Overlap())
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}

	vectors, err := s.embedder.Embed(r.Context(), texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(fragments) {
		return nil, errors.New("embedding count mismatch")
	}

	chunks := make([]cache.Chunk, len(fragments))
	for i, f := range fragments {
		chunks[i] = cache.Chunk{Seq: f.Seq, Text: f.Text, Embedding: vectors[i]}
	}
	return chunks, nil
}

// handleGet handles GET /cache.get?ns=tenant&id=q1
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ns, id := r.URL.Query().Get("ns"), itemIDQuery(r)
	if ns == "" || id == "" {
		writeJSONError(w, http.StatusBadRequest, "ns and item_id are required")
		return
	}

	item, err := s.cache.Read(r.Context(), ns, id)
	if err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// handleDelete handles POST /cache.delete
// Request: {"ns": "tenant", "item_id": "q1"}
// Response: {"ok": true}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Namespace string `json:"ns"`
		ItemID    string `json:"item_id"`
		ID        string `json:"id"` // legacy alias
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id := firstNonEmpty(req.ItemID, req.ID)
	if req.Namespace == "" || id == "" {
		writeJSONError(w, http.StatusBadRequest, "ns and item_id are required")
		return
	}

	deleted, err := s.cache.Delete(r.Context(), req.Namespace, id)
	if err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": deleted})
}

// handleList handles GET /cache.list?ns=tenant&count=50
// Response: {"item_ids": ["q1", "q2"]}
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ns := r.URL.Query().Get("ns")
	if ns == "" {
		writeJSONError(w, http.StatusBadRequest, "ns is required")
		return
	}

	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "count must be an integer")
			return
		}
		count = n
	}
	if count < 0 || count > maxListCount {
		writeJSONError(w, http.StatusBadRequest, "count must be between 0 and 1000")
		return
	}

	ids, err := s.cache.List(r.Context(), ns, count)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, map[string][]string{"item_ids": ids})
}

// handleTTLSet handles POST /cache.ttl.set
// Request: {"item_id": "tenant:q1", "ttl_s": 600}
// Response: {"ok": true}
func (s *Server) handleTTLSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ItemID string `json:"item_id"`
		ID     string `json:"id"` // legacy alias
		TTLs   int64  `json:"ttl_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id := firstNonEmpty(req.ItemID, req.ID)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	if req.TTLs <= 0 {
		writeJSONError(w, http.StatusBadRequest, "ttl_s must be positive")
		return
	}

	ok, err := s.cache.SetTTL(r.Context(), id, time.Duration(req.TTLs)*time.Second)
	if err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// handleTTLGet handles GET /cache.ttl.get?item_id=tenant:q1
// Response: {"ttl": 540} with -1 for no expiry and null for a missing key.
func (s *Server) handleTTLGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := itemIDQuery(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	ttl, exists, err := s.cache.GetTTL(r.Context(), id)
	if err != nil {
		writeCacheError(w, err)
		return
	}

	var resp struct {
		TTL *int64 `json:"ttl"`
	}
	if exists {
		resp.TTL = &ttl
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearch handles POST /search.vector
// Request: {"ns": "tenant", "query": "...", "top_k": 5}
// Response: {"results": [...]}
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Namespace string `json:"ns"`
		Query     string `json:"query"`
		TopK      int    `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "ns is required")
		return
	}
	if req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK < 0 || req.TopK > maxTopK {
		writeJSONError(w, http.StatusBadRequest, "top_k must be between 0 and 200")
		return
	}

	results, err := s.cache.VectorSearch(r.Context(), req.Namespace, req.Query, req.TopK)
	if err != nil {
		writeCacheError(w, err)
		return
	}
	if results == nil {
		results = []cache.SearchResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "ok"
	code := http.StatusOK
	if err := s.st.Ping(r.Context()); err != nil {
		s.logger.Printf("gateway: store ping failed: %v", err)
		status = "store unreachable"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":  status,
		"version": version.Version,
	})
}

// itemIDQuery reads the item identifier from the query string,
// accepting the legacy "id" name as an alias for "item_id".
func itemIDQuery(r *http.Request) string {
	return firstNonEmpty(r.URL.Query().Get("item_id"), r.URL.Query().Get("id"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeCacheError maps facade errors onto HTTP statuses.
func writeCacheError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, cache.ErrInvalidArgument):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

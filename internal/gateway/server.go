package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"semcache/internal/cache"
	"semcache/internal/config"
	"semcache/internal/embedding"
	"semcache/internal/store"
)

// Server is the HTTP front of the cache: it owns chunking and
// embedding so the storage facade below it only ever sees fully
// prepared chunk sets.
type Server struct {
	cfg      *config.Config
	cache    cache.Cache
	st       store.Store
	embedder embedding.Embedder
	logger   *log.Logger
}

// NewServer wires the HTTP layer over the cache facade.
func NewServer(cfg *config.Config, c cache.Cache, st store.Store, embedder embedding.Embedder, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		cache:    c,
		st:       st,
		embedder: embedder,
		logger:   logger,
	}
}

// Handler returns the route table. Split out from Start so tests can
// drive the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cache.write", s.handleWrite)
	mux.HandleFunc("/cache.get", s.handleGet)
	mux.HandleFunc("/cache.delete", s.handleDelete)
	mux.HandleFunc("/cache.list", s.handleList)
	mux.HandleFunc("/cache.ttl.set", s.handleTTLSet)
	mux.HandleFunc("/cache.ttl.get", s.handleTTLGet)
	mux.HandleFunc("/search.vector", s.handleSearch)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Printf("gateway: listening on port %d", s.cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Println("gateway: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"semcache/internal/embedding"
	"semcache/internal/store"
)

// IndexState is the readiness of the similarity index.
type IndexState int

const (
	IndexNotReady IndexState = iota
	IndexInitializing
	IndexReady
)

func (s IndexState) String() string {
	switch s {
	case IndexInitializing:
		return "initializing"
	case IndexReady:
		return "ready"
	default:
		return "not-ready"
	}
}

// IndexManager lazily ensures the namespace-partitioned similarity
// index exists before first use. It is an explicit object owned by the
// facade rather than process-wide state, and concurrent first callers
// are coalesced into a single creation attempt whose outcome they all
// share.
type IndexManager struct {
	store store.Store

	mu          sync.Mutex
	state       IndexState
	unsupported error // sticky fatal outcome

	group singleflight.Group
}

// NewIndexManager creates a manager in the NotReady state.
func NewIndexManager(st store.Store) *IndexManager {
	return &IndexManager{store: st}
}

// State reports the current readiness.
func (m *IndexManager) State() IndexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureReady makes sure the index exists, creating it with the
// dimensionality reported by the embedder if absent. Ready returns
// immediately; a failed attempt moves back to NotReady so a later call
// may retry, except for ErrIndexUnsupported which is fatal and sticks.
func (m *IndexManager) EnsureReady(ctx context.Context, embedder embedding.Embedder) error {
	m.mu.Lock()
	if m.unsupported != nil {
		err := m.unsupported
		m.mu.Unlock()
		return err
	}
	if m.state == IndexReady {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Callers arriving while a creation attempt is in flight share its
	// outcome instead of issuing duplicate attempts.
	_, err, _ := m.group.Do("ensure", func() (interface{}, error) {
		return nil, m.initialize(ctx, embedder)
	})
	return err
}

func (m *IndexManager) initialize(ctx context.Context, embedder embedding.Embedder) error {
	m.mu.Lock()
	if m.state == IndexReady {
		m.mu.Unlock()
		return nil
	}
	m.state = IndexInitializing
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		m.state = IndexNotReady
		if errors.Is(err, ErrIndexUnsupported) {
			m.unsupported = err
		}
		m.mu.Unlock()
		return err
	}

	dims := embedder.Dimensions()
	if dims <= 0 {
		return fail(fmt.Errorf("%w: embedder %s reports no vector size", ErrDimensionUnknown, embedder.Name()))
	}

	if err := m.store.EnsureIndex(ctx, IndexName, chunkKeyPrefix, dims); err != nil {
		if errors.Is(err, store.ErrIndexUnsupported) {
			return fail(fmt.Errorf("%w: %v", ErrIndexUnsupported, err))
		}
		return fail(err)
	}

	m.mu.Lock()
	m.state = IndexReady
	m.mu.Unlock()
	return nil
}

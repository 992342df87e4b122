package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store used in tests and as a substitutable
// backend. The linear cosine scan in SearchKNN stands in for the
// server-side ANN primitive; it honors the same contract (namespace
// filter, ascending distance, no hits for records without embeddings).
type Memory struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	deadline map[string]time.Time
	indexes  map[string]memoryIndex

	// now is swappable so tests can control expiry.
	now func() time.Time
}

type memoryIndex struct {
	prefix string
	dims   int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		deadline: make(map[string]time.Time),
		indexes:  make(map[string]memoryIndex),
		now:      time.Now,
	}
}

// SetClock replaces the store's time source. Keys whose deadline has
// passed according to the new clock behave as expired.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// reapLocked removes the key if its deadline has passed.
func (m *Memory) reapLocked(key string) {
	if d, ok := m.deadline[key]; ok && !m.now().Before(d) {
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.deadline, key)
	}
}

func (m *Memory) liveHashLocked(key string) (map[string]string, bool) {
	m.reapLocked(key)
	h, ok := m.hashes[key]
	return h, ok
}

func (m *Memory) liveSetLocked(key string) (map[string]struct{}, bool) {
	m.reapLocked(key)
	s, ok := m.sets[key]
	return s, ok
}

func (m *Memory) HashSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashSetLocked(key, fields)
	return nil
}

func (m *Memory) hashSetLocked(key string, fields map[string]string) {
	h, ok := m.liveHashLocked(key)
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *Memory) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.liveHashLocked(key)
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAddLocked(key, members)
	return nil
}

func (m *Memory) setAddLocked(key string, members []string) {
	s, ok := m.liveSetLocked(key)
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
}

func (m *Memory) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRemoveLocked(key, members)
	return nil
}

func (m *Memory) setRemoveLocked(key string, members []string) {
	s, ok := m.liveSetLocked(key)
	if !ok {
		return
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
		delete(m.deadline, key)
	}
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveSetLocked(key)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SetSample(ctx context.Context, key string, count int) ([]string, error) {
	members, err := m.SetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		count = 0
	}
	rand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})
	if len(members) > count {
		members = members[:count]
	}
	return members, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(keys)
	return nil
}

func (m *Memory) deleteLocked(keys []string) {
	for _, key := range keys {
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.deadline, key)
	}
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	_, ok := m.sets[key]
	return ok, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(key, ttl), nil
}

func (m *Memory) expireLocked(key string, ttl time.Duration) bool {
	m.reapLocked(key)
	_, hasHash := m.hashes[key]
	_, hasSet := m.sets[key]
	if !hasHash && !hasSet {
		return false
	}
	m.deadline[key] = m.now().Add(ttl)
	return true
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapLocked(key)
	_, hasHash := m.hashes[key]
	_, hasSet := m.sets[key]
	if !hasHash && !hasSet {
		return 0, false, ErrKeyNotFound
	}
	d, ok := m.deadline[key]
	if !ok {
		return 0, false, nil
	}
	return d.Sub(m.now()), true, nil
}

// Batch queues mutations and applies them under a single lock
// acquisition, mirroring the pipelined single round trip of the Redis
// implementation.
func (m *Memory) Batch() Batch {
	return &memoryBatch{store: m}
}

type memoryBatch struct {
	store *Memory
	ops   []func()
}

func (b *memoryBatch) HashSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	b.ops = append(b.ops, func() { b.store.hashSetLocked(key, copied) })
}

func (b *memoryBatch) SetAdd(key string, members ...string) {
	b.ops = append(b.ops, func() { b.store.setAddLocked(key, members) })
}

func (b *memoryBatch) SetRemove(key string, members ...string) {
	b.ops = append(b.ops, func() { b.store.setRemoveLocked(key, members) })
}

func (b *memoryBatch) Delete(keys ...string) {
	b.ops = append(b.ops, func() { b.store.deleteLocked(keys) })
}

func (b *memoryBatch) Expire(key string, ttl time.Duration) {
	b.ops = append(b.ops, func() { b.store.expireLocked(key, ttl) })
}

func (b *memoryBatch) Exec(ctx context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		op()
	}
	b.ops = nil
	return nil
}

func (m *Memory) EnsureIndex(ctx context.Context, name, prefix string, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; ok {
		return nil
	}
	m.indexes[name] = memoryIndex{prefix: prefix, dims: dims}
	return nil
}

func (m *Memory) SearchKNN(ctx context.Context, index, namespace string, vector []float32, k int, fields []string) ([]VectorHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}

	var hits []VectorHit
	for key := range m.hashes {
		if !strings.HasPrefix(key, idx.prefix) {
			continue
		}
		h, live := m.liveHashLocked(key)
		if !live {
			continue
		}
		if h["ns"] != namespace {
			continue
		}
		blob, hasVec := h["embedding"]
		if !hasVec {
			continue
		}
		candidate := DecodeVector([]byte(blob))
		if len(candidate) != len(vector) {
			continue
		}

		selected := make(map[string]string, len(fields))
		for _, f := range fields {
			if v, present := h[f]; present {
				selected[f] = v
			}
		}
		hits = append(hits, VectorHit{
			Key:    key,
			Score:  cosineDistance(vector, candidate),
			Fields: selected,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// cosineDistance matches the COSINE metric of the Redis implementation:
// 1 - (a.b / |a||b|).
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"semcache/internal/store"
)

// ItemStore owns the item lifecycle: versioned create/update, reads
// with namespace isolation, deletion, listing and TTL control.
type ItemStore struct {
	store store.Store

	// now is swappable so tests can control timestamps.
	now func() time.Time
}

// NewItemStore creates an item store over the backing store.
func NewItemStore(st store.Store) *ItemStore {
	return &ItemStore{store: st, now: time.Now}
}

// Upsert creates the item on first write of its id and fully replaces
// text/meta on subsequent writes, bumping version by exactly one and
// advancing updated_at monotonically even within the same millisecond.
//
// The read-then-write is not atomic against a second concurrent writer
// to the same id; that weak-consistency tradeoff is accepted for this
// tier and callers must not rely on upserts for mutual exclusion.
func (s *ItemStore) Upsert(ctx context.Context, p WritePayload) (Item, error) {
	if p.Namespace == "" {
		return Item{}, fmt.Errorf("%w: namespace is required", ErrInvalidArgument)
	}

	id := p.ID
	if id == "" {
		// Namespace-prefixed for debuggability; not a contractual format.
		id = p.Namespace + ":" + uuid.NewString()
	}

	prev, err := s.store.HashGetAll(ctx, itemKey(id))
	if err != nil {
		return Item{}, err
	}

	nowMillis := s.now().UnixMilli()
	item := Item{
		ID:        id,
		Namespace: p.Namespace,
		Text:      p.Text,
		Meta:      p.Meta,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
		Version:   1,
	}

	if len(prev) > 0 {
		item.CreatedAt = parseInt(prev["created_at"], nowMillis)
		item.Version = parseInt(prev["version"], 0) + 1

		// Strictly monotonic: past the previous update and past
		// created_at even when all three share a millisecond tick.
		prevUpdated := parseInt(prev["updated_at"], 0)
		if item.UpdatedAt <= prevUpdated {
			item.UpdatedAt = prevUpdated + 1
		}
		if item.UpdatedAt <= item.CreatedAt {
			item.UpdatedAt = item.CreatedAt + 1
		}
	}

	fields := map[string]string{
		"ns":         item.Namespace,
		"text":       item.Text,
		"created_at": strconv.FormatInt(item.CreatedAt, 10),
		"updated_at": strconv.FormatInt(item.UpdatedAt, 10),
		"version":    strconv.FormatInt(item.Version, 10),
	}
	if len(item.Meta) > 0 {
		fields["meta"] = string(item.Meta)
	}

	b := s.store.Batch()
	b.HashSet(itemKey(id), fields)
	b.SetAdd(namespaceKey(item.Namespace), id)
	b.SetAdd(namespaceRegistry, item.Namespace)
	if prevNS, ok := prev["ns"]; ok && prevNS != item.Namespace {
		// The id moved namespaces; drop the stale membership entry.
		b.SetRemove(namespaceKey(prevNS), id)
	}
	if p.TTL > 0 {
		b.Expire(itemKey(id), p.TTL)
	}
	if err := b.Exec(ctx); err != nil {
		return Item{}, err
	}

	return item, nil
}

// Read returns the item, or ErrNotFound when the id is missing or the
// stored owner namespace does not match. The two cases are deliberately
// indistinguishable to the caller.
func (s *ItemStore) Read(ctx context.Context, namespace, id string) (Item, error) {
	fields, err := s.store.HashGetAll(ctx, itemKey(id))
	if err != nil {
		return Item{}, err
	}
	if len(fields) == 0 || fields["ns"] != namespace {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return itemFromFields(id, fields), nil
}

// Delete removes the item and its namespace membership. Returns false
// when the item does not exist under the given namespace.
func (s *ItemStore) Delete(ctx context.Context, namespace, id string) (bool, error) {
	fields, err := s.store.HashGetAll(ctx, itemKey(id))
	if err != nil {
		return false, err
	}
	if len(fields) == 0 || fields["ns"] != namespace {
		return false, nil
	}

	b := s.store.Batch()
	b.Delete(itemKey(id))
	b.SetRemove(namespaceKey(namespace), id)
	if err := b.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// List returns up to count item ids from the namespace, in no
// particular order and possibly sampled rather than exhaustive.
func (s *ItemStore) List(ctx context.Context, namespace string, count int) ([]string, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrInvalidArgument)
	}
	if count <= 0 {
		count = 100
	}
	return s.store.SetSample(ctx, namespaceKey(namespace), count)
}

// SetTTL applies a TTL to the item key. Returns false when the key does
// not exist.
func (s *ItemStore) SetTTL(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	return s.store.Expire(ctx, itemKey(id), ttl)
}

// GetTTL reports the item's remaining TTL in whole seconds, -1 when the
// item has no expiry, and exists=false when the key is missing. "No
// TTL" and "no key" are distinct answers, never conflated.
func (s *ItemStore) GetTTL(ctx context.Context, id string) (int64, bool, error) {
	ttl, hasTTL, err := s.store.TTL(ctx, itemKey(id))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !hasTTL {
		return -1, true, nil
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs, true, nil
}

func itemFromFields(id string, fields map[string]string) Item {
	item := Item{
		ID:        id,
		Namespace: fields["ns"],
		Text:      fields["text"],
		CreatedAt: parseInt(fields["created_at"], 0),
		UpdatedAt: parseInt(fields["updated_at"], 0),
		Version:   parseInt(fields["version"], 0),
	}
	// Meta is stored serialized and re-parsed on read; an unparseable
	// blob yields an absent meta, not an error.
	if raw, ok := fields["meta"]; ok && json.Valid([]byte(raw)) {
		item.Meta = json.RawMessage(raw)
	}
	return item
}

func parseInt(s string, fallback int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

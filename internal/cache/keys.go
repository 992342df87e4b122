package cache

import "fmt"

// Backing store key layout. Items are keyed globally by id; the
// namespace is a field on the record and a membership set per
// namespace, which is what makes a wrong-namespace read look exactly
// like a missing key.
const (
	keyPrefix      = "cache:"
	itemKeyPrefix  = keyPrefix + "item:"
	chunkKeyPrefix = keyPrefix + "chunk:"

	// IndexName is the similarity index over chunk records.
	IndexName = "cache-chunks-idx"

	// namespaceRegistry tracks every namespace that has ever held an
	// item, for the expiry sweep.
	namespaceRegistry = keyPrefix + "namespaces"
)

func itemKey(id string) string { return itemKeyPrefix + id }

func namespaceKey(ns string) string { return keyPrefix + "ns:" + ns }

func chunkKey(itemID string, seq int) string {
	return fmt.Sprintf("%s%s:%d", chunkKeyPrefix, itemID, seq)
}

func chunkSetKey(itemID string) string { return keyPrefix + "chunks:" + itemID }

// ABOUTME: Keyed, lock-partitioned registry store with write-through persistence.
// ABOUTME: Supports upsert/get/delete and stable cursor pagination over sorted keys.

package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opal-labs/opal-gateway/internal/store"
)

// ErrNotFound is returned when the requested key has no entry.
var ErrNotFound = errors.New("registry entry not found")

// DefaultPageSize is the fixed page size for List.
const DefaultPageSize = 50

// shardCount partitions keys so unrelated entries never contend on the
// same lock. Must be a power of two.
const shardCount = 16

type shard[T Entry] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// Registry is one keyed store of tools, resources, or prompts. Mutations
// are persisted to the durable store before the in-memory commit publishes
// them; change hooks fire strictly after the commit so no subscriber can
// observe a notification for state not yet visible to readers.
type Registry[T Entry] struct {
	name     store.RegistryName
	shards   [shardCount]*shard[T]
	store    store.Store
	logger   *slog.Logger
	clone    func(T) T
	pageSize int

	// onChange fires after any successful upsert or delete (list_changed).
	// onDelete fires after a successful delete with the removed key, so
	// subscription bookkeeping can be dropped atomically with the entry.
	onChange func()
	onDelete func(key string)
}

// New creates a registry over the given durable store.
func New[T Entry](name store.RegistryName, st store.Store, logger *slog.Logger, clone func(T) T) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry[T]{
		name:     name,
		store:    st,
		logger:   logger.With("component", "registry", "registry", string(name)),
		clone:    clone,
		pageSize: DefaultPageSize,
	}
	for i := range r.shards {
		r.shards[i] = &shard[T]{entries: make(map[string]T)}
	}
	return r
}

// OnChange registers the list_changed hook. Must be set before serving.
func (r *Registry[T]) OnChange(fn func()) { r.onChange = fn }

// OnDelete registers the per-key delete hook. Must be set before serving.
func (r *Registry[T]) OnDelete(fn func(key string)) { r.onDelete = fn }

// shardFor picks the shard owning a key.
func (r *Registry[T]) shardFor(key string) *shard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Load hydrates the in-memory state from the durable store. Called once
// at startup before the registry serves requests.
func (r *Registry[T]) Load(ctx context.Context, decode func([]byte) (T, error)) error {
	rows, err := r.store.ListRegistryRows(ctx, r.name)
	if err != nil {
		return fmt.Errorf("loading %s registry: %w", r.name, err)
	}
	for _, row := range rows {
		entry, err := decode(row.Definition)
		if err != nil {
			return fmt.Errorf("decoding %s entry %q: %w", r.name, row.Key, err)
		}
		m := entry.meta()
		m.Key = row.Key
		m.CreatedAt = row.CreatedAt
		m.UpdatedAt = row.UpdatedAt

		sh := r.shardFor(row.Key)
		sh.mu.Lock()
		sh.entries[row.Key] = entry
		sh.mu.Unlock()
	}
	r.logger.Info("registry loaded", "entries", len(rows))
	return nil
}

// Upsert creates or replaces an entry. When key is empty one is generated.
// On replace, CreatedAt is preserved and every other field comes from def.
// The durable write happens before the in-memory commit; the change hook
// fires after. The entry's subscriptions survive an upsert.
func (r *Registry[T]) Upsert(ctx context.Context, key string, def T) (T, error) {
	var zero T

	now := time.Now().UTC()
	if key == "" {
		key = autoKey(string(r.name), def.hint(), now)
	}

	// Observe existing timestamps without holding the lock across the
	// durable write below.
	createdAt := now
	sh := r.shardFor(key)
	sh.mu.RLock()
	if existing, ok := sh.entries[key]; ok {
		createdAt = existing.meta().CreatedAt
	}
	sh.mu.RUnlock()

	entry := r.clone(def)
	m := entry.meta()
	m.Key = key
	m.CreatedAt = createdAt
	m.UpdatedAt = now

	raw, err := encodeEntry(entry)
	if err != nil {
		return zero, err
	}
	row := &store.RegistryRow{
		Registry:   r.name,
		Key:        key,
		Definition: raw,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
	if err := r.store.PutRegistryRow(ctx, row); err != nil {
		return zero, fmt.Errorf("persisting %s entry %q: %w", r.name, key, err)
	}

	sh.mu.Lock()
	sh.entries[key] = entry
	sh.mu.Unlock()

	r.logger.Debug("registry entry upserted", "key", key)

	if r.onChange != nil {
		r.onChange()
	}
	return r.clone(entry), nil
}

// Get returns the entry for key, or ErrNotFound.
func (r *Registry[T]) Get(key string) (T, error) {
	var zero T
	sh := r.shardFor(key)
	sh.mu.RLock()
	entry, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return zero, ErrNotFound
	}
	return r.clone(entry), nil
}

// Delete removes an entry and reports whether it existed. The delete hook
// runs after the entry is gone so subscriptions are dropped atomically
// with it, then the change hook fires.
func (r *Registry[T]) Delete(ctx context.Context, key string) (bool, error) {
	sh := r.shardFor(key)
	sh.mu.RLock()
	_, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := r.store.DeleteRegistryRow(ctx, r.name, key); err != nil {
		return false, fmt.Errorf("deleting %s entry %q: %w", r.name, key, err)
	}

	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()

	r.logger.Debug("registry entry deleted", "key", key)

	if r.onDelete != nil {
		r.onDelete(key)
	}
	if r.onChange != nil {
		r.onChange()
	}
	return true, nil
}

// Page is one page of a List result. NextCursor is empty when exhausted.
type Page[T Entry] struct {
	Items      []T
	NextCursor string
}

// List returns entries in stable key order starting after cursor.
// An unknown cursor restarts from the beginning.
func (r *Registry[T]) List(cursor string) Page[T] {
	keys := r.sortedKeys()

	start := 0
	if cursor != "" {
		// cursor is the last-seen key; resume strictly after it
		start = sort.SearchStrings(keys, cursor)
		if start < len(keys) && keys[start] == cursor {
			start++
		}
	}

	end := start + r.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	items := make([]T, 0, end-start)
	for _, key := range keys[start:end] {
		if entry, err := r.Get(key); err == nil {
			items = append(items, entry)
		}
	}

	var next string
	if end < len(keys) && len(items) > 0 {
		next = items[len(items)-1].EntryKey()
	}
	return Page[T]{Items: items, NextCursor: next}
}

// Len returns the number of entries across all shards.
func (r *Registry[T]) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// sortedKeys snapshots all keys in sorted order.
func (r *Registry[T]) sortedKeys() []string {
	keys := make([]string, 0, 64)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// autoKey generates a key from the registry namespace, a name hint, and a
// timestamp hash, for upserts that omit the key.
func autoKey(namespace, hint string, now time.Time) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%d", namespace, hint, now.UnixNano())
	return fmt.Sprintf("%s-%s-%08x", namespace, slugify(hint), h.Sum64()&0xffffffff)
}

// slugify lowercases and strips a hint down to key-safe characters.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "entry"
	}
	return b.String()
}

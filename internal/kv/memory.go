package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store. It backs paper
// sessions that run without a Redis and the test suite. Expiry is checked
// lazily on access.
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]memEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	expiry  map[string]time.Time
	now     func() time.Time
}

type memEntry struct {
	value string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Tests use it to advance TTLs.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// expired reports and reaps a dead key. Caller must hold the write lock.
func (m *MemoryStore) expired(key string) bool {
	deadline, ok := m.expiry[key]
	if !ok || m.now().Before(deadline) {
		return false
	}
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
	return true
}

func (m *MemoryStore) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Get retrieves a string value, returning ErrNotFound for a missing key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNotFound
	}
	e, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores a string value with an optional TTL.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memEntry{value: value}
	m.setTTL(key, ttl)
	return nil
}

// SetNX stores a value only if the key does not exist yet.
func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = memEntry{value: value}
	m.setTTL(key, ttl)
	return true, nil
}

// Del removes the given keys.
func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
	return nil
}

// Exists reports whether a key exists in any record family.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	_, ok := m.lists[key]
	return ok, nil
}

// HSet writes hash fields.
func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

// HGet reads one hash field.
func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNotFound
	}
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// HGetAll reads a whole hash. A missing key yields an empty map.
func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

// Expire sets a TTL on an existing key.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL(key, ttl)
	return nil
}

// SAdd adds members to a set.
func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

// SRem removes members from a set.
func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	return nil
}

// SMembers returns all members of a set in sorted order for determinism.
func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	s, ok := m.sets[key]
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

// SIsMember reports set membership.
func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	s, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = s[member]
	return ok, nil
}

// LPush prepends values to a list.
func (m *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	// LPUSH semantics: each value is prepended in turn.
	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return nil
}

// LTrim bounds a list to the given range.
func (m *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.lists[key]
	if !ok {
		return nil
	}
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = list[start : stop+1]
	return nil
}

// LRange reads a slice of a list.
func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	list, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// Throttle returns true at most once per interval for a given name.
func (m *MemoryStore) Throttle(ctx context.Context, name string, interval time.Duration) (bool, error) {
	now := m.now()
	return m.SetNX(ctx, name, now.Format(time.RFC3339Nano), interval)
}

// AcquireLock takes an advisory lock with an owner token and TTL.
func (m *MemoryStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return m.SetNX(ctx, name, owner, ttl)
}

// ReleaseLock releases the lock only if owner still holds it.
func (m *MemoryStore) ReleaseLock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(name) {
		return nil
	}
	e, ok := m.strings[name]
	if !ok || e.value != owner {
		return nil
	}
	delete(m.strings, name)
	delete(m.expiry, name)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)

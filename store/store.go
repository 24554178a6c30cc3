// Package store implements the local key/value storage used by the DHT,
// with insertion-order iteration and time-to-live expiry.
package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// entry pairs a value with the monotonic time it was last set, and a
// handle into the insertion-order list so removal and re-set are O(1).
type entry struct {
	key      string
	value    []byte
	birthday time.Time
	elem     *list.Element
}

// Store is the local key/value map contract, matching spec.md §4.2 /
// §3 "Storage": insertion-order iteration, TTL-based expiry, and a
// republish iterator over entries older than a given age.
type Store interface {
	// Get returns the stored value for key, pruning expired entries
	// first. ok is false if the key is absent or expired.
	Get(key string) (value []byte, ok bool)
	// Set stores value under key, stamping birthday to now and
	// overwriting any prior value while preserving insertion order.
	Set(key string, value []byte)
	// Remove deletes key if present; a no-op otherwise.
	Remove(key string)
	// Prune evicts every entry whose age is >= ttl, oldest first.
	Prune()
	// IterOlderThan returns (key, value) pairs older than the given
	// age, in insertion order, stopping at the first entry that is not
	// yet old enough. Used by the republish loop.
	IterOlderThan(age time.Duration) []KV
	// All returns every live entry after pruning, in insertion order.
	All() []KV
	// Contains reports whether key is present (without pruning first).
	Contains(key string) bool
	// Len returns the number of live entries.
	Len() int
}

// KV is a single stored key/value pair.
type KV struct {
	Key   string
	Value []byte
}

// Memory is an in-memory Store with insertion-order iteration, as
// described by spec.md §4.2 and grounded on
// original_source/kademlia/storage.py's EphemeralStorage (OrderedDict +
// time.monotonic birthdays).
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	order   *list.List // of *entry, oldest first
	entries map[string]*entry
	now     func() time.Time
}

// NewMemory builds an in-memory store with the given time-to-live.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		m.order.Remove(e.elem)
		delete(m.entries, key)
	}

	e := &entry{key: key, value: value, birthday: m.now()}
	e.elem = m.order.PushBack(e)
	m.entries[key] = e
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
}

func (m *Memory) removeLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	m.order.Remove(e.elem)
	delete(m.entries, key)
}

func (m *Memory) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
}

// prune must be called with mu held.
func (m *Memory) prune() {
	for front := m.order.Front(); front != nil; {
		e := front.Value.(*entry)
		if m.now().Sub(e.birthday) < m.ttl {
			break
		}
		next := front.Next()
		m.order.Remove(front)
		delete(m.entries, e.key)
		front = next
	}
}

func (m *Memory) IterOlderThan(age time.Duration) []KV {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []KV
	now := m.now()
	for front := m.order.Front(); front != nil; front = front.Next() {
		e := front.Value.(*entry)
		if now.Sub(e.birthday) <= age {
			break
		}
		out = append(out, KV{Key: e.key, Value: e.value})
	}
	return out
}

func (m *Memory) All() []KV {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	out := make([]KV, 0, len(m.entries))
	for front := m.order.Front(); front != nil; front = front.Next() {
		e := front.Value.(*entry)
		out = append(out, KV{Key: e.key, Value: e.value})
	}
	return out
}

func (m *Memory) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var log = logrus.WithField("component", "store")

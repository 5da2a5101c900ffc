// Package dedup remembers which trades have already been submitted so that a
// re-scan after a restart or a rewind never reports the same trade twice.
package dedup

import (
	"fmt"
	"sync"
)

const DefaultCapacity = 10_000

// Backend persists ledger keys. Load must return keys in insertion order.
type Backend interface {
	Load() ([]string, error)
	Append(keys ...string) error
	Evict(keys ...string) error
}

// Ledger is a bounded set of trade keys. When it grows past its capacity the
// oldest half is forgotten. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    []string
	set      map[string]struct{}
	backend  Backend
}

// New returns a ledger seeded from backend. backend may be nil for a purely
// in-memory ledger.
func New(capacity int, backend Backend) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		capacity: capacity,
		set:      make(map[string]struct{}, capacity),
		backend:  backend,
	}
	if backend == nil {
		return l, nil
	}
	keys, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load dedup ledger: %w", err)
	}
	for _, k := range keys {
		if _, ok := l.set[k]; ok {
			continue
		}
		l.set[k] = struct{}{}
		l.order = append(l.order, k)
	}
	if err := l.trimLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[key]
	return ok
}

// Mark records key. Marking a key twice is a no-op.
func (l *Ledger) Mark(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.set[key]; ok {
		return nil
	}
	if l.backend != nil {
		if err := l.backend.Append(key); err != nil {
			return fmt.Errorf("persist dedup key %s: %w", key, err)
		}
	}
	l.set[key] = struct{}{}
	l.order = append(l.order, key)
	return l.trimLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) trimLocked() error {
	if len(l.order) <= l.capacity {
		return nil
	}
	n := len(l.order) / 2
	evicted := l.order[:n]
	if l.backend != nil {
		if err := l.backend.Evict(evicted...); err != nil {
			return fmt.Errorf("evict dedup keys: %w", err)
		}
	}
	for _, k := range evicted {
		delete(l.set, k)
	}
	l.order = append([]string(nil), l.order[n:]...)
	return nil
}

package state

import (
	"sync"

	"github.com/ybc112/daojishi/internal/engine"
)

type journalOp struct {
	evict bool
	keys  []string
}

// Journal is a dedup backend for the hosted engine. Ledger writes are held
// in memory until Commit stores them together with an engine snapshot, so
// after a crash the persisted keys never run ahead of the persisted engine.
type Journal struct {
	store *Store

	mu  sync.Mutex
	ops []journalOp
}

func NewJournal(store *Store) *Journal {
	return &Journal{store: store}
}

func (j *Journal) Load() ([]string, error) {
	return j.store.Load()
}

func (j *Journal) Append(keys ...string) error {
	j.record(false, keys)
	return nil
}

func (j *Journal) Evict(keys ...string) error {
	j.record(true, keys)
	return nil
}

func (j *Journal) record(evict bool, keys []string) {
	if len(keys) == 0 {
		return
	}
	j.mu.Lock()
	j.ops = append(j.ops, journalOp{evict: evict, keys: append([]string(nil), keys...)})
	j.mu.Unlock()
}

// Pending is the number of buffered ledger writes.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ops)
}

// Commit persists the buffered writes and snap atomically. The buffer is
// kept when the write fails so the next commit retries it.
func (j *Journal) Commit(snap engine.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.store.commit(j.ops, snap); err != nil {
		return err
	}
	j.ops = nil
	return nil
}

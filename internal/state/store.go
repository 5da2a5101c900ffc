package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ybc112/daojishi/internal/engine"
)

var (
	bucketDedup  = []byte("dedup")
	bucketRounds = []byte("rounds")
	bucketEngine = []byte("engine")

	keySnapshot = []byte("snapshot")
)

// Store is the bbolt-backed persistence for the dedup ledger, the closed
// round archive and the hosted engine snapshot.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDedup, bucketRounds, bucketEngine} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func u64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// --- dedup.Backend ---

func (s *Store) Load() ([]string, error) {
	type entry struct {
		seq uint64
		key string
	}
	var entries []entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDedup).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("dedup key %q: bad sequence", k)
			}
			entries = append(entries, entry{seq: binary.BigEndian.Uint64(v), key: string(k)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.key)
	}
	return out, nil
}

func (s *Store) Append(keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return appendKeys(tx, keys) })
}

func (s *Store) Evict(keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return evictKeys(tx, keys) })
}

func appendKeys(tx *bolt.Tx, keys []string) error {
	b := tx.Bucket(bucketDedup)
	for _, k := range keys {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put([]byte(k), u64Key(seq)); err != nil {
			return err
		}
	}
	return nil
}

func evictKeys(tx *bolt.Tx, keys []string) error {
	b := tx.Bucket(bucketDedup)
	for _, k := range keys {
		if err := b.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

// --- round archive ---

// ErrRoundExists is returned when a closed round is archived twice.
var ErrRoundExists = errors.New("round already archived")

// SaveRound archives a closed round. Archived rounds are never overwritten.
func (s *Store) SaveRound(_ context.Context, r engine.ClosedRound) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRounds)
		if bucket.Get(u64Key(r.Round)) != nil {
			return fmt.Errorf("round %d: %w", r.Round, ErrRoundExists)
		}
		return bucket.Put(u64Key(r.Round), b)
	})
}

func (s *Store) Round(n uint64) (engine.ClosedRound, bool, error) {
	var (
		r     engine.ClosedRound
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRounds).Get(u64Key(n))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return engine.ClosedRound{}, false, fmt.Errorf("load round %d: %w", n, err)
	}
	return r, found, nil
}

// RecentRounds returns up to limit closed rounds, newest first.
func (s *Store) RecentRounds(limit int) ([]engine.ClosedRound, error) {
	var out []engine.ClosedRound
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRounds).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r engine.ClosedRound
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("round %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// --- engine snapshot ---

func (s *Store) LoadSnapshot() (engine.Snapshot, bool, error) {
	var (
		snap  engine.Snapshot
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEngine).Get(keySnapshot)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("load engine snapshot: %w", err)
	}
	return snap, found, nil
}

// commit applies buffered ledger writes and the engine snapshot in one
// transaction.
func (s *Store) commit(ops []journalOp, snap engine.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			apply := appendKeys
			if op.evict {
				apply = evictKeys
			}
			if err := apply(tx, op.keys); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketEngine).Put(keySnapshot, b)
	})
}

package state

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/dedup"
	"github.com/ybc112/daojishi/internal/engine"
)

var (
	token = common.HexToAddress("0x1111111111111111111111111111111111111111")
	pair  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	pair2 = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "keeper.checkpoint.json")

	if _, ok, err := LoadCheckpoint(path); err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	want := Checkpoint{
		ChainID:               56,
		Token:                 token.Hex(),
		Venues:                []string{pair.Hex()},
		LastProcessedBlock:    1234,
		LastProcessedLogIndex: 9,
	}
	if err := SaveCheckpoint(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadCheckpoint(path)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Cursor() != (Cursor{Block: 1234, Index: 9}) {
		t.Fatalf("cursor mismatch: %s", got.Cursor())
	}
	if !got.Compatible(56, token, []common.Address{pair}) {
		t.Fatalf("expected compatible checkpoint")
	}
	if got.Compatible(1, token, []common.Address{pair}) {
		t.Fatalf("expected chain id mismatch")
	}
	if got.Compatible(56, pair, []common.Address{pair}) {
		t.Fatalf("expected token mismatch")
	}
	if got.Compatible(56, token, []common.Address{pair, pair2}) {
		t.Fatalf("expected venue set mismatch")
	}
}

func TestCursor(t *testing.T) {
	c := Cursor{Block: 10, Index: 3}
	cases := []struct {
		block uint64
		index uint
		want  bool
	}{
		{9, 100, true},
		{10, 3, true},
		{10, 4, false},
		{11, 0, false},
	}
	for _, tc := range cases {
		if got := c.Covers(tc.block, tc.index); got != tc.want {
			t.Fatalf("Covers(%d,%d)=%v want %v", tc.block, tc.index, got, tc.want)
		}
	}

	whole := CursorBeforeBlock(11)
	if !whole.Covers(10, 999) || whole.Covers(11, 0) {
		t.Fatalf("CursorBeforeBlock(11) = %s", whole)
	}
	if whole.NextBlock() != 11 || c.NextBlock() != 10 {
		t.Fatalf("NextBlock mismatch: %d %d", whole.NextBlock(), c.NextBlock())
	}
	if !(Cursor{Block: 10, Index: 4}).After(c) || c.After(c) {
		t.Fatalf("After mismatch")
	}

	if got := c.Rewind(5, 0); got != CursorBeforeBlock(5) {
		t.Fatalf("Rewind(5) = %s", got)
	}
	if got := c.Rewind(50, 7); got != CursorBeforeBlock(7) {
		t.Fatalf("Rewind floored = %s", got)
	}
	if got := c.Rewind(0, 0); got != c {
		t.Fatalf("Rewind(0) = %s", got)
	}
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daojishi.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestStore_DedupBackendKeepsOrderAcrossReopen(t *testing.T) {
	s, path := openStore(t)

	l, err := dedup.New(4, s)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := l.Mark(k); err != nil {
			t.Fatalf("mark %s: %v", k, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	keys, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 3 || keys[0] != "c" || keys[2] != "e" {
		t.Fatalf("unexpected keys after eviction: %v", keys)
	}
}

func TestStore_RoundArchive(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	for n := uint64(1); n <= 3; n++ {
		r := engine.ClosedRound{
			Round:       n,
			TotalPool:   big.NewInt(int64(n * 100)),
			Distributed: big.NewInt(int64(n * 50)),
			Rollover:    big.NewInt(int64(n * 50)),
			Awards: []engine.Award{
				{Winner: pair, Amount: big.NewInt(int64(n * 50)), Type: engine.PrizeGrand},
			},
			ExecutedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := s.SaveRound(context.Background(), r); err != nil {
			t.Fatalf("save round %d: %v", n, err)
		}
	}

	r, ok, err := s.Round(2)
	if err != nil || !ok {
		t.Fatalf("round 2: ok=%v err=%v", ok, err)
	}
	if r.TotalPool.String() != "200" || r.Awards[0].Winner != pair {
		t.Fatalf("round 2 mismatch: %+v", r)
	}
	if _, ok, _ := s.Round(9); ok {
		t.Fatalf("unexpected round 9")
	}

	again := engine.ClosedRound{Round: 2, TotalPool: big.NewInt(1), Distributed: big.NewInt(1), Rollover: big.NewInt(0)}
	if err := s.SaveRound(context.Background(), again); !errors.Is(err, ErrRoundExists) {
		t.Fatalf("overwrite of round 2: want ErrRoundExists, got %v", err)
	}
	if r, _, _ := s.Round(2); r.TotalPool.String() != "200" {
		t.Fatalf("round 2 changed: %+v", r)
	}

	recent, err := s.RecentRounds(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Round != 3 || recent[1].Round != 2 {
		t.Fatalf("unexpected recent rounds: %+v", recent)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	if _, ok, err := s.LoadSnapshot(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	snap := engine.Snapshot{
		Owner:     token,
		Round:     7,
		Phase:     engine.PhaseDrawing,
		PrizePool: big.NewInt(800),
		Rollover:  big.NewInt(400),
		Users: map[common.Address]engine.UserRate{
			pair: {Rate: 130, BuyStreak: 4, ParticipantRound: 7},
		},
		Participants: []common.Address{pair},
		Winnings:     map[common.Address]*big.Int{pair2: big.NewInt(5)},
	}
	if err := NewJournal(s).Commit(snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadSnapshot()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Round != 7 || got.Phase != engine.PhaseDrawing || got.PrizePool.String() != "800" {
		t.Fatalf("snapshot mismatch: %+v", got)
	}
	if got.Users[pair].Rate != 130 || got.Winnings[pair2].String() != "5" {
		t.Fatalf("snapshot maps mismatch: %+v %+v", got.Users, got.Winnings)
	}
}

func TestJournal_CommitsKeysWithSnapshot(t *testing.T) {
	s, path := openStore(t)

	j := NewJournal(s)
	l, err := dedup.New(4, j)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if err := l.Mark(k); err != nil {
			t.Fatalf("mark %s: %v", k, err)
		}
	}
	if err := j.Commit(engine.Snapshot{Round: 1}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if j.Pending() != 0 {
		t.Fatalf("buffer not cleared: %d", j.Pending())
	}

	// Marked but never committed: lost with the engine state it belonged to.
	for _, k := range []string{"c", "d", "e"} {
		if err := l.Mark(k); err != nil {
			t.Fatalf("mark %s: %v", k, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	keys, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	snap, ok, err := s.LoadSnapshot()
	if err != nil || !ok || snap.Round != 1 {
		t.Fatalf("snapshot: ok=%v err=%v round=%d", ok, err, snap.Round)
	}
}

func TestJournal_ReplaysEvictionsInOrder(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	j := NewJournal(s)
	l, err := dedup.New(4, j)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := l.Mark(k); err != nil {
			t.Fatalf("mark %s: %v", k, err)
		}
	}
	if err := j.Commit(engine.Snapshot{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	keys, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 3 || keys[0] != "c" || keys[2] != "e" {
		t.Fatalf("unexpected keys after eviction: %v", keys)
	}
}

package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ybc112/daojishi/internal/backoff"
	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/dedup"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/state"
)

var (
	pair      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	self      = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	keeperKey = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	token     = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func transfer(block uint64, index uint, from, to common.Address, amount *big.Int) classify.Transfer {
	return classify.Transfer{
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("%d/%d", block, index))),
		BlockNumber: block,
		LogIndex:    index,
		Token:       token,
		From:        from,
		To:          to,
		Value:       amount,
	}
}

func buy(block uint64, index uint, who common.Address) classify.Transfer {
	return transfer(block, index, pair, who, tokens(100))
}

func sell(block uint64, index uint, who common.Address) classify.Transfer {
	return transfer(block, index, who, pair, tokens(100))
}

type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	transfers []classify.Transfer
}

func (s *fakeSource) Head(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *fakeSource) FetchTransfers(_ context.Context, from, to uint64) ([]classify.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []classify.Transfer
	for _, t := range s.transfers {
		if t.BlockNumber >= from && t.BlockNumber <= to {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeLottery struct {
	mu       sync.Mutex
	reported []string
	// tradeErr, when set, decides the outcome of each ReportTrade call.
	tradeErr func(t classify.Trade) error
	status   engine.Status

	triggerErrs []error
	executeErrs []error
	syncErr     error
	triggers    int
	executes    int
	syncs       int
}

func (f *fakeLottery) ReportTrade(_ context.Context, t classify.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tradeErr != nil {
		if err := f.tradeErr(t); err != nil {
			return err
		}
	}
	f.reported = append(f.reported, t.Key)
	return nil
}

// TriggerDraw lands even when it reports an error, like a transaction whose
// receipt was lost.
func (f *fakeLottery) TriggerDraw(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	f.status.Phase = engine.PhaseDrawing
	f.status.TriggerBlock = 100
	return pop(&f.triggerErrs)
}

func (f *fakeLottery) ExecuteDraw(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	if err := pop(&f.executeErrs); err != nil {
		return err
	}
	f.status.Phase = engine.PhaseIdle
	f.status.Round++
	return nil
}

func (f *fakeLottery) SyncTax(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncErr
}

func (f *fakeLottery) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLottery) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reported...)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type fakeFees struct {
	total *big.Int
	calls int
}

func (f *fakeFees) DepositFees(amount *big.Int) error {
	if f.total == nil {
		f.total = new(big.Int)
	}
	f.total.Add(f.total, amount)
	f.calls++
	return nil
}

type testKeeper struct {
	*Keeper
	ckpt string
}

func newTestKeeper(t *testing.T, lot Lottery, src Source, ledger *dedup.Ledger, ckpt string, tweak func(*Config, *Deps)) *testKeeper {
	t.Helper()
	if ckpt == "" {
		ckpt = filepath.Join(t.TempDir(), "keeper.checkpoint.json")
	}
	if ledger == nil {
		var err error
		ledger, err = dedup.New(100, nil)
		require.NoError(t, err)
	}
	cfg := Config{
		ChainID:           137,
		Token:             token,
		Venues:            []common.Address{pair},
		FeeCollector:      self,
		ScanInterval:      10 * time.Millisecond,
		LifecycleInterval: 10 * time.Millisecond,
		TaxSyncInterval:   10 * time.Millisecond,
		StatusLogInterval: time.Hour,
		Confirmations:     2,
		DrawMargin:        2,
		MaxLogRange:       4,
		RescanBlocks:      50,
		StartBlock:        1,
		Retry:             backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
		CheckpointFile:    ckpt,
	}
	deps := Deps{
		Lottery:    lot,
		Source:     src,
		Classifier: classify.New([]common.Address{pair}, self),
		Ledger:     ledger,
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	k, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, k.initCursor(context.Background()))
	return &testKeeper{Keeper: k, ckpt: ckpt}
}

func keyOf(tr classify.Transfer) string {
	return classify.Key(tr.TxHash, tr.LogIndex)
}

func TestProcessBatchSubmitsInOrder(t *testing.T) {
	lot := &fakeLottery{}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)

	b1 := buy(3, 0, alice)
	noise := transfer(3, 1, alice, bob, tokens(5))
	s1 := sell(4, 2, bob)

	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 5, []classify.Transfer{b1, noise, s1}))
	require.Equal(t, []string{keyOf(b1), keyOf(s1)}, lot.keys())
	require.Equal(t, state.Cursor{Block: 5, Index: state.WholeBlock}, k.Cursor())

	ckpt, ok, err := state.LoadCheckpoint(k.ckpt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), ckpt.LastProcessedBlock)
	require.True(t, ckpt.Compatible(137, token, []common.Address{pair}))
}

func TestTransientFailureHoldsCursor(t *testing.T) {
	b1 := buy(3, 0, alice)
	b2 := buy(3, 4, bob)
	b3 := buy(4, 0, alice)

	calls := 0
	lot := &fakeLottery{tradeErr: func(tr classify.Trade) error {
		if tr.Key == keyOf(b2) {
			calls++
			return errors.New("connection reset")
		}
		return nil
	}}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)
	gen := k.Generation()

	err := k.ProcessBatch(context.Background(), gen, 5, []classify.Transfer{b1, b2, b3})
	require.Error(t, err)
	require.Equal(t, 3, calls, "retried up to the attempt limit")
	require.Equal(t, []string{keyOf(b1)}, lot.keys())
	require.Equal(t, state.Cursor{Block: 3, Index: 0}, k.Cursor())
	require.Equal(t, gen+1, k.Generation())

	// Batches read before the rewind are dropped.
	require.NoError(t, k.ProcessBatch(context.Background(), gen, 5, []classify.Transfer{b3}))
	require.Equal(t, []string{keyOf(b1)}, lot.keys())

	// The reader restarts at the block holding the failed event.
	_, next := k.readerPosition()
	require.Equal(t, uint64(3), next)

	// Once the engine recovers, the replayed batch skips what was done.
	lot.mu.Lock()
	lot.tradeErr = nil
	lot.mu.Unlock()
	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 5, []classify.Transfer{b1, b2, b3}))
	require.Equal(t, []string{keyOf(b1), keyOf(b2), keyOf(b3)}, lot.keys())
}

func TestPermanentRejectionAdvances(t *testing.T) {
	calls := 0
	lot := &fakeLottery{tradeErr: func(classify.Trade) error {
		calls++
		return fmt.Errorf("reportTrade: %w", engine.ErrBelowMinimum)
	}}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)
	b1 := buy(3, 0, alice)

	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 3, []classify.Transfer{b1}))
	require.Equal(t, 1, calls, "rejections are not retried")
	require.True(t, k.ledger.Seen(keyOf(b1)))
	require.Equal(t, state.Cursor{Block: 3, Index: state.WholeBlock}, k.Cursor())
	require.Equal(t, "BelowMinimum", rejectionReason(fmt.Errorf("reportTrade: %w", engine.ErrBelowMinimum)))
}

func TestUnauthorizedHoldsCursor(t *testing.T) {
	lot := &fakeLottery{tradeErr: func(classify.Trade) error {
		return fmt.Errorf("reportTrade: %w", engine.ErrUnauthorized)
	}}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)
	gen := k.Generation()
	b1 := buy(3, 0, alice)

	err := k.ProcessBatch(context.Background(), gen, 3, []classify.Transfer{b1})
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	require.False(t, k.ledger.Seen(keyOf(b1)))
	require.Equal(t, state.CursorBeforeBlock(1), k.Cursor())
	require.Equal(t, gen+1, k.Generation())

	// Once the role is granted the same trade goes through.
	lot.mu.Lock()
	lot.tradeErr = nil
	lot.mu.Unlock()
	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 3, []classify.Transfer{b1}))
	require.Equal(t, []string{keyOf(b1)}, lot.keys())
}

func TestCancelledSubmissionLeavesCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lot := &fakeLottery{tradeErr: func(classify.Trade) error {
		cancel()
		return errors.New("context canceled by shutdown")
	}}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)
	gen := k.Generation()

	err := k.ProcessBatch(ctx, gen, 3, []classify.Transfer{buy(3, 0, alice)})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, state.CursorBeforeBlock(1), k.Cursor())
	require.Equal(t, gen, k.Generation(), "shutdown is not a rewind")
}

func TestFeesRecordedOnce(t *testing.T) {
	fees := &fakeFees{}
	ledger, err := dedup.New(100, nil)
	require.NoError(t, err)
	withFees := func(_ *Config, d *Deps) { d.Fees = fees }

	tax := transfer(3, 1, token, self, big.NewInt(12345))
	k := newTestKeeper(t, &fakeLottery{}, &fakeSource{}, ledger, "", withFees)
	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 3, []classify.Transfer{tax}))

	again := newTestKeeper(t, &fakeLottery{}, &fakeSource{}, ledger, "", withFees)
	require.NoError(t, again.ProcessBatch(context.Background(), again.Generation(), 3, []classify.Transfer{tax}))

	require.Equal(t, 1, fees.calls)
	require.Equal(t, int64(12345), fees.total.Int64())
}

type stubChain struct{}

func (stubChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (stubChain) BlockHash(_ context.Context, n uint64) (common.Hash, error) {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(n).Bytes()), nil
}

func (stubChain) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{
		Params:   engine.DefaultParams(),
		Owner:    owner,
		Keeper:   keeperKey,
		Self:     self,
		DexPair:  pair,
		Blocks:   stubChain{},
		Holdings: stubChain{},
		Price:    engine.FixedPrice{USDPerToken: decimal.NewFromInt(1), Decimals: 18},
	})
	require.NoError(t, err)
	return eng
}

func TestRestartDoesNotDoubleSubmit(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keeper.db")
	ckpt := filepath.Join(dir, "keeper.checkpoint.json")
	eng := newEngine(t)
	lot := Local{Engine: eng, Caller: keeperKey}
	batch := []classify.Transfer{buy(3, 0, alice), buy(4, 1, bob)}

	run := func() {
		store, err := state.Open(dbPath)
		require.NoError(t, err)
		defer store.Close()
		ledger, err := dedup.New(100, store)
		require.NoError(t, err)

		k := newTestKeeper(t, lot, &fakeSource{}, ledger, ckpt, nil)
		require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 6, batch))
	}

	run()
	deadline := eng.Status().Deadline
	require.Equal(t, uint32(70), eng.UserRate(alice).Rate)

	// The second run rewinds RescanBlocks and replays the same logs.
	run()
	require.Equal(t, uint32(70), eng.UserRate(alice).Rate)
	require.Equal(t, uint32(70), eng.UserRate(bob).Rate)
	require.Equal(t, deadline, eng.Status().Deadline)
	require.Equal(t, 2, eng.Status().ParticipantCount)
}

// hostedRun opens the store with a journaled ledger and an engine restored
// from the last committed snapshot, the way the hosted binary starts.
func hostedRun(t *testing.T, dbPath, ckpt string) (*testKeeper, *engine.Engine, *state.Store) {
	t.Helper()
	store, err := state.Open(dbPath)
	require.NoError(t, err)
	eng := newEngine(t)
	snap, ok, err := store.LoadSnapshot()
	require.NoError(t, err)
	if ok {
		require.NoError(t, eng.Restore(snap))
	}
	journal := state.NewJournal(store)
	ledger, err := dedup.New(100, journal)
	require.NoError(t, err)
	k := newTestKeeper(t, Local{Engine: eng, Caller: keeperKey}, &fakeSource{}, ledger, ckpt, func(_ *Config, d *Deps) {
		d.Commit = func() error { return journal.Commit(eng.Snapshot()) }
	})
	return k, eng, store
}

func TestHostedCrashReplaysUncommittedTrades(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keeper.db")
	ckpt := filepath.Join(dir, "keeper.checkpoint.json")
	b1 := buy(3, 0, alice)
	b2 := buy(4, 1, bob)

	k, eng, store := hostedRun(t, dbPath, ckpt)
	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 3, []classify.Transfer{b1}))
	// Applied and marked, then the process dies before the next checkpoint.
	require.NoError(t, k.handleTransfer(context.Background(), b2))
	require.Equal(t, 2, eng.Status().ParticipantCount)
	require.NoError(t, store.Close())

	k, eng, store = hostedRun(t, dbPath, ckpt)
	defer store.Close()
	require.Equal(t, 1, eng.Status().ParticipantCount)
	require.True(t, k.ledger.Seen(keyOf(b1)))
	require.False(t, k.ledger.Seen(keyOf(b2)))

	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 6, []classify.Transfer{b1, b2}))
	require.Equal(t, uint32(70), eng.UserRate(alice).Rate)
	require.Equal(t, uint32(70), eng.UserRate(bob).Rate)
	require.Equal(t, 2, eng.Status().ParticipantCount)
}

func TestFailedCommitSkipsCheckpoint(t *testing.T) {
	k := newTestKeeper(t, &fakeLottery{}, &fakeSource{}, nil, "", func(_ *Config, d *Deps) {
		d.Commit = func() error { return errors.New("disk full") }
	})
	require.NoError(t, k.ProcessBatch(context.Background(), k.Generation(), 3, []classify.Transfer{buy(3, 0, alice)}))
	_, ok, err := state.LoadCheckpoint(k.ckpt)
	require.NoError(t, err)
	require.False(t, ok, "cursor must not be saved ahead of committed state")
}

func TestCheckpointRewindOnRestart(t *testing.T) {
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, state.SaveCheckpoint(ckpt, state.Checkpoint{
		ChainID:               137,
		Token:                 token.Hex(),
		Venues:                []string{pair.Hex()},
		LastProcessedBlock:    500,
		LastProcessedLogIndex: 3,
	}))
	k := newTestKeeper(t, &fakeLottery{}, &fakeSource{}, nil, ckpt, nil)
	require.Equal(t, state.CursorBeforeBlock(450), k.Cursor())

	// A checkpoint for another venue set is ignored.
	other := newTestKeeper(t, &fakeLottery{}, &fakeSource{}, nil, ckpt, func(c *Config, _ *Deps) {
		c.Venues = []common.Address{pair, bob}
	})
	require.Equal(t, state.CursorBeforeBlock(1), other.Cursor())
}

func TestLifecycleTriggersExpiredRound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lot := &fakeLottery{status: engine.Status{Round: 1, Now: now, Deadline: now.Add(-time.Second)}}
	k := newTestKeeper(t, lot, &fakeSource{head: 100}, nil, "", nil)

	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Equal(t, 1, lot.syncs, "tax is synced before the trigger")
	require.Equal(t, 1, lot.triggers)
	require.Equal(t, engine.PhaseDrawing, lot.status.Phase)
}

func TestLifecycleSkipsLiveRound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lot := &fakeLottery{status: engine.Status{Round: 1, Now: now, Deadline: now.Add(time.Minute)}}
	k := newTestKeeper(t, lot, &fakeSource{head: 100}, nil, "", nil)

	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Zero(t, lot.triggers)
	require.Zero(t, lot.syncs)
}

func TestLifecycleRechecksStatusBeforeRetry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lot := &fakeLottery{
		status:      engine.Status{Round: 1, Now: now, Deadline: now},
		syncErr:     engine.ErrNothingToSync,
		triggerErrs: []error{errors.New("receipt wait timed out")},
	}
	k := newTestKeeper(t, lot, &fakeSource{head: 100}, nil, "", nil)

	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Equal(t, 1, lot.triggers, "a landed trigger is not sent twice")
}

func TestLifecycleExecutesAfterMargin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{head: 102}
	lot := &fakeLottery{status: engine.Status{Round: 4, Phase: engine.PhaseDrawing, TriggerBlock: 100, Now: now, Deadline: now}}
	k := newTestKeeper(t, lot, src, nil, "", nil)

	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Zero(t, lot.executes, "head must pass trigger + margin")

	src.mu.Lock()
	src.head = 103
	src.mu.Unlock()
	lot.executeErrs = []error{errors.New("503 service unavailable")}
	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Equal(t, 2, lot.executes)
	require.Equal(t, uint64(5), lot.status.Round)

	// TooSoon from the engine is left for the next poll.
	lot.status.Phase = engine.PhaseDrawing
	lot.executeErrs = []error{engine.ErrTooSoon}
	require.NoError(t, k.LifecycleOnce(context.Background()))
	require.Equal(t, 3, lot.executes)
}

func TestSyncTaxOnce(t *testing.T) {
	lot := &fakeLottery{syncErr: engine.ErrNothingToSync}
	k := newTestKeeper(t, lot, &fakeSource{}, nil, "", nil)
	require.NoError(t, k.SyncTaxOnce(context.Background()))
	require.Equal(t, 1, lot.syncs, "NothingToSync is not retried")

	lot.syncErr = errors.New("dial tcp: i/o timeout")
	require.Error(t, k.SyncTaxOnce(context.Background()))
	require.Equal(t, 4, lot.syncs)
}

func TestRunScansToSafeHead(t *testing.T) {
	eng := newEngine(t)
	src := &fakeSource{
		head: 12,
		transfers: []classify.Transfer{
			buy(3, 0, alice),
			buy(7, 2, bob),
			buy(11, 0, alice), // beyond the safe head
		},
	}
	ledger, err := dedup.New(100, nil)
	require.NoError(t, err)
	k := newTestKeeper(t, Local{Engine: eng, Caller: keeperKey}, src, ledger, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		return k.Cursor() == state.Cursor{Block: 10, Index: state.WholeBlock}
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, 2, ledger.Len())
	require.Equal(t, 2, eng.Status().ParticipantCount)

	ckpt, ok, err := state.LoadCheckpoint(k.ckpt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), ckpt.LastProcessedBlock)
}

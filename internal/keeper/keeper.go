// Package keeper drives an engine from observed venue activity: it turns
// confirmed token transfers into trade reports and moves rounds through
// trigger and execution once their preconditions hold.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/backoff"
	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/dedup"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/ethutil"
	"github.com/ybc112/daojishi/internal/jsonl"
	"github.com/ybc112/daojishi/internal/logger"
	"github.com/ybc112/daojishi/internal/metrics"
	"github.com/ybc112/daojishi/internal/state"
)

// Lottery is the engine as seen by the keeper, either in process or behind
// a contract.
type Lottery interface {
	ReportTrade(ctx context.Context, t classify.Trade) error
	TriggerDraw(ctx context.Context) error
	ExecuteDraw(ctx context.Context) error
	SyncTax(ctx context.Context) error
	Status(ctx context.Context) (engine.Status, error)
}

// Source yields token transfers touching the venues.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	FetchTransfers(ctx context.Context, from, to uint64) ([]classify.Transfer, error)
}

// FeeSink receives token fees sent to the fee collector.
type FeeSink interface {
	DepositFees(amount *big.Int) error
}

type Config struct {
	ChainID int64
	Token   common.Address
	Venues  []common.Address
	// FeeCollector receives the token tax; transfers into it are fee
	// deposits when a FeeSink is configured.
	FeeCollector common.Address

	ScanInterval      time.Duration
	LifecycleInterval time.Duration
	TaxSyncInterval   time.Duration
	StatusLogInterval time.Duration

	Confirmations uint64
	DrawMargin    uint64
	MaxLogRange   uint64
	RescanBlocks  uint64
	StartBlock    uint64
	ScanBuffer    int

	Retry          backoff.Policy
	CheckpointFile string
}

type Deps struct {
	Lottery    Lottery
	Source     Source
	Classifier *classify.Classifier
	Ledger     *dedup.Ledger
	Fees       FeeSink
	Audit      *jsonl.Writer
	Metrics    *metrics.Metrics
	// Commit, when set, persists the state the keeper has applied so far.
	// It runs before every checkpoint and after each lifecycle transition,
	// never while a transfer is half applied.
	Commit func() error
}

type Keeper struct {
	cfg        Config
	lottery    Lottery
	source     Source
	classifier *classify.Classifier
	ledger     *dedup.Ledger
	fees       FeeSink
	audit      *jsonl.Writer
	metrics    *metrics.Metrics
	commit     func() error
	log        *logger.Entry

	// applyMu spans applying a transfer and marking it seen.
	applyMu sync.Mutex

	mu     sync.Mutex
	cursor state.Cursor
	// gen is bumped when the submitter gives up on an event; batches read
	// under an older generation are dropped and the reader rewinds.
	gen uint64

	lastStatusLog time.Time
}

func New(cfg Config, d Deps) (*Keeper, error) {
	if d.Lottery == nil || d.Source == nil || d.Classifier == nil || d.Ledger == nil {
		return nil, errors.New("keeper: lottery, source, classifier and ledger are required")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 3 * time.Second
	}
	if cfg.LifecycleInterval <= 0 {
		cfg.LifecycleInterval = 5 * time.Second
	}
	if cfg.TaxSyncInterval <= 0 {
		cfg.TaxSyncInterval = 5 * time.Minute
	}
	if cfg.StatusLogInterval <= 0 {
		cfg.StatusLogInterval = 30 * time.Second
	}
	if cfg.MaxLogRange == 0 {
		cfg.MaxLogRange = 2000
	}
	if cfg.ScanBuffer <= 0 {
		cfg.ScanBuffer = 16
	}
	return &Keeper{
		cfg:        cfg,
		lottery:    d.Lottery,
		source:     d.Source,
		classifier: d.Classifier,
		ledger:     d.Ledger,
		fees:       d.Fees,
		audit:      d.Audit,
		metrics:    d.Metrics,
		commit:     d.Commit,
		log:        logger.GetLogger().WithComponent("keeper"),
	}, nil
}

// Run starts the scan, lifecycle and tax activities and blocks until ctx is
// done. The cursor is flushed before it returns.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.initCursor(ctx); err != nil {
		return err
	}
	k.log.WithFields(logger.Fields{
		"cursor":  k.Cursor().String(),
		"venues":  ethutil.HexList(k.cfg.Venues),
		"session": k.audit.Session(),
	}).Info("keeper started")

	var wg sync.WaitGroup
	batches := make(chan scanBatch, k.cfg.ScanBuffer)

	wg.Add(4)
	go func() { defer wg.Done(); k.readLoop(ctx, batches) }()
	go func() { defer wg.Done(); k.submitLoop(ctx, batches) }()
	go func() { defer wg.Done(); k.every(ctx, k.cfg.LifecycleInterval, "lifecycle", k.LifecycleOnce) }()
	go func() { defer wg.Done(); k.every(ctx, k.cfg.TaxSyncInterval, "tax sync", k.SyncTaxOnce) }()
	wg.Wait()

	if err := k.saveCheckpoint(); err != nil {
		k.log.WithError(err).Error("final checkpoint save failed")
	}
	k.log.WithField("cursor", k.Cursor().String()).Info("keeper stopped")
	return nil
}

func (k *Keeper) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			k.log.WithError(err).WithField("activity", name).Warn("activity failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Cursor is the durable scan position: every log at or before it was
// submitted or permanently rejected.
func (k *Keeper) Cursor() state.Cursor {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cursor
}

func (k *Keeper) initCursor(ctx context.Context) error {
	ckpt, ok, err := state.LoadCheckpoint(k.cfg.CheckpointFile)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if ok && !ckpt.Compatible(k.cfg.ChainID, k.cfg.Token, k.cfg.Venues) {
		k.log.WithField("file", k.cfg.CheckpointFile).Warn("checkpoint belongs to a different chain, token or venue set; ignoring it")
		ok = false
	}

	var cursor state.Cursor
	switch {
	case ok:
		cursor = ckpt.Cursor().Rewind(k.cfg.RescanBlocks, k.cfg.StartBlock)
		k.log.WithFields(logger.Fields{
			"checkpoint": ckpt.Cursor().String(),
			"rescan":     cursor.String(),
		}).Info("resuming from checkpoint")
	case k.cfg.StartBlock > 0:
		cursor = state.CursorBeforeBlock(k.cfg.StartBlock)
	default:
		head, err := k.headWithRetry(ctx)
		if err != nil {
			return err
		}
		cursor = state.CursorBeforeBlock(k.safeHead(head) + 1)
	}

	k.mu.Lock()
	k.cursor = cursor
	k.mu.Unlock()
	return nil
}

func (k *Keeper) headWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := k.cfg.Retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		head, err = k.source.Head(ctx)
		return err
	}, nil, k.onRetry("head"))
	if err != nil {
		return 0, fmt.Errorf("head block: %w", err)
	}
	return head, nil
}

func (k *Keeper) safeHead(head uint64) uint64 {
	if head < k.cfg.Confirmations {
		return 0
	}
	return head - k.cfg.Confirmations
}

func (k *Keeper) onRetry(op string) func(int, time.Duration, error) {
	return func(attempt int, wait time.Duration, err error) {
		if k.metrics != nil {
			k.metrics.Retries.WithLabelValues(op).Inc()
		}
		k.log.WithError(err).WithFields(logger.Fields{
			"op":       op,
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Warn("transient failure, retrying")
	}
}

// saveCheckpoint commits applied state, then records the cursor. The
// cursor never runs ahead of committed state.
func (k *Keeper) saveCheckpoint() error {
	cursor := k.Cursor()
	if err := k.commitState(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return state.SaveCheckpoint(k.cfg.CheckpointFile, state.Checkpoint{
		ChainID:               k.cfg.ChainID,
		Token:                 k.cfg.Token.Hex(),
		Venues:                ethutil.HexList(ethutil.SortedAddresses(k.cfg.Venues)),
		LastProcessedBlock:    cursor.Block,
		LastProcessedLogIndex: cursor.Index,
	})
}

func (k *Keeper) commitState() error {
	if k.commit == nil {
		return nil
	}
	k.applyMu.Lock()
	defer k.applyMu.Unlock()
	return k.commit()
}

func (k *Keeper) writeAudit(kind string, data any) {
	if err := k.audit.Write(kind, data); err != nil {
		k.log.WithError(err).WithField("kind", kind).Warn("audit write failed")
	}
}

// isPermanent reports whether retrying err cannot succeed.
func isPermanent(err error) bool {
	if engine.IsRejection(err) {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

func rejectionReason(err error) string {
	if sentinel, ok := engine.RejectionFromReason(err.Error()); ok {
		return sentinel.Error()
	}
	return "revert"
}

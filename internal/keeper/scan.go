package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/logger"
	"github.com/ybc112/daojishi/internal/state"
)

type scanBatch struct {
	gen       uint64
	from, to  uint64
	transfers []classify.Transfer
}

type tradeRecord struct {
	Key    string `json:"key"`
	Trader string `json:"trader"`
	IsBuy  bool   `json:"is_buy"`
	Amount string `json:"amount"`
	Block  uint64 `json:"block"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newTradeRecord(t classify.Trade) tradeRecord {
	return tradeRecord{
		Key:    t.Key,
		Trader: t.Trader.Hex(),
		IsBuy:  t.IsBuy,
		Amount: t.Amount.String(),
		Block:  t.Block,
	}
}

func (k *Keeper) readerPosition() (gen, next uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gen, k.cursor.NextBlock()
}

func (k *Keeper) readLoop(ctx context.Context, out chan<- scanBatch) {
	defer close(out)
	gen, next := k.readerPosition()
	for {
		gen, next = k.readOnce(ctx, out, gen, next)
		if err := sleepTick(ctx, k.cfg.ScanInterval); err != nil {
			return
		}
	}
}

// readOnce pushes batches of confirmed transfers up to the safe head and
// returns where the next read starts. After a rewind it adopts the durable
// cursor and waits for the next tick.
func (k *Keeper) readOnce(ctx context.Context, out chan<- scanBatch, gen, next uint64) (uint64, uint64) {
	if g, n := k.readerPosition(); g != gen {
		k.log.WithField("from", n).Info("scan rewound to durable cursor")
		return g, n
	}

	head, err := k.source.Head(ctx)
	if err != nil {
		if ctx.Err() == nil {
			k.log.WithError(err).Warn("head block read failed")
		}
		return gen, next
	}
	if k.metrics != nil {
		k.metrics.HeadBlock.Set(float64(head))
	}
	safe := k.safeHead(head)

	for next <= safe {
		if g, n := k.readerPosition(); g != gen {
			k.log.WithField("from", n).Info("scan rewound to durable cursor")
			return g, n
		}
		to := next + k.cfg.MaxLogRange - 1
		if to > safe {
			to = safe
		}
		transfers, err := k.source.FetchTransfers(ctx, next, to)
		if err != nil {
			if ctx.Err() == nil {
				k.log.WithError(err).WithFields(logger.Fields{"from": next, "to": to}).Warn("transfer fetch failed")
			}
			return gen, next
		}
		select {
		case out <- scanBatch{gen: gen, from: next, to: to, transfers: transfers}:
		case <-ctx.Done():
			return gen, next
		}
		next = to + 1
	}
	return gen, next
}

func (k *Keeper) submitLoop(ctx context.Context, in <-chan scanBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			if err := k.ProcessBatch(ctx, b.gen, b.to, b.transfers); err != nil && ctx.Err() == nil {
				k.log.WithError(err).WithFields(logger.Fields{"from": b.from, "to": b.to}).Error("batch abandoned; scan will retry from the durable cursor")
			}
		}
	}
}

// ProcessBatch submits transfers read under generation gen in order and
// advances the durable cursor through block to. On the first event that
// cannot be settled it stops, leaves the cursor before that event and
// rewinds the reader.
func (k *Keeper) ProcessBatch(ctx context.Context, gen, to uint64, transfers []classify.Transfer) error {
	k.mu.Lock()
	stale := gen != k.gen
	cursor := k.cursor
	k.mu.Unlock()
	if stale {
		return nil
	}

	for _, tr := range transfers {
		if cursor.Covers(tr.BlockNumber, tr.LogIndex) {
			continue
		}
		if err := k.handleTransfer(ctx, tr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.mu.Lock()
			k.gen++
			k.mu.Unlock()
			if serr := k.saveCheckpoint(); serr != nil {
				k.log.WithError(serr).Warn("checkpoint save failed")
			}
			return fmt.Errorf("transfer %s: %w", classify.Key(tr.TxHash, tr.LogIndex), err)
		}
		k.advance(state.Cursor{Block: tr.BlockNumber, Index: tr.LogIndex})
	}

	k.advance(state.Cursor{Block: to, Index: state.WholeBlock})
	if err := k.saveCheckpoint(); err != nil {
		k.log.WithError(err).Warn("checkpoint save failed")
	}
	return nil
}

// Generation is the current reader generation; batches must carry it to be
// processed.
func (k *Keeper) Generation() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gen
}

func (k *Keeper) advance(c state.Cursor) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !c.After(k.cursor) {
		return
	}
	k.cursor = c
	if k.metrics != nil {
		k.metrics.CursorBlock.Set(float64(c.Block))
	}
}

func (k *Keeper) handleTransfer(ctx context.Context, tr classify.Transfer) error {
	k.applyMu.Lock()
	defer k.applyMu.Unlock()

	if k.fees != nil && tr.To == k.cfg.FeeCollector && tr.From != tr.To && !tr.Removed {
		return k.recordFees(tr)
	}

	trade, ok := k.classifier.Classify(tr)
	if !ok {
		if k.metrics != nil {
			k.metrics.TransfersIgnored.Inc()
		}
		return nil
	}
	if k.metrics != nil {
		k.metrics.TradesSeen.Inc()
	}
	if k.ledger.Seen(trade.Key) {
		if k.metrics != nil {
			k.metrics.TradesDeduped.Inc()
		}
		k.log.WithField("key", trade.Key).Debug("trade already submitted")
		return nil
	}

	err := k.cfg.Retry.Retry(ctx, func(ctx context.Context) error {
		return k.lottery.ReportTrade(ctx, trade)
	}, func(err error) bool { return !isPermanent(err) }, k.onRetry("report_trade"))

	rec := newTradeRecord(trade)
	entry := k.log.WithFields(logger.Fields{
		"key":    trade.Key,
		"trader": rec.Trader,
		"buy":    trade.IsBuy,
		"amount": rec.Amount,
	})
	switch {
	case err == nil:
		if k.metrics != nil {
			k.metrics.TradesSubmitted.Inc()
		}
		k.writeAudit("trade_submitted", rec)
		entry.Info("trade reported")
	case errors.Is(err, engine.ErrUnauthorized):
		// A keeper role problem says nothing about the trade; hold the
		// cursor so it is reported once the role is fixed.
		rec.Error = err.Error()
		k.writeAudit("trade_failed", rec)
		entry.WithError(err).Error("keeper not authorized to report trades; holding cursor")
		return err
	case isPermanent(err):
		rec.Reason = rejectionReason(err)
		if k.metrics != nil {
			k.metrics.TradesRejected.WithLabelValues(rec.Reason).Inc()
		}
		k.writeAudit("trade_rejected", rec)
		entry.WithField("reason", rec.Reason).Info("trade rejected")
	default:
		if ctx.Err() == nil {
			rec.Error = err.Error()
			k.writeAudit("trade_failed", rec)
		}
		return err
	}

	// Rejected trades are marked too: a rescan must not re-evaluate them
	// against a later price or countdown.
	if err := k.ledger.Mark(trade.Key); err != nil {
		entry.WithError(err).Error("dedup ledger write failed")
	}
	return nil
}

func (k *Keeper) recordFees(tr classify.Transfer) error {
	key := "fee:" + classify.Key(tr.TxHash, tr.LogIndex)
	if k.ledger.Seen(key) {
		return nil
	}
	if tr.Value == nil || tr.Value.Sign() == 0 {
		return nil
	}
	if err := k.fees.DepositFees(tr.Value); err != nil {
		return fmt.Errorf("deposit fees: %w", err)
	}
	if k.metrics != nil {
		k.metrics.FeesRecorded.Inc()
	}
	k.writeAudit("fees_recorded", map[string]any{"key": key, "amount": tr.Value.String(), "block": tr.BlockNumber})
	k.log.WithFields(logger.Fields{"key": key, "amount": tr.Value.String()}).Debug("fees recorded")
	if err := k.ledger.Mark(key); err != nil {
		k.log.WithError(err).WithField("key", key).Error("dedup ledger write failed")
	}
	return nil
}

package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/logger"
)

// LifecycleOnce reads the engine status and performs the transition it
// calls for, if any: trigger an expired round, or execute a draw whose
// entropy block is behind the head.
func (k *Keeper) LifecycleOnce(ctx context.Context) error {
	st, err := k.lottery.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if k.metrics != nil {
		k.metrics.ObserveStatus(st)
	}

	switch {
	case st.Phase == engine.PhaseIdle && st.Expired():
		k.syncBeforeDraw(ctx)
		return k.triggerDraw(ctx, st.Round)
	case st.Phase == engine.PhaseDrawing:
		head, err := k.source.Head(ctx)
		if err != nil {
			return fmt.Errorf("head block: %w", err)
		}
		if head <= st.TriggerBlock+k.cfg.DrawMargin {
			k.log.WithFields(logger.Fields{
				"round":   st.Round,
				"trigger": st.TriggerBlock,
				"head":    head,
			}).Debug("waiting for entropy block")
			return nil
		}
		return k.executeDraw(ctx, st.Round)
	default:
		k.logStatus(st)
		return nil
	}
}

func (k *Keeper) syncBeforeDraw(ctx context.Context) {
	err := k.lottery.SyncTax(ctx)
	switch {
	case err == nil:
		k.transitioned("sync_tax", 0)
	case errors.Is(err, engine.ErrNothingToSync):
	default:
		k.log.WithError(err).Warn("tax sync before draw failed; triggering anyway")
	}
}

func (k *Keeper) triggerDraw(ctx context.Context, round uint64) error {
	done := false
	attempt := 0
	err := k.cfg.Retry.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			// The previous attempt may have landed.
			st, err := k.lottery.Status(ctx)
			if err != nil {
				return err
			}
			if st.Round != round || st.Phase == engine.PhaseDrawing {
				done = true
				return nil
			}
		}
		return k.lottery.TriggerDraw(ctx)
	}, func(err error) bool { return !isPermanent(err) }, k.onRetry("trigger_draw"))

	switch {
	case err == nil && done:
		k.log.WithField("round", round).Info("draw already triggered")
		return nil
	case err == nil:
		k.transitioned("trigger_draw", round)
		return nil
	case errors.Is(err, engine.ErrDrawInProgress), errors.Is(err, engine.ErrNotExpired):
		k.log.WithError(err).WithField("round", round).Debug("trigger not applicable")
		return nil
	default:
		return fmt.Errorf("trigger draw round %d: %w", round, err)
	}
}

func (k *Keeper) executeDraw(ctx context.Context, round uint64) error {
	done := false
	attempt := 0
	err := k.cfg.Retry.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			st, err := k.lottery.Status(ctx)
			if err != nil {
				return err
			}
			if st.Round != round || st.Phase != engine.PhaseDrawing {
				done = true
				return nil
			}
		}
		return k.lottery.ExecuteDraw(ctx)
	}, func(err error) bool { return !isPermanent(err) }, k.onRetry("execute_draw"))

	switch {
	case err == nil && done:
		k.log.WithField("round", round).Info("draw already executed")
		return nil
	case err == nil:
		k.transitioned("execute_draw", round)
		return nil
	case errors.Is(err, engine.ErrTooSoon), errors.Is(err, engine.ErrNotDrawing):
		k.log.WithError(err).WithField("round", round).Debug("execute not applicable")
		return nil
	default:
		return fmt.Errorf("execute draw round %d: %w", round, err)
	}
}

// SyncTaxOnce realizes pending fees; having none is not an error.
func (k *Keeper) SyncTaxOnce(ctx context.Context) error {
	err := k.cfg.Retry.Retry(ctx, k.lottery.SyncTax, func(err error) bool { return !isPermanent(err) }, k.onRetry("sync_tax"))
	switch {
	case err == nil:
		k.transitioned("sync_tax", 0)
		return nil
	case errors.Is(err, engine.ErrNothingToSync):
		return nil
	default:
		return fmt.Errorf("sync tax: %w", err)
	}
}

func (k *Keeper) transitioned(action string, round uint64) {
	if k.metrics != nil {
		k.metrics.Lifecycle.WithLabelValues(action).Inc()
	}
	data := map[string]any{"action": action}
	if round > 0 {
		data["round"] = round
	}
	k.writeAudit("lifecycle", data)
	k.log.WithFields(logger.Fields(data)).Info("lifecycle transition")
	if err := k.commitState(); err != nil {
		k.log.WithError(err).WithField("action", action).Error("state commit failed")
	}
}

func (k *Keeper) logStatus(st engine.Status) {
	k.mu.Lock()
	due := time.Since(k.lastStatusLog) >= k.cfg.StatusLogInterval
	if due {
		k.lastStatusLog = time.Now()
	}
	k.mu.Unlock()
	if !due {
		return
	}
	k.log.WithFields(logger.Fields{
		"round":        st.Round,
		"remaining":    st.Remaining().Round(time.Second).String(),
		"pool":         st.TotalPool().String(),
		"participants": st.ParticipantCount,
	}).Info("round status")
}

func sleepTick(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReportTrade applies one buy or sell by trader. Buys pull the deadline in
// by a decaying step and raise the trader's rate; sells push the deadline
// out and reset the rate to base.
func (e *Engine) ReportTrade(ctx context.Context, caller, trader common.Address, isBuy bool, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.keeper {
		return ErrUnauthorized
	}
	if e.phase == PhaseDrawing {
		return ErrDrawInProgress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if e.isExcludedLocked(trader) {
		return ErrSelfTrade
	}
	usd, err := e.price.USDValue(ctx, amount)
	if err != nil {
		return fmt.Errorf("price reference: %w", err)
	}
	if usd.LessThan(e.params.MinTradeUSD) {
		return ErrBelowMinimum
	}

	now := e.clock.Now()
	rec := UserRate{Rate: e.params.BaseRate}
	if prev, ok := e.users[trader]; ok {
		rec = *prev
	}
	// An expired countdown is frozen until the draw is triggered.
	frozen := !now.Before(e.deadline)
	deadline := e.deadline

	if isBuy {
		if !e.batchedLocked(rec, now) {
			step := e.nextBuyStep(&rec, now)
			if !frozen {
				deadline = deadline.Add(-step)
				if deadline.Before(now) {
					deadline = now
				}
			}
			rec.Rate = e.bonusRate(&rec, now)
			rec.LastBuyAt = now
		}
	} else {
		if !frozen {
			deadline = deadline.Add(e.params.SellStep)
			if limit := now.Add(e.params.MaxCountdown); deadline.After(limit) {
				deadline = limit
			}
		}
		rec.Rate = e.params.BaseRate
		rec.BuyStreak = 0
		rec.LastBuyAt = time.Time{}
	}
	rec.LastTradeAt = now

	if rec.Rate < e.params.BaseRate || rec.Rate > e.params.MaxRate {
		return fmt.Errorf("%w: rate %d outside [%d,%d]", ErrInvariant, rec.Rate, e.params.BaseRate, e.params.MaxRate)
	}
	if !deadline.Equal(e.deadline) && (deadline.Before(now) || deadline.After(now.Add(e.params.MaxCountdown))) {
		return fmt.Errorf("%w: deadline %s outside [now, now+%s]", ErrInvariant, deadline, e.params.MaxCountdown)
	}

	newParticipant := rec.ParticipantRound != e.round
	rec.ParticipantRound = e.round
	e.users[trader] = &rec
	if newParticipant {
		e.participants = append(e.participants, trader)
	}

	events := []Event{{
		Name:   EventTradeReported,
		Round:  e.round,
		At:     now,
		Trader: trader,
		IsBuy:  isBuy,
		Amount: cloneBig(amount),
	}}
	if change := deadline.Sub(e.deadline); change != 0 {
		e.deadline = deadline
		events = append(events, Event{
			Name:          EventCountdownUpdated,
			Round:         e.round,
			At:            now,
			Deadline:      deadline,
			ChangeSeconds: int64(change / time.Second),
		})
	}
	e.emitLocked(events)
	return nil
}

// batchedLocked reports whether a buy falls inside the batch window of the
// trader's last counted buy this round.
func (e *Engine) batchedLocked(rec UserRate, now time.Time) bool {
	if e.params.BatchWindow <= 0 || rec.LastBuyAt.IsZero() || rec.ParticipantRound != e.round {
		return false
	}
	return now.Sub(rec.LastBuyAt) < e.params.BatchWindow
}

// nextBuyStep returns BuyStep halved once per previous buy in the current
// streak, never below MinDecayStep, and advances the streak.
func (e *Engine) nextBuyStep(rec *UserRate, now time.Time) time.Duration {
	if rec.LastBuyAt.IsZero() || (e.params.StreakResetAfter > 0 && now.Sub(rec.LastBuyAt) >= e.params.StreakResetAfter) {
		rec.BuyStreak = 0
	}
	step := e.params.MinDecayStep
	if rec.BuyStreak < 63 {
		if s := e.params.BuyStep >> rec.BuyStreak; s > step {
			step = s
		}
	}
	if rec.BuyStreak < ^uint32(0) {
		rec.BuyStreak++
	}
	return step
}

func (e *Engine) bonusRate(rec *UserRate, now time.Time) uint32 {
	day := now.Unix() / int64(bonusDay/time.Second)
	if rec.BonusDay != day {
		rec.BonusDay = day
		rec.BonusToday = 0
	}
	bonus := e.params.BuyBonus
	if e.params.DailyBonusCap > 0 {
		room := uint32(0)
		if e.params.DailyBonusCap > rec.BonusToday {
			room = e.params.DailyBonusCap - rec.BonusToday
		}
		bonus = min(bonus, room)
	}
	if rec.Rate >= e.params.MaxRate {
		return e.params.MaxRate
	}
	bonus = min(bonus, e.params.MaxRate-rec.Rate)
	rec.BonusToday += bonus
	return rec.Rate + bonus
}

// SuggestedStep previews the countdown reduction the next buy by trader would
// cause at the current time.
func (e *Engine) SuggestedStep(trader common.Address) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := UserRate{}
	if prev, ok := e.users[trader]; ok {
		rec = *prev
	}
	return e.nextBuyStep(&rec, e.clock.Now())
}

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func (e *Engine) requireDrawerLocked(caller common.Address) error {
	if e.params.OpenTrigger || caller == e.keeper {
		return nil
	}
	return ErrUnauthorized
}

// TriggerDraw moves an expired round into the Drawing phase and records the
// block it happened in.
func (e *Engine) TriggerDraw(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireDrawerLocked(caller); err != nil {
		return err
	}
	if e.phase == PhaseDrawing {
		return ErrDrawInProgress
	}
	now := e.clock.Now()
	if now.Before(e.deadline) {
		return ErrNotExpired
	}
	head, err := e.blocks.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	e.phase = PhaseDrawing
	e.triggerBlock = head
	e.emitLocked([]Event{{
		Name:      EventDrawTriggered,
		Round:     e.round,
		At:        now,
		PrizePool: addBig(e.prizePool, e.rollover),
	}})
	return nil
}

// EntropyBlock is the block whose hash seeds the draw triggered at
// triggerBlock. It does not exist yet when the trigger is mined.
func (e *Engine) entropyBlockLocked() uint64 {
	return e.triggerBlock + e.params.ConfirmBlocks
}

// ExecuteDraw pays out the round being drawn, rolls the rest over and opens
// the next round.
func (e *Engine) ExecuteDraw(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireDrawerLocked(caller); err != nil {
		return err
	}
	if e.phase != PhaseDrawing {
		return ErrNotDrawing
	}
	head, err := e.blocks.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	entropyBlock := e.entropyBlockLocked()
	if head <= entropyBlock {
		return ErrTooSoon
	}
	blockHash, err := e.blocks.BlockHash(ctx, entropyBlock)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", entropyBlock, err)
	}
	if (blockHash == common.Hash{}) {
		return fmt.Errorf("block hash %d unavailable", entropyBlock)
	}

	total := addBig(e.prizePool, e.rollover)
	seed := drawSeed(blockHash, e.round, total)

	eligible := make([]candidate, 0, len(e.participants))
	for _, addr := range e.participants {
		rec, ok := e.users[addr]
		if !ok || rec.ParticipantRound != e.round {
			continue
		}
		bal, err := e.holdings.BalanceOf(ctx, addr)
		if err != nil {
			return fmt.Errorf("holding of %s: %w", addr.Hex(), err)
		}
		if bal == nil || bal.Cmp(e.params.MinHolding) < 0 {
			continue
		}
		eligible = append(eligible, candidate{addr: addr, weight: uint64(rec.Rate)})
	}

	plan := planDistribution(total, eligible, seed, e.params)
	if new(big.Int).Add(plan.distributed, plan.rollover).Cmp(total) != 0 {
		return fmt.Errorf("%w: distributed %s + rollover %s != pool %s", ErrInvariant, plan.distributed, plan.rollover, total)
	}

	now := e.clock.Now()
	closed := ClosedRound{
		Round:         e.round,
		TriggerBlock:  e.triggerBlock,
		EntropyBlock:  entropyBlock,
		Seed:          seed,
		TotalPool:     total,
		Distributed:   plan.distributed,
		Rollover:      plan.rollover,
		Marketing:     cloneBig(e.roundMarketing),
		Participants:  append([]common.Address(nil), e.participants...),
		EligibleCount: len(eligible),
		Awards:        plan.awards,
		ExecutedAt:    now,
	}
	if e.archive != nil {
		if err := e.archive.SaveRound(ctx, closed); err != nil {
			return fmt.Errorf("archive round %d: %w", e.round, err)
		}
	}

	e.commitDrawLocked(closed, now)
	return nil
}

// RecoverDraw completes a draw whose closed round reached the archive but
// whose state change did not, as after a crash between the two. The archived
// round is applied as is; nothing is drawn again.
func (e *Engine) RecoverDraw(closed ClosedRound) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseDrawing {
		return ErrNotDrawing
	}
	if closed.Round != e.round {
		return fmt.Errorf("recover draw: archived round %d, engine at %d", closed.Round, e.round)
	}
	total := addBig(e.prizePool, e.rollover)
	if closed.TotalPool == nil || closed.TotalPool.Cmp(total) != 0 {
		return fmt.Errorf("%w: archived pool %s, engine pool %s", ErrInvariant, closed.TotalPool, total)
	}
	if closed.Distributed == nil || closed.Rollover == nil || new(big.Int).Add(closed.Distributed, closed.Rollover).Cmp(total) != 0 {
		return fmt.Errorf("%w: archived distributed %s + rollover %s != pool %s", ErrInvariant, closed.Distributed, closed.Rollover, total)
	}
	e.commitDrawLocked(closed, e.clock.Now())
	return nil
}

func (e *Engine) commitDrawLocked(closed ClosedRound, now time.Time) {
	events := make([]Event, 0, len(closed.Awards)+3)
	for _, a := range closed.Awards {
		w := e.winnings[a.Winner]
		if w == nil {
			w = new(big.Int)
			e.winnings[a.Winner] = w
		}
		w.Add(w, a.Amount)
		events = append(events, Event{
			Name:      EventPrizeAwarded,
			Round:     e.round,
			At:        now,
			Trader:    a.Winner,
			Amount:    cloneBig(a.Amount),
			PrizeType: a.Type,
		})
	}
	events = append(events, Event{Name: EventDrawExecuted, Round: e.round, At: now})

	e.rememberLocked(closed)
	e.rollover = cloneBig(closed.Rollover)
	e.prizePool = new(big.Int)
	e.roundMarketing = new(big.Int)
	e.round++
	e.phase = PhaseIdle
	e.triggerBlock = 0
	e.deadline = now.Add(e.params.InitialCountdown)
	e.participants = nil
	if e.params.ResetRatesOnRound {
		for _, rec := range e.users {
			rec.Rate = e.params.BaseRate
			rec.BuyStreak = 0
			rec.LastBuyAt = time.Time{}
		}
	}

	events = append(events,
		Event{Name: EventRoundReset, Round: e.round, At: now, Rollover: cloneBig(e.rollover)},
		Event{Name: EventCountdownUpdated, Round: e.round, At: now, Deadline: e.deadline},
	)
	e.emitLocked(events)
}

func drawSeed(blockHash common.Hash, round uint64, total *big.Int) common.Hash {
	var roundBytes [8]byte
	binary.BigEndian.PutUint64(roundBytes[:], round)
	var totalBytes [32]byte
	total.FillBytes(totalBytes[:])
	return crypto.Keccak256Hash(blockHash.Bytes(), roundBytes[:], totalBytes[:])
}

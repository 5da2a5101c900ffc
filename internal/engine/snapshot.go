package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the full mutable state of an engine, for host-level
// persistence across restarts.
type Snapshot struct {
	Owner           common.Address   `json:"owner"`
	Keeper          common.Address   `json:"keeper"`
	Token           common.Address   `json:"token"`
	DexPair         common.Address   `json:"dex_pair"`
	MarketingWallet common.Address   `json:"marketing_wallet"`
	Excluded        []common.Address `json:"excluded"`
	OpenTrigger     bool             `json:"open_trigger"`

	Round          uint64    `json:"round"`
	Phase          Phase     `json:"phase"`
	Deadline       time.Time `json:"deadline"`
	TriggerBlock   uint64    `json:"trigger_block"`
	PrizePool      *big.Int  `json:"prize_pool"`
	Rollover       *big.Int  `json:"rollover"`
	Marketing      *big.Int  `json:"marketing"`
	RoundMarketing *big.Int  `json:"round_marketing"`
	Unsynced       *big.Int  `json:"unsynced"`

	Users        map[common.Address]UserRate `json:"users"`
	Participants []common.Address            `json:"participants"`
	Winnings     map[common.Address]*big.Int `json:"winnings"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Owner:           e.owner,
		Keeper:          e.keeper,
		Token:           e.token,
		DexPair:         e.dexPair,
		MarketingWallet: e.marketingWallet,
		OpenTrigger:     e.params.OpenTrigger,
		Round:           e.round,
		Phase:           e.phase,
		Deadline:        e.deadline,
		TriggerBlock:    e.triggerBlock,
		PrizePool:       cloneBig(e.prizePool),
		Rollover:        cloneBig(e.rollover),
		Marketing:       cloneBig(e.marketing),
		RoundMarketing:  cloneBig(e.roundMarketing),
		Unsynced:        cloneBig(e.unsynced),
		Users:           make(map[common.Address]UserRate, len(e.users)),
		Participants:    append([]common.Address(nil), e.participants...),
		Winnings:        make(map[common.Address]*big.Int, len(e.winnings)),
	}
	for a := range e.excluded {
		s.Excluded = append(s.Excluded, a)
	}
	for a, rec := range e.users {
		s.Users[a] = *rec
	}
	for a, w := range e.winnings {
		s.Winnings[a] = cloneBig(w)
	}
	return s
}

// Restore replaces the engine state with s after checking its invariants.
func (e *Engine) Restore(s Snapshot) error {
	if s.Round == 0 {
		return fmt.Errorf("restore: round must start at 1")
	}
	if s.Phase != PhaseIdle && s.Phase != PhaseDrawing {
		return fmt.Errorf("restore: unknown phase %d", s.Phase)
	}
	if (s.Owner == common.Address{}) {
		return fmt.Errorf("restore: owner missing")
	}
	for _, x := range []*big.Int{s.PrizePool, s.Rollover, s.Marketing, s.RoundMarketing, s.Unsynced} {
		if x != nil && x.Sign() < 0 {
			return fmt.Errorf("restore: negative pool value %s", x)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for a, rec := range s.Users {
		if rec.Rate < e.params.BaseRate || rec.Rate > e.params.MaxRate {
			return fmt.Errorf("restore: rate %d of %s outside [%d,%d]", rec.Rate, a.Hex(), e.params.BaseRate, e.params.MaxRate)
		}
	}

	e.owner = s.Owner
	e.keeper = s.Keeper
	e.token = s.Token
	e.dexPair = s.DexPair
	e.marketingWallet = s.MarketingWallet
	e.params.OpenTrigger = s.OpenTrigger
	e.excluded = make(map[common.Address]struct{}, len(s.Excluded))
	for _, a := range s.Excluded {
		e.excluded[a] = struct{}{}
	}

	e.round = s.Round
	e.phase = s.Phase
	e.deadline = s.Deadline
	e.triggerBlock = s.TriggerBlock
	e.prizePool = cloneBig(s.PrizePool)
	e.rollover = cloneBig(s.Rollover)
	e.marketing = cloneBig(s.Marketing)
	e.roundMarketing = cloneBig(s.RoundMarketing)
	e.unsynced = cloneBig(s.Unsynced)

	e.users = make(map[common.Address]*UserRate, len(s.Users))
	for a, rec := range s.Users {
		rec := rec
		e.users[a] = &rec
	}
	e.participants = append([]common.Address(nil), s.Participants...)
	e.winnings = make(map[common.Address]*big.Int, len(s.Winnings))
	for a, w := range s.Winnings {
		e.winnings[a] = cloneBig(w)
	}
	e.history = make(map[uint64]ClosedRound)
	return nil
}

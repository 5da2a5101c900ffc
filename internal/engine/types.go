package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseDrawing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDrawing:
		return "drawing"
	default:
		return "unknown"
	}
}

type PrizeType uint8

const (
	PrizeGrand PrizeType = iota
	PrizeMinor
	PrizeSunshine
)

func (t PrizeType) String() string {
	switch t {
	case PrizeGrand:
		return "grand"
	case PrizeMinor:
		return "minor"
	case PrizeSunshine:
		return "sunshine"
	default:
		return "unknown"
	}
}

// Status is the public read view of the engine.
type Status struct {
	Round            uint64    `json:"round"`
	Phase            Phase     `json:"phase"`
	Deadline         time.Time `json:"deadline"`
	Now              time.Time `json:"now"`
	TriggerBlock     uint64    `json:"trigger_block"`
	PrizePool        *big.Int  `json:"prize_pool"`
	Rollover         *big.Int  `json:"rollover"`
	Marketing        *big.Int  `json:"marketing"`
	RoundMarketing   *big.Int  `json:"round_marketing"`
	UnsyncedFees     *big.Int  `json:"unsynced_fees"`
	ParticipantCount int       `json:"participant_count"`
}

// Remaining is the countdown left at s.Now; never negative.
func (s Status) Remaining() time.Duration {
	if !s.Deadline.After(s.Now) {
		return 0
	}
	return s.Deadline.Sub(s.Now)
}

// Expired reports whether a draw may be triggered at s.Now.
func (s Status) Expired() bool {
	return !s.Now.Before(s.Deadline)
}

func (s Status) TotalPool() *big.Int {
	return addBig(s.PrizePool, s.Rollover)
}

// UserRate is the per-address burst rate record.
type UserRate struct {
	Rate             uint32    `json:"rate_bp"`
	LastTradeAt      time.Time `json:"last_trade_at"`
	LastBuyAt        time.Time `json:"last_buy_at"`
	BuyStreak        uint32    `json:"buy_streak"`
	ParticipantRound uint64    `json:"participant_round"`
	BonusDay         int64     `json:"bonus_day"`
	BonusToday       uint32    `json:"bonus_today"`
}

// Award is one payout credited at draw execution.
type Award struct {
	Winner common.Address `json:"winner"`
	Amount *big.Int       `json:"amount"`
	Type   PrizeType      `json:"type"`
}

// ClosedRound is the immutable record of an executed draw.
type ClosedRound struct {
	Round         uint64           `json:"round"`
	TriggerBlock  uint64           `json:"trigger_block"`
	EntropyBlock  uint64           `json:"entropy_block"`
	Seed          common.Hash      `json:"seed"`
	TotalPool     *big.Int         `json:"total_pool"`
	Distributed   *big.Int         `json:"distributed"`
	Rollover      *big.Int         `json:"rollover"`
	Marketing     *big.Int         `json:"marketing"`
	Participants  []common.Address `json:"participants"`
	EligibleCount int              `json:"eligible_count"`
	Awards        []Award          `json:"awards"`
	ExecutedAt    time.Time        `json:"executed_at"`
}

func addBig(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Add(out, a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// pct returns floor(x * p / 100).
func pct(x *big.Int, p uint64) *big.Int {
	out := new(big.Int).Mul(x, new(big.Int).SetUint64(p))
	return out.Quo(out, big.NewInt(100))
}

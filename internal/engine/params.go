package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Params holds the business rules of the lottery. Zero values are not
// meaningful; start from DefaultParams.
type Params struct {
	InitialCountdown time.Duration
	MaxCountdown     time.Duration
	BuyStep          time.Duration
	SellStep         time.Duration
	MinDecayStep     time.Duration
	StreakResetAfter time.Duration
	// BatchWindow > 0 folds buys from one address inside the window into a
	// single countdown/rate effect.
	BatchWindow time.Duration

	BaseRate          uint32
	BuyBonus          uint32
	MaxRate           uint32
	DailyBonusCap     uint32
	ResetRatesOnRound bool

	MinTradeUSD decimal.Decimal
	MinHolding  *big.Int

	ConfirmBlocks uint64
	OpenTrigger   bool

	PoolSharePct uint64
	GrandPct     uint64
	MinorPct     uint64
	SunshinePct  uint64
	MinorWinners int
}

const (
	rolloverPct = 50
	bonusDay    = 24 * time.Hour
)

func DefaultParams() Params {
	minHolding, _ := new(big.Int).SetString("500000000000000000000000", 10) // 500,000 * 1e18
	return Params{
		InitialCountdown:  100 * time.Minute,
		MaxCountdown:      200 * time.Minute,
		BuyStep:           time.Minute,
		SellStep:          time.Minute,
		MinDecayStep:      time.Second,
		StreakResetAfter:  24 * time.Hour,
		BaseRate:          50,
		BuyBonus:          20,
		MaxRate:           500,
		DailyBonusCap:     450,
		ResetRatesOnRound: true,
		MinTradeUSD:       decimal.NewFromInt(20),
		MinHolding:        minHolding,
		ConfirmBlocks:     2,
		PoolSharePct:      80,
		GrandPct:          30,
		MinorPct:          15,
		SunshinePct:       5,
		MinorWinners:      3,
	}
}

func (p Params) Validate() error {
	if p.InitialCountdown <= 0 || p.MaxCountdown < p.InitialCountdown {
		return fmt.Errorf("countdown: initial=%s max=%s", p.InitialCountdown, p.MaxCountdown)
	}
	if p.BuyStep <= 0 || p.SellStep <= 0 {
		return fmt.Errorf("countdown steps must be positive (buy=%s sell=%s)", p.BuyStep, p.SellStep)
	}
	if p.MinDecayStep <= 0 || p.MinDecayStep > p.BuyStep {
		return fmt.Errorf("min decay step %s must be in (0, %s]", p.MinDecayStep, p.BuyStep)
	}
	if p.BatchWindow < 0 || p.StreakResetAfter < 0 {
		return fmt.Errorf("negative window")
	}
	if p.BaseRate == 0 || p.MaxRate < p.BaseRate {
		return fmt.Errorf("rate bounds: base=%d max=%d", p.BaseRate, p.MaxRate)
	}
	if p.MinTradeUSD.IsNegative() {
		return fmt.Errorf("min trade usd must not be negative")
	}
	if p.MinHolding == nil || p.MinHolding.Sign() < 0 {
		return fmt.Errorf("min holding must be set and non-negative")
	}
	if p.PoolSharePct > 100 {
		return fmt.Errorf("pool share %d%% > 100%%", p.PoolSharePct)
	}
	if p.GrandPct+p.MinorPct+p.SunshinePct != 100-rolloverPct {
		return fmt.Errorf("prize split %d/%d/%d must sum to %d", p.GrandPct, p.MinorPct, p.SunshinePct, 100-rolloverPct)
	}
	if p.MinorWinners < 0 {
		return fmt.Errorf("minor winners must not be negative")
	}
	return nil
}

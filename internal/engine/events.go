package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event names match the contract events of the deployed engine.
const (
	EventTradeReported    = "TradeReported"
	EventCountdownUpdated = "CountdownUpdated"
	EventDrawTriggered    = "DrawTriggered"
	EventDrawExecuted     = "DrawExecuted"
	EventPrizeAwarded     = "PrizeAwarded"
	EventRoundReset       = "RoundReset"
	EventTaxSynced        = "TaxSynced"
)

// Event is a committed state change. Only the fields relevant to Name are set.
type Event struct {
	Name  string    `json:"event"`
	Round uint64    `json:"round"`
	At    time.Time `json:"at"`

	Trader common.Address `json:"trader,omitempty"`
	IsBuy  bool           `json:"is_buy,omitempty"`
	Amount *big.Int       `json:"amount,omitempty"`

	Deadline      time.Time `json:"deadline,omitempty"`
	ChangeSeconds int64     `json:"change_seconds,omitempty"`

	PrizePool *big.Int  `json:"prize_pool,omitempty"`
	PrizeType PrizeType `json:"prize_type,omitempty"`
	Rollover  *big.Int  `json:"rollover,omitempty"`

	PoolShare      *big.Int `json:"pool_share,omitempty"`
	MarketingShare *big.Int `json:"marketing_share,omitempty"`
}

// EventSink receives events after commit, in commit order. Sinks run under
// the engine lock and must not call back into the engine.
type EventSink interface {
	HandleEvent(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) HandleEvent(ev Event) { f(ev) }

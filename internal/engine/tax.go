package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DepositFees records fee revenue delivered to the engine by the token's tax
// mechanism. It is only realized into the pools by SyncTax.
func (e *Engine) DepositFees(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsynced.Add(e.unsynced, amount)
	return nil
}

// SyncTax splits unsynced fees between the prize pool and marketing. It is
// allowed in both phases and open to any caller.
func (e *Engine) SyncTax(_ context.Context, _ common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unsynced.Sign() == 0 {
		return ErrNothingToSync
	}
	newTax := cloneBig(e.unsynced)
	poolShare := pct(newTax, e.params.PoolSharePct)
	marketingShare := new(big.Int).Sub(newTax, poolShare)

	e.prizePool.Add(e.prizePool, poolShare)
	e.marketing.Add(e.marketing, marketingShare)
	e.roundMarketing.Add(e.roundMarketing, marketingShare)
	e.unsynced = new(big.Int)

	e.emitLocked([]Event{{
		Name:           EventTaxSynced,
		Round:          e.round,
		At:             e.clock.Now(),
		Amount:         newTax,
		PoolShare:      cloneBig(poolShare),
		MarketingShare: cloneBig(marketingShare),
	}})
	return nil
}

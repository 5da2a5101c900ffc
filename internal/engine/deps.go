package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// BlockSource exposes the block data used to time and seed draws.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
}

// Holdings answers balanceOf on the watched token.
type Holdings interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// PriceReference converts a raw token amount into USD.
type PriceReference interface {
	USDValue(ctx context.Context, amount *big.Int) (decimal.Decimal, error)
}

// RoundArchive stores closed rounds. A failing archive aborts the draw.
type RoundArchive interface {
	SaveRound(ctx context.Context, r ClosedRound) error
}

// FixedPrice values every token at a constant USD price.
type FixedPrice struct {
	USDPerToken decimal.Decimal
	Decimals    int32
}

func (p FixedPrice) USDValue(_ context.Context, amount *big.Int) (decimal.Decimal, error) {
	if amount == nil || amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("invalid amount")
	}
	tokens := decimal.NewFromBigInt(amount, -p.Decimals)
	return tokens.Mul(p.USDPerToken), nil
}

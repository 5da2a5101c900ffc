package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// AggregatorPrice values token amounts with a Chainlink-style USD feed.
// Answers are cached for CacheFor and rejected once older than MaxAge.
type AggregatorPrice struct {
	pool          *Pool
	feed          common.Address
	abi           abi.ABI
	tokenDecimals int32

	CacheFor time.Duration
	MaxAge   time.Duration

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
}

func NewAggregatorPrice(pool *Pool, feed common.Address, tokenDecimals int32) (*AggregatorPrice, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("aggregator abi parse: %w", err)
	}
	return &AggregatorPrice{
		pool:          pool,
		feed:          feed,
		abi:           parsed,
		tokenDecimals: tokenDecimals,
		CacheFor:      30 * time.Second,
		MaxAge:        24 * time.Hour,
	}, nil
}

func (p *AggregatorPrice) USDValue(ctx context.Context, amount *big.Int) (decimal.Decimal, error) {
	if amount == nil || amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("invalid amount")
	}
	price, err := p.latest(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(amount, -p.tokenDecimals).Mul(price), nil
}

func (p *AggregatorPrice) latest(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fetchedAt.IsZero() && time.Since(p.fetchedAt) < p.CacheFor {
		return p.price, nil
	}

	var (
		dec     uint8
		answer  *big.Int
		updated *big.Int
	)
	err := p.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		feed := bind.NewBoundContract(p.feed, p.abi, c, c, c)
		opts := &bind.CallOpts{Context: ctx}

		var out []interface{}
		if err := feed.Call(opts, &out, "decimals"); err != nil {
			return err
		}
		d, ok := out[0].(uint8)
		if !ok {
			return fmt.Errorf("decimals: unexpected type %T", out[0])
		}
		dec = d

		out = nil
		if err := feed.Call(opts, &out, "latestRoundData"); err != nil {
			return err
		}
		if len(out) != 5 {
			return fmt.Errorf("latestRoundData: unexpected result len %d", len(out))
		}
		var ok1, ok2 bool
		answer, ok1 = out[1].(*big.Int)
		updated, ok2 = out[3].(*big.Int)
		if !ok1 || !ok2 {
			return fmt.Errorf("latestRoundData: unexpected types %T, %T", out[1], out[3])
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed %s: %w", p.feed.Hex(), err)
	}
	if answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price feed %s: non-positive answer %s", p.feed.Hex(), answer)
	}
	if p.MaxAge > 0 && time.Since(time.Unix(updated.Int64(), 0)) > p.MaxAge {
		return decimal.Zero, fmt.Errorf("price feed %s: stale answer from %s", p.feed.Hex(), time.Unix(updated.Int64(), 0).UTC())
	}

	p.price = decimal.NewFromBigInt(answer, -int32(dec))
	p.fetchedAt = time.Now()
	return p.price, nil
}

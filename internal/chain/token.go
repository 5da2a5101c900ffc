package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	erc20DecimalsSelector  = crypto.Keccak256([]byte("decimals()"))[:4]
)

// Token answers ERC-20 reads on the watched token.
type Token struct {
	pool    *Pool
	address common.Address
}

func NewToken(pool *Pool, address common.Address) *Token {
	return &Token{pool: pool, address: address}
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) callUint256(ctx context.Context, data []byte) (*big.Int, error) {
	var out []byte
	err := t.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		out, err = c.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	return new(big.Int).SetBytes(out), nil
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	bal, err := t.callUint256(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s): %w", owner.Hex(), err)
	}
	return bal, nil
}

func (t *Token) Decimals(ctx context.Context) (int32, error) {
	d, err := t.callUint256(ctx, erc20DecimalsSelector)
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	if !d.IsInt64() || d.Int64() > 77 {
		return 0, fmt.Errorf("decimals out of range: %s", d)
	}
	return int32(d.Int64()), nil
}

// Blocks serves head numbers and block hashes for draw timing and seeding.
type Blocks struct {
	pool *Pool
}

func NewBlocks(pool *Pool) *Blocks {
	return &Blocks{pool: pool}
}

func (b *Blocks) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := b.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (b *Blocks) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	var hash common.Hash
	err := b.pool.Call(ctx, func(ctx context.Context, c *ethclient.Client) error {
		h, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		hash = h.Hash()
		return nil
	})
	return hash, err
}

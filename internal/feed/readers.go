package feed

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/chain"
	"github.com/ybc112/daojishi/internal/engine"
)

// EngineReader reads an in-process engine.
type EngineReader struct {
	Engine *engine.Engine
}

func (r EngineReader) Status(context.Context) (engine.Status, error) {
	return r.Engine.Status(), nil
}

func (r EngineReader) Account(_ context.Context, addr common.Address) (Account, error) {
	rec := r.Engine.UserRate(addr)
	return Account{
		Address:     addr.Hex(),
		RateBP:      rec.Rate,
		Participant: r.Engine.IsParticipant(addr),
		Winnings:    r.Engine.Winnings(addr).String(),
	}, nil
}

// ChainReader reads a deployed engine contract.
type ChainReader struct {
	Lottery *chain.Lottery
}

func (r ChainReader) Status(ctx context.Context) (engine.Status, error) {
	return r.Lottery.Status(ctx)
}

func (r ChainReader) Account(ctx context.Context, addr common.Address) (Account, error) {
	rate, err := r.Lottery.UserRate(ctx, addr)
	if err != nil {
		return Account{}, err
	}
	participant, err := r.Lottery.IsParticipant(ctx, addr)
	if err != nil {
		return Account{}, err
	}
	return Account{Address: addr.Hex(), RateBP: rate, Participant: participant}, nil
}

package keeper

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/classify"
	"github.com/ybc112/daojishi/internal/engine"
)

// Local drives an in-process engine, calling it as Caller.
type Local struct {
	Engine *engine.Engine
	Caller common.Address
}

func (l Local) ReportTrade(ctx context.Context, t classify.Trade) error {
	return l.Engine.ReportTrade(ctx, l.Caller, t.Trader, t.IsBuy, t.Amount)
}

func (l Local) TriggerDraw(ctx context.Context) error {
	return l.Engine.TriggerDraw(ctx, l.Caller)
}

func (l Local) ExecuteDraw(ctx context.Context) error {
	return l.Engine.ExecuteDraw(ctx, l.Caller)
}

func (l Local) SyncTax(ctx context.Context) error {
	return l.Engine.SyncTax(ctx, l.Caller)
}

func (l Local) Status(context.Context) (engine.Status, error) {
	return l.Engine.Status(), nil
}

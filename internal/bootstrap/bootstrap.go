// Package bootstrap wires the shared runtime of the binaries from config.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ybc112/daojishi/internal/chain"
	"github.com/ybc112/daojishi/internal/config"
	"github.com/ybc112/daojishi/internal/dedup"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/jsonl"
	"github.com/ybc112/daojishi/internal/keeper"
	"github.com/ybc112/daojishi/internal/logger"
	"github.com/ybc112/daojishi/internal/metrics"
	"github.com/ybc112/daojishi/internal/state"
)

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// LoadConfig reads the config and applies its logging section.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	l := cfg.Logging
	if err := logger.GetLogger().Configure(l.Level, l.Format, l.Output, l.MaxAgeDays); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime holds the long-lived pieces shared by the keeper binaries.
type Runtime struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Pool     *chain.Pool
	Store    *state.Store
	Audit    *jsonl.Writer
	Venues   []common.Address

	log *logger.Entry
}

func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		log:      logger.GetLogger().WithComponent("bootstrap"),
	}
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.New(rt.Registry)

	venues, err := cfg.Chain.VenueAddresses()
	if err != nil {
		return nil, err
	}
	rt.Venues = venues

	rt.Pool, err = chain.Dial(ctx, chain.PoolConfig{
		URLs:              cfg.Chain.RPCURLs,
		ChainID:           cfg.Chain.ChainID,
		DialTimeout:       cfg.Chain.DialTimeout,
		FailureThreshold:  cfg.Chain.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:   cfg.Chain.CircuitBreaker.RecoveryTimeout,
		RequestsPerSecond: cfg.Chain.RateLimit.RequestsPerSecond,
		Burst:             cfg.Chain.RateLimit.BurstSize,
		Metrics:           rt.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	rt.Store, err = state.Open(cfg.Storage.DBFile)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Audit, err = jsonl.New(cfg.Storage.AuditLog, 100)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return rt, nil
}

func (rt *Runtime) Close() {
	if err := rt.Audit.Close(); err != nil {
		rt.log.WithError(err).Warn("audit log close failed")
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			rt.log.WithError(err).Warn("store close failed")
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// NewLedger builds the dedup ledger over backend: the store itself for
// write-through keys, or a journal committed together with engine state.
func (rt *Runtime) NewLedger(backend dedup.Backend) (*dedup.Ledger, error) {
	return dedup.New(rt.Config.Keeper.DedupCapacity, backend)
}

// ServeMetrics exposes /metrics in the background when enabled.
func (rt *Runtime) ServeMetrics(ctx context.Context) {
	if !rt.Config.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, rt.Config.Metrics.Listen, rt.Registry); err != nil {
			rt.log.WithError(err).Error("metrics server failed")
		}
	}()
	rt.log.WithField("listen", rt.Config.Metrics.Listen).Info("metrics enabled")
}

// Price is the configured aggregator, or the fixed price when none is set.
func (rt *Runtime) Price() (engine.PriceReference, error) {
	decimals := rt.Config.Chain.TokenDecimals
	if feed := rt.Config.Chain.PriceFeed; feed != "" {
		p, err := chain.NewAggregatorPrice(rt.Pool, common.HexToAddress(feed), decimals)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return rt.Config.Engine.FixedPrice(decimals)
}

// KeeperConfig maps the keeper section onto keeper.Config.
func (rt *Runtime) KeeperConfig(feeCollector common.Address) keeper.Config {
	k := rt.Config.Keeper
	return keeper.Config{
		ChainID:           rt.Config.Chain.ChainID,
		Token:             rt.Config.Chain.TokenAddress(),
		Venues:            rt.Venues,
		FeeCollector:      feeCollector,
		ScanInterval:      k.ScanInterval,
		LifecycleInterval: k.LifecycleInterval,
		TaxSyncInterval:   k.TaxSyncInterval,
		StatusLogInterval: k.StatusLogInterval,
		Confirmations:     k.Confirmations,
		DrawMargin:        k.DrawMargin,
		MaxLogRange:       k.MaxLogRange,
		RescanBlocks:      k.RescanBlocks,
		StartBlock:        k.StartBlock,
		ScanBuffer:        k.ScanBuffer,
		Retry:             k.Retry.Policy(),
		CheckpointFile:    rt.Config.Storage.CheckpointFile,
	}
}

// Watched is the venue set plus extra addresses whose transfers the scan
// must see.
func (rt *Runtime) Watched(extra ...common.Address) []common.Address {
	out := append([]common.Address(nil), rt.Venues...)
	for _, a := range extra {
		if (a != common.Address{}) {
			out = append(out, a)
		}
	}
	return out
}

package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ybc112/daojishi/internal/engine"
)

type Metrics struct {
	TradesSeen       prometheus.Counter
	TradesSubmitted  prometheus.Counter
	TradesRejected   *prometheus.CounterVec
	TradesDeduped    prometheus.Counter
	TransfersIgnored prometheus.Counter
	FeesRecorded     prometheus.Counter

	CursorBlock prometheus.Gauge
	HeadBlock   prometheus.Gauge
	Retries     *prometheus.CounterVec
	Lifecycle   *prometheus.CounterVec

	ActiveRPC              *prometheus.GaugeVec
	RPCCircuitBreakerTrips *prometheus.CounterVec
	RPCLatency             prometheus.Histogram

	Round            prometheus.Gauge
	PrizePool        prometheus.Gauge
	RemainingSeconds prometheus.Gauge
	Participants     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daojishi_trades_seen_total",
			Help: "Trades classified from venue transfers",
		}),
		TradesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daojishi_trades_submitted_total",
			Help: "Trades accepted by the engine",
		}),
		TradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daojishi_trades_rejected_total",
			Help: "Trades permanently rejected by the engine, by reason",
		}, []string{"reason"}),
		TradesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daojishi_trades_deduped_total",
			Help: "Trades skipped because they were already submitted",
		}),
		TransfersIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daojishi_transfers_ignored_total",
			Help: "Token transfers that are not trades",
		}),
		FeesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daojishi_fee_deposits_total",
			Help: "Fee transfers credited to the hosted engine",
		}),
		CursorBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_cursor_block",
			Help: "Block of the durable scan cursor",
		}),
		HeadBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_head_block",
			Help: "Latest chain head seen by the keeper",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daojishi_retries_total",
			Help: "Transient failures retried, by operation",
		}, []string{"op"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daojishi_lifecycle_actions_total",
			Help: "Lifecycle transitions performed, by action",
		}, []string{"action"}),
		ActiveRPC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daojishi_active_rpc",
			Help: "1 for the RPC endpoint currently in use",
		}, []string{"url"}),
		RPCCircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daojishi_rpc_circuit_breaker_trips_total",
			Help: "Times the RPC circuit breaker has been tripped per endpoint",
		}, []string{"url"}),
		RPCLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "daojishi_rpc_latency_seconds",
			Help:    "Latency of RPC calls",
			Buckets: prometheus.DefBuckets,
		}),
		Round: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_round",
			Help: "Current lottery round",
		}),
		PrizePool: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_prize_pool",
			Help: "Prize pool plus rollover in raw token units",
		}),
		RemainingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_countdown_remaining_seconds",
			Help: "Seconds left on the countdown",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daojishi_participants",
			Help: "Participants in the current round",
		}),
	}
	reg.MustRegister(
		m.TradesSeen, m.TradesSubmitted, m.TradesRejected, m.TradesDeduped, m.TransfersIgnored, m.FeesRecorded,
		m.CursorBlock, m.HeadBlock, m.Retries, m.Lifecycle,
		m.ActiveRPC, m.RPCCircuitBreakerTrips, m.RPCLatency,
		m.Round, m.PrizePool, m.RemainingSeconds, m.Participants,
	)
	return m
}

// ObserveStatus copies an engine status into the engine gauges.
func (m *Metrics) ObserveStatus(st engine.Status) {
	m.Round.Set(float64(st.Round))
	pool, _ := new(big.Float).SetInt(st.TotalPool()).Float64()
	m.PrizePool.Set(pool)
	m.RemainingSeconds.Set(st.Remaining().Seconds())
	m.Participants.Set(float64(st.ParticipantCount))
}

// SetActiveRPC marks url as the only active endpoint among urls.
func (m *Metrics) SetActiveRPC(urls []string, url string) {
	for _, u := range urls {
		m.ActiveRPC.WithLabelValues(u).Set(0)
	}
	m.ActiveRPC.WithLabelValues(url).Set(1)
}

// Serve exposes g on /metrics at addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/ybc112/daojishi/internal/backoff"
	"github.com/ybc112/daojishi/internal/logger"
	"github.com/ybc112/daojishi/internal/metrics"
)

var ErrNoEndpoint = errors.New("no healthy rpc endpoint")

type PoolConfig struct {
	URLs             []string
	ChainID          int64
	DialTimeout      time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// RequestsPerSecond <= 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	Metrics *metrics.Metrics
}

type endpoint struct {
	url      string
	failures int // guarded by Pool.mu

	// trippedUntil is unix nanos; read without the pool lock.
	trippedUntil atomic.Int64
}

func (ep *endpoint) tripped(now time.Time) bool {
	return now.UnixNano() < ep.trippedUntil.Load()
}

type conn struct {
	ep     *endpoint
	client *ethclient.Client
}

// Pool keeps one live client out of an ordered list of RPC endpoints.
// Endpoints that keep failing are tripped for RecoveryTimeout and the pool
// moves on to the next one.
type Pool struct {
	cfg     PoolConfig
	limiter *rate.Limiter
	log     *logger.Entry

	mu        sync.Mutex
	endpoints []*endpoint
	next      int
	active    atomic.Pointer[conn]
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("rpc pool: no endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	p := &Pool{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger().WithComponent("rpc"),
	}
	for _, u := range cfg.URLs {
		p.endpoints = append(p.endpoints, &endpoint{url: strings.TrimSpace(u)})
	}
	return p, nil
}

// Dial connects to the first healthy endpoint, retrying with backoff until
// one answers or ctx is done.
func Dial(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	p, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	delay := time.Second
	for {
		p.mu.Lock()
		err := p.failoverLocked(ctx)
		p.mu.Unlock()
		if err == nil {
			return p, nil
		}
		wait := backoff.Jitter(delay)
		p.log.WithError(err).WithField("retry_in", wait.String()).Warn("failed to connect to any rpc endpoint")
		if err := backoff.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func (p *Pool) URLs() []string {
	out := make([]string, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.url)
	}
	return out
}

// ActiveURL is the endpoint in use, or "" before the first connection.
func (p *Pool) ActiveURL() string {
	if c := p.active.Load(); c != nil {
		return c.ep.url
	}
	return ""
}

// failoverLocked dials endpoints starting at p.next, skipping tripped ones,
// and installs the first one that answers with the expected chain id.
func (p *Pool) failoverLocked(ctx context.Context) error {
	now := time.Now()
	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.next + i) % len(p.endpoints)
		ep := p.endpoints[idx]
		if ep.tripped(now) {
			continue
		}
		client, err := p.dial(ctx, ep.url)
		if err != nil {
			lastErr = err
			p.log.WithError(err).WithField("url", ep.url).Warn("rpc connection failed, trying next")
			p.recordFailureLocked(ep)
			continue
		}
		ep.failures = 0
		p.next = idx
		if old := p.active.Swap(&conn{ep: ep, client: client}); old != nil {
			old.client.Close()
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.SetActiveRPC(p.URLs(), ep.url)
		}
		p.log.WithField("url", ep.url).Info("connected to rpc")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoEndpoint, lastErr)
	}
	return ErrNoEndpoint
}

func (p *Pool) dial(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, url)
	if err != nil {
		return nil, err
	}
	id, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if p.cfg.ChainID != 0 && id.Int64() != p.cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain id %s, want %d", id, p.cfg.ChainID)
	}
	return client, nil
}

func (p *Pool) recordFailureLocked(ep *endpoint) {
	ep.failures++
	if ep.failures < p.cfg.FailureThreshold {
		return
	}
	ep.failures = 0
	ep.trippedUntil.Store(time.Now().Add(p.cfg.RecoveryTimeout).UnixNano())
	p.log.WithField("url", ep.url).WithField("for", p.cfg.RecoveryTimeout.String()).Warn("circuit breaker tripped")
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RPCCircuitBreakerTrips.WithLabelValues(ep.url).Inc()
	}
}

// Call runs fn against the active client. Connectivity failures count
// against the endpoint; once it trips, the next call uses another one.
// The error from fn is returned unchanged so the caller decides whether to
// retry.
func (p *Pool) Call(ctx context.Context, fn func(ctx context.Context, c *ethclient.Client) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	c := p.active.Load()
	if c == nil || p.tripped(c) {
		p.mu.Lock()
		c = p.active.Load()
		var err error
		if c == nil || p.tripped(c) {
			err = p.failoverLocked(ctx)
			c = p.active.Load()
		}
		p.mu.Unlock()
		if err != nil {
			return err
		}
	}

	start := time.Now()
	err := fn(ctx, c.client)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RPCLatency.Observe(time.Since(start).Seconds())
	}
	if err == nil || !isConnectivityError(ctx, err) {
		return err
	}

	p.mu.Lock()
	if p.active.Load() == c {
		p.recordFailureLocked(c.ep)
		if p.tripped(c) {
			p.next = (p.next + 1) % len(p.endpoints)
		}
	}
	p.mu.Unlock()
	return err
}

func (p *Pool) tripped(c *conn) bool {
	return c.ep.tripped(time.Now())
}

func (p *Pool) Close() {
	if c := p.active.Swap(nil); c != nil {
		c.client.Close()
	}
}

// isConnectivityError reports failures of the endpoint itself. A JSON-RPC
// error object means the node answered and is healthy.
func isConnectivityError(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return !isRevert(err)
}

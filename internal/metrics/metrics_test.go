package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ybc112/daojishi/internal/engine"
)

func TestObserveStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ObserveStatus(engine.Status{
		Round:            4,
		Now:              now,
		Deadline:         now.Add(90 * time.Second),
		PrizePool:        big.NewInt(700),
		Rollover:         big.NewInt(300),
		ParticipantCount: 12,
	})

	if got := testutil.ToFloat64(m.Round); got != 4 {
		t.Fatalf("round=%v", got)
	}
	if got := testutil.ToFloat64(m.PrizePool); got != 1000 {
		t.Fatalf("prize pool=%v", got)
	}
	if got := testutil.ToFloat64(m.RemainingSeconds); got != 90 {
		t.Fatalf("remaining=%v", got)
	}
	if got := testutil.ToFloat64(m.Participants); got != 12 {
		t.Fatalf("participants=%v", got)
	}
}

func TestSetActiveRPC(t *testing.T) {
	m := New(prometheus.NewRegistry())
	urls := []string{"http://a", "http://b"}
	m.SetActiveRPC(urls, "http://b")
	if testutil.ToFloat64(m.ActiveRPC.WithLabelValues("http://a")) != 0 || testutil.ToFloat64(m.ActiveRPC.WithLabelValues("http://b")) != 1 {
		t.Fatalf("active rpc gauges not set")
	}
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/engine"
)

type fakeReader struct {
	mu     sync.Mutex
	status engine.Status
	err    error
}

func (f *fakeReader) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeReader) Account(_ context.Context, addr common.Address) (Account, error) {
	return Account{Address: addr.Hex(), RateBP: 70, Participant: true}, nil
}

func (f *fakeReader) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeRounds map[uint64]engine.ClosedRound

func (f fakeRounds) Round(n uint64) (engine.ClosedRound, bool, error) {
	r, ok := f[n]
	return r, ok, nil
}

func (f fakeRounds) RecentRounds(limit int) ([]engine.ClosedRound, error) {
	var out []engine.ClosedRound
	for n := uint64(len(f)); n > 0 && len(out) < limit; n-- {
		out = append(out, f[n])
	}
	return out, nil
}

func get(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusServesStaleOnFailure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{status: engine.Status{
		Round:            3,
		Now:              now,
		Deadline:         now.Add(90 * time.Second),
		PrizePool:        big.NewInt(800),
		Rollover:         big.NewInt(200),
		ParticipantCount: 4,
	}}
	srv := httptest.NewServer(NewServer(reader, nil, nil).Handler())
	defer srv.Close()

	var view StatusView
	if code := get(t, srv.URL+"/status", &view); code != http.StatusOK {
		t.Fatalf("status code=%d", code)
	}
	if view.Round != 3 || view.RemainingSeconds != 90 || view.TotalPool != "1000" || view.Stale {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Phase != "idle" || view.Expired {
		t.Fatalf("unexpected phase: %+v", view)
	}

	reader.fail(errors.New("rpc down"))
	var stale StatusView
	if code := get(t, srv.URL+"/status", &stale); code != http.StatusOK {
		t.Fatalf("stale code=%d", code)
	}
	if !stale.Stale || stale.Round != 3 || !stale.FetchedAt.Equal(view.FetchedAt) {
		t.Fatalf("unexpected stale view: %+v", stale)
	}
}

func TestStatusUnavailableWithoutHistory(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	srv := httptest.NewServer(NewServer(reader, nil, nil).Handler())
	defer srv.Close()

	if code := get(t, srv.URL+"/status", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", code)
	}
}

func TestRateEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeReader{}, nil, nil).Handler())
	defer srv.Close()

	addr := "0x00000000000000000000000000000000000000b1"
	var acct Account
	if code := get(t, srv.URL+"/rate/"+addr, &acct); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if acct.RateBP != 70 || !acct.Participant || !strings.EqualFold(acct.Address, addr) {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if code := get(t, srv.URL+"/rate/not-an-address", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid address code=%d", code)
	}
}

func TestRoundsEndpoints(t *testing.T) {
	rounds := fakeRounds{
		1: {Round: 1, TotalPool: big.NewInt(10)},
		2: {Round: 2, TotalPool: big.NewInt(20)},
	}
	srv := httptest.NewServer(NewServer(&fakeReader{}, rounds, nil).Handler())
	defer srv.Close()

	var r engine.ClosedRound
	if code := get(t, srv.URL+"/rounds/2", &r); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if r.Round != 2 || r.TotalPool.Int64() != 20 {
		t.Fatalf("unexpected round: %+v", r)
	}
	if code := get(t, srv.URL+"/rounds/9", nil); code != http.StatusNotFound {
		t.Fatalf("missing round code=%d", code)
	}
	if code := get(t, srv.URL+"/rounds/zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad round code=%d", code)
	}

	var recent []engine.ClosedRound
	if code := get(t, srv.URL+"/rounds?limit=1", &recent); code != http.StatusOK {
		t.Fatalf("recent code=%d", code)
	}
	if len(recent) != 1 || recent[0].Round != 2 {
		t.Fatalf("unexpected recent: %+v", recent)
	}
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub(16)
	srv := httptest.NewServer(NewServer(&fakeReader{}, nil, hub).Handler())
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	all, _ := Subscribe(ctx, url, nil, Options{})
	prizes, _ := Subscribe(ctx, url, []Subscription{{Topic: TopicEngine, Type: engine.EventPrizeAwarded}}, Options{})
	waitClients(t, hub, 2)
	// Let the filtered client's subscribe request land.
	time.Sleep(50 * time.Millisecond)

	at := time.Unix(1_700_000_000, 0)
	hub.HandleEvent(engine.Event{Name: engine.EventTradeReported, Round: 1, At: at, IsBuy: true, Amount: big.NewInt(5)})
	hub.HandleEvent(engine.Event{Name: engine.EventPrizeAwarded, Round: 1, At: at, Amount: big.NewInt(9)})

	recv := func(ch <-chan Message) Message {
		t.Helper()
		select {
		case m := <-ch:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("no message")
		}
		return Message{}
	}

	m := recv(all)
	if m.Topic != TopicEngine || m.Type != engine.EventTradeReported || m.Timestamp != at.UnixMilli() {
		t.Fatalf("unexpected first message: %+v", m)
	}
	if m = recv(all); m.Type != engine.EventPrizeAwarded {
		t.Fatalf("unexpected second message: %+v", m)
	}

	m = recv(prizes)
	if m.Type != engine.EventPrizeAwarded {
		t.Fatalf("filtered client got %s", m.Type)
	}
	var ev engine.Event
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Amount.Int64() != 9 || ev.Round != 1 {
		t.Fatalf("unexpected payload: %+v", ev)
	}
}

func TestMatches(t *testing.T) {
	if !matches(nil, TopicEngine, "x") {
		t.Fatalf("no subscriptions means everything")
	}
	subs := []Subscription{{Topic: TopicEngine, Type: "A"}}
	if !matches(subs, TopicEngine, "A") || matches(subs, TopicEngine, "B") || matches(subs, "other", "A") {
		t.Fatalf("type filter not applied")
	}
	if !matches([]Subscription{{Topic: TopicEngine}}, TopicEngine, "B") {
		t.Fatalf("empty type matches every type of the topic")
	}
}

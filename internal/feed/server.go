package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/logger"
)

// Reader answers the public read queries.
type Reader interface {
	Status(ctx context.Context) (engine.Status, error)
	Account(ctx context.Context, addr common.Address) (Account, error)
}

// Rounds is the archive of closed rounds.
type Rounds interface {
	Round(n uint64) (engine.ClosedRound, bool, error)
	RecentRounds(limit int) ([]engine.ClosedRound, error)
}

type Account struct {
	Address     string `json:"address"`
	RateBP      uint32 `json:"rate_bp"`
	Participant bool   `json:"participant"`
	Winnings    string `json:"winnings,omitempty"`
}

type StatusView struct {
	Round            uint64    `json:"round"`
	Phase            string    `json:"phase"`
	Deadline         time.Time `json:"deadline"`
	Now              time.Time `json:"now"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Expired          bool      `json:"expired"`
	TriggerBlock     uint64    `json:"trigger_block,omitempty"`
	PrizePool        string    `json:"prize_pool"`
	Rollover         string    `json:"rollover"`
	TotalPool        string    `json:"total_pool"`
	Marketing        string    `json:"marketing"`
	ParticipantCount int       `json:"participant_count"`

	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}

func NewStatusView(st engine.Status, fetchedAt time.Time) StatusView {
	return StatusView{
		Round:            st.Round,
		Phase:            st.Phase.String(),
		Deadline:         st.Deadline.UTC(),
		Now:              st.Now.UTC(),
		RemainingSeconds: int64(st.Remaining() / time.Second),
		Expired:          st.Expired(),
		TriggerBlock:     st.TriggerBlock,
		PrizePool:        bigString(st.PrizePool),
		Rollover:         bigString(st.Rollover),
		TotalPool:        bigString(st.TotalPool()),
		Marketing:        bigString(st.Marketing),
		ParticipantCount: st.ParticipantCount,
		FetchedAt:        fetchedAt.UTC(),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Server is the HTTP read API plus the websocket feed at /ws.
type Server struct {
	reader      Reader
	rounds      Rounds
	hub         *Hub
	readTimeout time.Duration
	log         *logger.Entry

	mu   sync.Mutex
	last *StatusView
}

func NewServer(reader Reader, rounds Rounds, hub *Hub) *Server {
	return &Server{
		reader:      reader,
		rounds:      rounds,
		hub:         hub,
		readTimeout: 5 * time.Second,
		log:         logger.GetLogger().WithComponent("api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /rate/{addr}", s.handleRate)
	if s.rounds != nil {
		mux.HandleFunc("GET /rounds", s.handleRecentRounds)
		mux.HandleFunc("GET /rounds/{n}", s.handleRound)
	}
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// handleStatus serves the latest status, falling back to the last good
// read marked stale when the reader fails.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readTimeout)
	defer cancel()

	st, err := s.reader.Status(ctx)
	if err == nil {
		view := NewStatusView(st, time.Now())
		s.mu.Lock()
		s.last = &view
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, view)
		return
	}

	s.log.WithError(err).Warn("status read failed")
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	stale := *last
	stale.Stale = true
	writeJSON(w, http.StatusOK, stale)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.readTimeout)
	defer cancel()

	acct, err := s.reader.Account(ctx, common.HexToAddress(raw))
	if err != nil {
		s.log.WithError(err).WithField("addr", raw).Warn("account read failed")
		writeError(w, http.StatusBadGateway, "account unavailable")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("n"), 10, 64)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, "invalid round")
		return
	}
	round, ok, err := s.rounds.Round(n)
	switch {
	case err != nil:
		s.log.WithError(err).WithField("round", n).Error("round read failed")
		writeError(w, http.StatusInternalServerError, "round unavailable")
	case !ok:
		writeError(w, http.StatusNotFound, "round not found")
	default:
		writeJSON(w, http.StatusOK, round)
	}
}

func (s *Server) handleRecentRounds(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rounds, err := s.rounds.RecentRounds(limit)
	if err != nil {
		s.log.WithError(err).Error("rounds read failed")
		writeError(w, http.StatusInternalServerError, "rounds unavailable")
		return
	}
	if rounds == nil {
		rounds = []engine.ClosedRound{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Serve runs h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
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

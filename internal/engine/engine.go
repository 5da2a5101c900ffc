package engine

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Params Params

	Owner           common.Address
	Keeper          common.Address
	Self            common.Address
	Token           common.Address
	DexPair         common.Address
	MarketingWallet common.Address
	// Excluded lists routers and other pools whose trades are not
	// attributable to a user.
	Excluded []common.Address

	Clock    Clock
	Blocks   BlockSource
	Holdings Holdings
	Price    PriceReference
	Archive  RoundArchive
}

const historyInMemory = 64

// Engine is the authoritative lottery state machine. Every exported
// operation holds one lock for its whole duration, so operations are
// applied in a single global order.
type Engine struct {
	mu sync.Mutex

	params   Params
	clock    Clock
	blocks   BlockSource
	holdings Holdings
	price    PriceReference
	archive  RoundArchive
	sinks    []EventSink

	owner           common.Address
	keeper          common.Address
	self            common.Address
	token           common.Address
	dexPair         common.Address
	marketingWallet common.Address
	excluded        map[common.Address]struct{}

	round          uint64
	phase          Phase
	deadline       time.Time
	triggerBlock   uint64
	prizePool      *big.Int
	rollover       *big.Int
	marketing      *big.Int
	roundMarketing *big.Int
	unsynced       *big.Int

	users        map[common.Address]*UserRate
	participants []common.Address
	winnings     map[common.Address]*big.Int
	history      map[uint64]ClosedRound
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("engine params: %w", err)
	}
	if cfg.Blocks == nil || cfg.Holdings == nil || cfg.Price == nil {
		return nil, fmt.Errorf("engine: block source, holdings and price reference are required")
	}
	if (cfg.Owner == common.Address{}) {
		return nil, fmt.Errorf("engine: owner required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	e := &Engine{
		params:          cfg.Params,
		clock:           clock,
		blocks:          cfg.Blocks,
		holdings:        cfg.Holdings,
		price:           cfg.Price,
		archive:         cfg.Archive,
		owner:           cfg.Owner,
		keeper:          cfg.Keeper,
		self:            cfg.Self,
		token:           cfg.Token,
		dexPair:         cfg.DexPair,
		marketingWallet: cfg.MarketingWallet,
		excluded:        make(map[common.Address]struct{}, len(cfg.Excluded)),
		round:           1,
		phase:           PhaseIdle,
		deadline:        clock.Now().Add(cfg.Params.InitialCountdown),
		prizePool:       new(big.Int),
		rollover:        new(big.Int),
		marketing:       new(big.Int),
		roundMarketing:  new(big.Int),
		unsynced:        new(big.Int),
		users:           make(map[common.Address]*UserRate),
		winnings:        make(map[common.Address]*big.Int),
		history:         make(map[uint64]ClosedRound),
	}
	for _, a := range cfg.Excluded {
		e.excluded[a] = struct{}{}
	}
	return e, nil
}

// Subscribe registers a sink for committed events.
func (e *Engine) Subscribe(sink EventSink) {
	if sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

func (e *Engine) emitLocked(events []Event) {
	for _, ev := range events {
		for _, s := range e.sinks {
			s.HandleEvent(ev)
		}
	}
}

func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	return Status{
		Round:            e.round,
		Phase:            e.phase,
		Deadline:         e.deadline,
		Now:              e.clock.Now(),
		TriggerBlock:     e.triggerBlock,
		PrizePool:        cloneBig(e.prizePool),
		Rollover:         cloneBig(e.rollover),
		Marketing:        cloneBig(e.marketing),
		RoundMarketing:   cloneBig(e.roundMarketing),
		UnsyncedFees:     cloneBig(e.unsynced),
		ParticipantCount: len(e.participants),
	}
}

// UserRate returns the record for addr; unknown addresses sit at the base rate.
func (e *Engine) UserRate(addr common.Address) UserRate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.users[addr]; ok {
		return *rec
	}
	return UserRate{Rate: e.params.BaseRate}
}

func (e *Engine) IsParticipant(addr common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.users[addr]
	return ok && rec.ParticipantRound == e.round
}

func (e *Engine) Participants() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]common.Address(nil), e.participants...)
}

func (e *Engine) Winnings(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBig(e.winnings[addr])
}

// ClosedRound returns a recently executed round kept in memory.
func (e *Engine) ClosedRound(round uint64) (ClosedRound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.history[round]
	return r, ok
}

func (e *Engine) Keeper() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keeper
}

func (e *Engine) isExcludedLocked(addr common.Address) bool {
	if (addr == common.Address{}) || addr == e.self || addr == e.dexPair || addr == e.token {
		return true
	}
	_, ok := e.excluded[addr]
	return ok
}

// --- admin ---

func (e *Engine) requireOwnerLocked(caller common.Address) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) setAddress(caller, addr common.Address, dst *common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwnerLocked(caller); err != nil {
		return err
	}
	if (addr == common.Address{}) {
		return ErrZeroAddress
	}
	*dst = addr
	return nil
}

func (e *Engine) SetKeeper(caller, addr common.Address) error {
	return e.setAddress(caller, addr, &e.keeper)
}

func (e *Engine) SetToken(caller, addr common.Address) error {
	return e.setAddress(caller, addr, &e.token)
}

func (e *Engine) SetMarketingWallet(caller, addr common.Address) error {
	return e.setAddress(caller, addr, &e.marketingWallet)
}

func (e *Engine) SetDexPair(caller, addr common.Address) error {
	return e.setAddress(caller, addr, &e.dexPair)
}

func (e *Engine) TransferOwnership(caller, addr common.Address) error {
	return e.setAddress(caller, addr, &e.owner)
}

func (e *Engine) AddExcluded(caller common.Address, addrs ...common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwnerLocked(caller); err != nil {
		return err
	}
	for _, a := range addrs {
		if (a == common.Address{}) {
			return ErrZeroAddress
		}
	}
	for _, a := range addrs {
		e.excluded[a] = struct{}{}
	}
	return nil
}

// SetOpenTrigger lets anyone call TriggerDraw/ExecuteDraw when open is true.
func (e *Engine) SetOpenTrigger(caller common.Address, open bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwnerLocked(caller); err != nil {
		return err
	}
	e.params.OpenTrigger = open
	return nil
}

func (e *Engine) MarketingWallet() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marketingWallet
}

func (e *Engine) rememberLocked(r ClosedRound) {
	e.history[r.Round] = r
	if r.Round > historyInMemory {
		delete(e.history, r.Round-historyInMemory)
	}
}

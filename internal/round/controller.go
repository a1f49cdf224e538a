package round

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

// Snapshot is the consistent per-tick view handed to displays and strategies.
type Snapshot struct {
	Game        string            `json:"game"`
	Round       int64             `json:"round"`
	Phase       timeline.Phase    `json:"phase"`
	PhaseLabel  string            `json:"phase_label"`
	Window      timeline.Window   `json:"window"`
	Elapsed     float64           `json:"elapsed_ms"`
	Remaining   float64           `json:"remaining_ms"`
	SecondsLeft int               `json:"seconds_left"`
	Multiplier  float64           `json:"multiplier,omitempty"`
	Bet         Bet               `json:"bet"`
	Balance     Balance           `json:"balance"`
	History     []HistoryEntry    `json:"history"`
	Expired     bool              `json:"expired"`
	// Outcome is only exposed once the round has resolved.
	Outcome *games.Outcome `json:"outcome,omitempty"`
}

// Controller owns one reducer state and serializes every operation on it.
type Controller struct {
	mu      sync.Mutex
	reducer *Reducer
	state   State
}

// NewController starts from carry, typically the zero State or the History
// and Balance of a previous period.
func NewController(r *Reducer, carry State) *Controller {
	return &Controller{
		reducer: r,
		state:   State{History: carry.History, Balance: carry.Balance},
	}
}

func (c *Controller) Reducer() *Reducer { return c.reducer }

// Tick advances to now and returns the effects to carry out, in order.
func (c *Controller) Tick(now float64) []Effect {
	c.mu.Lock()
	defer c.mu.Unlock()
	var effects []Effect
	c.state, effects = c.reducer.Tick(c.state, now)
	return effects
}

// Place opens a bet against the phase observed by the last tick.
func (c *Controller) Place(now float64, amount decimal.Decimal, selection int, autoCashOut float64) (Bet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.reducer.Place(c.state, now, amount, selection, autoCashOut)
	if err != nil {
		return c.state.Bet, err
	}
	c.state = s
	return s.Bet, nil
}

// CashOut freezes the open crash bet at the last tick's multiplier.
func (c *Controller) CashOut() (Bet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.reducer.CashOut(c.state)
	if err != nil {
		return c.state.Bet, err
	}
	c.state = s
	return s.Bet, nil
}

// Reject refunds a bet the server denied.
func (c *Controller) Reject(round int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.reducer.Reject(c.state, round)
	if err != nil {
		return err
	}
	c.state = s
	return nil
}

// Reconcile replaces the local balance with the ledger's.
func (c *Controller) Reconcile(amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Balance = Reconciled(amount)
}

// Teardown force-settles the open bet and returns every settlement still to
// deliver. Later calls return nothing.
func (c *Controller) Teardown(now float64) []*Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Settlement
	c.state, out = c.reducer.Teardown(c.state, now)
	return out
}

// State returns a copy of the reducer state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	g := c.reducer.game
	snap := Snapshot{
		Game:        g.Name(),
		Round:       s.Window.Index,
		Phase:       s.Position.Phase,
		PhaseLabel:  g.PhaseLabel(s.Position.Phase),
		Window:      s.Window,
		Elapsed:     s.Position.Elapsed,
		Remaining:   s.Position.Remaining,
		SecondsLeft: s.Position.SecondsLeft(),
		Multiplier:  s.Multiplier,
		Bet:         s.Bet,
		Balance:     s.Balance,
		History:     s.History.Entries(),
		Expired:     s.Expired,
	}
	if s.Started && s.Position.Phase == timeline.PhaseResolved {
		o := s.Outcome
		snap.Outcome = &o
	}
	return snap
}

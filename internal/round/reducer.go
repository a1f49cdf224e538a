// Package round drives one game's rounds from the passage of time.
//
// Reducer is pure: Tick(state, now) returns the next state and the side
// effects the caller must carry out, in order. Boundary effects come out as
// EffectSettle, EffectHistory, EffectRoundStart, once per boundary, no matter
// how many ticks observe the crossing. Controller wraps a Reducer with the
// mutable state and the player's operations.
package round

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

// EffectKind enumerates side effects.
type EffectKind int

const (
	EffectRoundStart EffectKind = iota
	EffectPhase
	EffectCashOut
	EffectSettle
	EffectHistory
	EffectSeedExpired
)

func (k EffectKind) String() string {
	switch k {
	case EffectRoundStart:
		return "round_start"
	case EffectPhase:
		return "phase"
	case EffectCashOut:
		return "cash_out"
	case EffectSettle:
		return "settle"
	case EffectHistory:
		return "history"
	case EffectSeedExpired:
		return "seed_expired"
	default:
		return fmt.Sprintf("effect(%d)", int(k))
	}
}

// Effect is one side effect of a tick.
type Effect struct {
	Kind  EffectKind
	Round int64
	// From and Phase describe EffectPhase; Phase is also set on EffectRoundStart.
	From  timeline.Phase
	Phase timeline.Phase
	// Settlement is set on EffectSettle.
	Settlement *Settlement
	// Bet is set on EffectCashOut.
	Bet *Bet
	// History holds the entries pushed by EffectHistory, most recent first.
	History []HistoryEntry
}

// Settlement is the report of one concluded bet.
type Settlement struct {
	// ID is stable per (owner, seed, round, game); the ledger applies it once.
	ID        string          `json:"id"`
	Game      string          `json:"game"`
	Round     int64           `json:"round"`
	Bet       decimal.Decimal `json:"bet"`
	Win       decimal.Decimal `json:"win"`
	Selection int             `json:"selection"`
	CashOut   float64         `json:"cash_out,omitempty"`
	Outcome   games.Outcome   `json:"outcome"`
}

// State is everything the reducer tracks between ticks.
type State struct {
	Started bool
	// Expired is set once the seed period ended; the state then stays frozen.
	Expired    bool
	Window     timeline.Window
	Position   timeline.Position
	Outcome    games.Outcome
	Multiplier float64
	Bet        Bet
	History    History
	Balance    Balance
	// LastSettled is the last round whose bet was reported, -1 for none.
	LastSettled int64
}

// settlementNamespace scopes settlement IDs.
var settlementNamespace = uuid.MustParse("6f1c2a9e-3b7d-5e40-9a8f-2d1e0c4b7a65")

// SettlementID derives the idempotency key of a bet's settlement.
func SettlementID(owner, seed string, round int64, game string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(engine.Label(owner, seed, round, game))).String()
}

// Reducer derives round state for one game, one seed and one owner.
type Reducer struct {
	game      games.Game
	seed      string
	owner     string
	tl        timeline.Timeline
	periodEnd float64
}

// NewReducer builds the reducer of one seed period [periodStart, periodEnd).
// A zero periodEnd never expires.
func NewReducer(game games.Game, seed, owner string, periodStart, periodEnd int64) (*Reducer, error) {
	if game == nil {
		return nil, fmt.Errorf("round: nil game")
	}
	if seed == "" {
		return nil, fmt.Errorf("round: empty seed")
	}
	tl, err := game.Timeline(seed, float64(periodStart))
	if err != nil {
		return nil, fmt.Errorf("round: build timeline: %w", err)
	}
	return &Reducer{game: game, seed: seed, owner: owner, tl: tl, periodEnd: float64(periodEnd)}, nil
}

func (r *Reducer) Game() games.Game            { return r.game }
func (r *Reducer) Timeline() timeline.Timeline { return r.tl }

// Tick advances s to now.
func (r *Reducer) Tick(s State, now float64) (State, []Effect) {
	if s.Expired {
		return s, nil
	}

	var effects []Effect
	if !s.Started {
		s, effects = r.start(s, now)
		if s.Expired {
			return s, effects
		}
	} else if next := r.tl.Advance(s.Window, now); next.Index != s.Window.Index {
		var crossed []Effect
		s, crossed = r.cross(s, next)
		effects = append(effects, crossed...)
		if s.Expired {
			return s, effects
		}
	}

	pos := r.tl.Position(s.Window, now)
	if pos.Phase != s.Position.Phase {
		effects = append(effects, Effect{Kind: EffectPhase, Round: s.Window.Index, From: s.Position.Phase, Phase: pos.Phase})
	}
	s.Position = pos
	s.Multiplier = r.game.LiveMultiplier(pos, s.Outcome)

	if s.Bet.State == BetPlaced && s.Bet.AutoCashOut > 0 && pos.Phase == timeline.PhaseActive && s.Multiplier >= s.Bet.AutoCashOut {
		s = r.cashOutAt(s, s.Bet.AutoCashOut)
		b := s.Bet
		effects = append(effects, Effect{Kind: EffectCashOut, Round: b.Round, Bet: &b})
	}
	return s, effects
}

// start is the cold path: locate the round by a full scan and rebuild history.
// Entries already in s.History (carried from an earlier period) are kept
// behind the reconstructed ones.
func (r *Reducer) start(s State, now float64) (State, []Effect) {
	w := r.tl.Locate(now)
	carried := s.History.Entries()

	s.Started = true
	s.LastSettled = -1
	s.Window = w
	s.Position = timeline.Position{Window: w, Phase: timeline.PhaseIdle}
	s.History = Reconstruct(r.game, r.seed, w.Index).Extend(carried)
	s.Bet = Bet{}

	if r.periodEnd > 0 && w.Start >= r.periodEnd {
		s.Expired = true
		return s, []Effect{{Kind: EffectSeedExpired, Round: w.Index}}
	}
	s.Outcome = r.game.Outcome(r.seed, w.Index)
	return s, []Effect{{Kind: EffectRoundStart, Round: w.Index}}
}

// cross handles a boundary from s.Window to next, which may skip rounds.
func (r *Reducer) cross(s State, next timeline.Window) (State, []Effect) {
	prev := s.Window
	var effects []Effect

	if stl, ok := r.settlement(s); ok {
		s = r.markSettled(s, stl)
		effects = append(effects, Effect{Kind: EffectSettle, Round: prev.Index, Settlement: stl})
	}

	// Concluded rounds are prev..next-1, cut at the period end. Only the
	// newest HistoryLimit of them can survive the push.
	var concluded []int64
	for w := prev; w.Index < next.Index; w = r.tl.Advance(w, w.End()) {
		if r.periodEnd > 0 && w.Start >= r.periodEnd {
			break
		}
		concluded = append(concluded, w.Index)
	}
	if limit := s.History.Limit(); len(concluded) > limit {
		concluded = concluded[len(concluded)-limit:]
	}
	pushed := make([]HistoryEntry, 0, len(concluded))
	for _, n := range concluded {
		o := s.Outcome
		if n != prev.Index {
			o = r.game.Outcome(r.seed, n)
		}
		pushed = append(pushed, HistoryEntry{Round: n, Outcome: o})
	}
	if len(pushed) > 0 {
		s.History = s.History.Push(pushed...)
		newest := make([]HistoryEntry, 0, len(pushed))
		for i := len(pushed) - 1; i >= 0; i-- {
			newest = append(newest, pushed[i])
		}
		effects = append(effects, Effect{Kind: EffectHistory, Round: prev.Index, History: newest})
	}

	s.Bet = Bet{}
	if r.periodEnd > 0 && next.Start >= r.periodEnd {
		s.Expired = true
		return s, append(effects, Effect{Kind: EffectSeedExpired, Round: prev.Index})
	}

	s.Window = next
	s.Outcome = r.game.Outcome(r.seed, next.Index)
	s.Position = timeline.Position{Window: next, Phase: timeline.PhaseIdle}
	s.Multiplier = 0
	return s, append(effects, Effect{Kind: EffectRoundStart, Round: next.Index})
}

// settlement computes the report for the open bet of the current round.
// A crash bet still in the air settles at its auto cash-out target when the
// round reached it, otherwise as a loss.
func (r *Reducer) settlement(s State) (*Settlement, bool) {
	b := s.Bet
	if !b.State.Open() || b.Round != s.Window.Index || s.LastSettled == b.Round {
		return nil, false
	}
	wager := games.Wager{Amount: b.Amount.InexactFloat64(), Selection: b.Selection, CashOut: b.CashOut}
	if b.State == BetPlaced && b.AutoCashOut > 0 {
		wager.CashOut = b.AutoCashOut
	}
	win := decimal.NewFromFloat(r.game.Payout(wager, s.Outcome))
	return &Settlement{
		ID:        SettlementID(r.owner, r.seed, b.Round, r.game.Name()),
		Game:      r.game.Name(),
		Round:     b.Round,
		Bet:       b.Amount,
		Win:       win,
		Selection: b.Selection,
		CashOut:   wager.CashOut,
		Outcome:   s.Outcome,
	}, true
}

// markSettled closes the bet. Wins not credited at cash-out are credited now.
func (r *Reducer) markSettled(s State, stl *Settlement) State {
	if s.Bet.State == BetPlaced {
		s.Balance = s.Balance.Credit(stl.Win)
		s.Bet.Payout = stl.Win
		s.Bet.CashOut = stl.CashOut
	}
	s.Bet.State = BetSettled
	s.LastSettled = stl.Round
	return s
}

// Place opens a bet on the current round. Legal only while betting, once per round.
func (r *Reducer) Place(s State, now float64, amount decimal.Decimal, selection int, autoCashOut float64) (State, error) {
	switch {
	case !s.Started:
		return s, ErrNotStarted
	case s.Expired:
		return s, ErrSeedExpired
	case s.Position.Phase != timeline.PhaseBetting:
		return s, ErrNotBetting
	case s.Bet.State != BetNone:
		return s, ErrBetExists
	case !amount.IsPositive():
		return s, ErrInvalidAmount
	case selection < 0 || selection >= r.game.Selections():
		return s, fmt.Errorf("%w: %d", ErrInvalidSelection, selection)
	case !s.Balance.Covers(amount):
		return s, ErrInsufficientFunds
	}
	if autoCashOut < 0 || (autoCashOut > 0 && !r.game.SupportsCashOut()) {
		autoCashOut = 0
	}
	s.Bet = Bet{
		Round:       s.Window.Index,
		Amount:      amount,
		Selection:   selection,
		PlacedAt:    now,
		State:       BetPlaced,
		AutoCashOut: autoCashOut,
	}
	s.Balance = s.Balance.Debit(amount)
	return s, nil
}

// CashOut leaves a flying crash bet at the current multiplier. Repeating it
// on a cashed-out bet is a no-op.
func (r *Reducer) CashOut(s State) (State, error) {
	if !r.game.SupportsCashOut() {
		return s, ErrCashOutNotAllowed
	}
	switch s.Bet.State {
	case BetCashedOut:
		return s, nil
	case BetPlaced:
	case BetNone:
		return s, ErrNoBet
	default:
		return s, ErrBetClosed
	}
	if s.Position.Phase != timeline.PhaseActive || s.Multiplier <= 0 {
		return s, ErrNotActive
	}
	return r.cashOutAt(s, s.Multiplier), nil
}

func (r *Reducer) cashOutAt(s State, m float64) State {
	win := math.Floor(s.Bet.Amount.InexactFloat64() * m)
	s.Bet.State = BetCashedOut
	s.Bet.CashOut = m
	s.Bet.Payout = decimal.NewFromFloat(win)
	s.Balance = s.Balance.Credit(s.Bet.Payout)
	return s
}

// Reject rolls back a bet the server denied: the stake and any cash-out
// credit are reversed.
func (r *Reducer) Reject(s State, round int64) (State, error) {
	if s.Bet.Round != round || s.Bet.State == BetNone {
		return s, ErrNoBet
	}
	if !s.Bet.State.Open() {
		return s, ErrBetClosed
	}
	s.Balance = s.Balance.Credit(s.Bet.Amount)
	if s.Bet.State == BetCashedOut {
		s.Balance = s.Balance.Debit(s.Bet.Payout)
	}
	s.Bet.State = BetRefunded
	s.Bet.Payout = decimal.Zero
	return s, nil
}

// Teardown ticks to now and force-settles whatever bet is still open, so the
// caller can deliver it before releasing the session.
func (r *Reducer) Teardown(s State, now float64) (State, []*Settlement) {
	s, effects := r.Tick(s, now)
	var out []*Settlement
	for _, e := range effects {
		if e.Kind == EffectSettle {
			out = append(out, e.Settlement)
		}
	}
	if stl, ok := r.settlement(s); ok {
		s = r.markSettled(s, stl)
		out = append(out, stl)
	}
	return s, out
}

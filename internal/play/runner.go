// Package play runs the client side of one game: it opens a seed session,
// drives the round controller from a frame ticker and carries out the
// controller's effects against the session server.
//
// All controller access happens on the Run goroutine. Player commands and
// HTTP results reach it through channels, so every consumer sees one
// consistent snapshot per frame.
package play

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/round"
	"github.com/MJE43/pf-roundclock/internal/scripting"
	"github.com/MJE43/pf-roundclock/internal/session"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

var ErrStopped = errors.New("play: runner is not running")

// API is the session server as the runner uses it. *session.Client implements it.
type API interface {
	session.SeedFetcher
	Bets(ctx context.Context, game string) ([]session.BetView, error)
	PlaceBet(ctx context.Context, req session.PlaceBetRequest) (*session.PlaceBetResponse, error)
	Settle(ctx context.Context, req session.SettleRequest) (*session.SettleResponse, error)
	Balance(ctx context.Context) (*session.BalanceResponse, error)
}

// Strategy picks bets automatically. *scripting.Strategy implements it.
type Strategy interface {
	Decide(rc scripting.RoundContext) (scripting.Decision, error)
	Stopped() bool
}

// Observer is told about every frame that produced effects.
type Observer interface {
	OnEffects(snap round.Snapshot, effects []round.Effect)
}

type Config struct {
	Game  string
	Owner string
	// Frame is the tick interval. Defaults to 16ms.
	Frame time.Duration
	// BetsPoll is how often the race bets list is fetched while betting.
	BetsPoll time.Duration
	// FlushTimeout bounds settlement delivery on shutdown.
	FlushTimeout time.Duration
	// ReopenAttempts bounds seed fetches at a period rollover.
	ReopenAttempts int
	Clock          clockwork.Clock
	Logger         zerolog.Logger
	Strategy       Strategy
	Observer       Observer
}

// Runner plays one game for one owner.
type Runner struct {
	cfg  Config
	api  API
	game games.Game

	cmds    chan command
	results chan func()
	done    chan struct{}

	// Owned by the Run goroutine.
	sess       *session.Session
	ctrl       *round.Controller
	seq        uint64
	appliedSeq uint64
	lastBet    *scripting.LastBet
	inflight   sync.WaitGroup

	mu      sync.RWMutex
	snap    *round.Snapshot
	bets    []session.BetView
	running bool
}

type command struct {
	apply func(ctx context.Context) (round.Bet, error)
	reply chan commandResult
}

type commandResult struct {
	bet round.Bet
	err error
}

func NewRunner(api API, cfg Config) (*Runner, error) {
	g, ok := games.GetGame(cfg.Game)
	if !ok {
		return nil, fmt.Errorf("play: unknown game %q", cfg.Game)
	}
	if cfg.Frame <= 0 {
		cfg.Frame = 16 * time.Millisecond
	}
	if cfg.BetsPoll <= 0 {
		cfg.BetsPoll = 2500 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.ReopenAttempts <= 0 {
		cfg.ReopenAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Logger = cfg.Logger.With().Str("component", "play").Str("game", g.Name()).Logger()

	return &Runner{
		cfg:     cfg,
		api:     api,
		game:    g,
		cmds:    make(chan command),
		results: make(chan func(), 64),
		done:    make(chan struct{}),
	}, nil
}

// Run opens the session and plays until ctx is cancelled, then delivers
// every pending settlement within FlushTimeout. The tick loop never starts
// without a seed: an Open failure is returned as is.
func (r *Runner) Run(ctx context.Context) error {
	sess, err := session.Open(ctx, r.api, r.cfg.Clock, r.game.Name(), r.game.TTL())
	if err != nil {
		return err
	}
	if err := r.install(sess, round.State{}); err != nil {
		return err
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.done)
	}()

	r.refreshBalance(ctx)

	frame := r.cfg.Clock.NewTicker(r.cfg.Frame)
	defer frame.Stop()
	poll := r.cfg.Clock.NewTicker(r.cfg.BetsPoll)
	defer poll.Stop()

	if err := r.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			r.shutdown(ctx)
			return nil
		case <-frame.Chan():
			if err := r.tick(ctx); err != nil {
				r.shutdown(ctx)
				return err
			}
		case <-poll.Chan():
			r.pollBets(ctx)
		case cmd := <-r.cmds:
			bet, err := cmd.apply(ctx)
			r.publish()
			cmd.reply <- commandResult{bet: bet, err: err}
		case apply := <-r.results:
			apply()
			r.publish()
		}
	}
}

// install switches to a new session, carrying history and balance over.
func (r *Runner) install(sess *session.Session, carry round.State) error {
	red, err := round.NewReducer(r.game, sess.Seed(), r.cfg.Owner, sess.PeriodStart(), sess.PeriodEnd())
	if err != nil {
		return err
	}
	r.sess = sess
	r.ctrl = round.NewController(red, carry)
	r.cfg.Logger.Info().
		Str("seed", engine.SeedDigest(sess.Seed())).
		Int64("period_start", sess.PeriodStart()).
		Dur("offset", sess.Offset()).
		Msg("session opened")
	return nil
}

func (r *Runner) tick(ctx context.Context) error {
	effects := r.ctrl.Tick(r.sess.Now())
	snap := r.publish()

	expired := false
	for _, e := range effects {
		switch e.Kind {
		case round.EffectSettle:
			r.deliver(ctx, e.Settlement)
		case round.EffectRoundStart:
			r.mu.Lock()
			r.bets = nil
			r.mu.Unlock()
			r.cfg.Logger.Debug().Int64("round", e.Round).Msg("round started")
		case round.EffectPhase:
			if e.Phase == timeline.PhaseBetting {
				r.autoBet(ctx, snap)
			}
		case round.EffectCashOut:
			r.cfg.Logger.Info().
				Int64("round", e.Round).
				Float64("multiplier", e.Bet.CashOut).
				Str("payout", e.Bet.Payout.String()).
				Msg("auto cash-out")
		case round.EffectHistory:
			if len(e.History) > 0 {
				r.cfg.Logger.Debug().Int64("round", e.History[0].Round).Float64("metric", e.History[0].Outcome.Metric).Msg("round resolved")
			}
		case round.EffectSeedExpired:
			expired = true
		}
	}
	if len(effects) > 0 {
		snap = r.publish()
		if r.cfg.Observer != nil {
			r.cfg.Observer.OnEffects(snap, effects)
		}
	}
	if expired {
		return r.rollover(ctx)
	}
	return nil
}

// publish stores the controller's current view for Snapshot.
func (r *Runner) publish() round.Snapshot {
	snap := r.ctrl.Snapshot()
	r.mu.Lock()
	r.snap = &snap
	r.mu.Unlock()
	return snap
}

// rollover replaces the expired session with the next period's.
func (r *Runner) rollover(ctx context.Context) error {
	old := r.sess
	var lastErr error
	for attempt := 0; attempt < r.cfg.ReopenAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-r.cfg.Clock.After(time.Second):
			}
		}
		sess, err := session.Open(ctx, r.api, r.cfg.Clock, r.game.Name(), r.game.TTL())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			r.cfg.Logger.Warn().Err(err).Int("attempt", attempt+1).Msg("seed reopen failed")
			continue
		}
		if sess.PeriodStart() <= old.PeriodStart() {
			lastErr = fmt.Errorf("%w: server still issues period %d", session.ErrSeedUnavailable, sess.PeriodStart())
			continue
		}
		if err := r.install(sess, r.ctrl.State()); err != nil {
			return err
		}
		return r.tick(ctx)
	}
	return fmt.Errorf("play: rollover: %w", lastErr)
}

// deliver sends a settlement. Its context survives cancellation of ctx so a
// report emitted just before shutdown still goes out.
func (r *Runner) deliver(ctx context.Context, stl *round.Settlement) {
	req := session.SettleRequest{
		ID:          stl.ID,
		Game:        stl.Game,
		PeriodStart: r.sess.PeriodStart(),
		Round:       stl.Round,
		Selection:   stl.Selection,
		CashOut:     stl.CashOut,
		Bet:         stl.Bet,
		Win:         stl.Win,
	}
	r.lastBet = &scripting.LastBet{
		Round:     stl.Round,
		Amount:    stl.Bet.InexactFloat64(),
		Selection: stl.Selection,
		CashOut:   stl.CashOut,
		Win:       stl.Win.InexactFloat64(),
		Won:       stl.Win.IsPositive(),
	}
	r.cfg.Logger.Info().
		Str("settlement_id", stl.ID).
		Int64("round", stl.Round).
		Str("bet", stl.Bet.String()).
		Str("win", stl.Win.String()).
		Msg("settling bet")

	seq := r.nextSeq()
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		sctx, cancel := clockwork.WithTimeout(context.WithoutCancel(ctx), r.cfg.Clock, r.cfg.FlushTimeout)
		defer cancel()
		resp, err := r.api.Settle(sctx, req)
		r.post(func() {
			if err != nil {
				r.cfg.Logger.Error().Err(err).Str("settlement_id", req.ID).Msg("settlement delivery failed")
				r.refreshBalance(ctx)
				return
			}
			r.reconcile(seq, resp.Balance)
		})
	}()
}

// post hands a result to the Run goroutine. Results that arrive after Run
// returned are dropped.
func (r *Runner) post(fn func()) {
	select {
	case r.results <- fn:
	case <-r.done:
	}
}

func (r *Runner) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// reconcile applies a ledger balance unless a newer request already did.
func (r *Runner) reconcile(seq uint64, amount decimal.Decimal) {
	if seq < r.appliedSeq {
		return
	}
	r.appliedSeq = seq
	r.ctrl.Reconcile(amount)
}

func (r *Runner) refreshBalance(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	seq := r.nextSeq()
	go func() {
		resp, err := r.api.Balance(ctx)
		r.post(func() {
			if err != nil {
				r.cfg.Logger.Warn().Err(err).Msg("balance fetch failed")
				return
			}
			r.reconcile(seq, resp.Balance)
		})
	}()
}

// place runs on the Run goroutine.
func (r *Runner) place(ctx context.Context, amount decimal.Decimal, selection int, autoCashOut float64) (round.Bet, error) {
	bet, err := r.ctrl.Place(r.sess.Now(), amount, selection, autoCashOut)
	if err != nil {
		return bet, err
	}
	req := session.PlaceBetRequest{
		Game:        r.game.Name(),
		PeriodStart: r.sess.PeriodStart(),
		Round:       bet.Round,
		Selection:   bet.Selection,
		Amount:      bet.Amount,
	}
	ctrl := r.ctrl
	seq := r.nextSeq()
	go func() {
		resp, err := r.api.PlaceBet(ctx, req)
		r.post(func() {
			if ctrl != r.ctrl {
				return
			}
			switch {
			case errors.Is(err, session.ErrBetRejected):
				r.cfg.Logger.Warn().Err(err).Int64("round", req.Round).Msg("bet rejected, refunding")
				if rerr := r.ctrl.Reject(req.Round); rerr != nil {
					r.cfg.Logger.Debug().Err(rerr).Msg("nothing to refund")
				}
			case err != nil:
				// The bet may or may not have reached the ledger.
				r.cfg.Logger.Error().Err(err).Int64("round", req.Round).Msg("bet delivery failed")
				r.refreshBalance(ctx)
			default:
				r.reconcile(seq, resp.Balance)
				if len(resp.Bets) > 0 {
					r.mu.Lock()
					r.bets = resp.Bets
					r.mu.Unlock()
				}
			}
		})
	}()
	r.cfg.Logger.Info().
		Int64("round", bet.Round).
		Str("amount", bet.Amount.String()).
		Int("selection", bet.Selection).
		Float64("auto_cash_out", bet.AutoCashOut).
		Msg("bet placed")
	return bet, nil
}

func (r *Runner) autoBet(ctx context.Context, snap round.Snapshot) {
	st := r.cfg.Strategy
	if st == nil || st.Stopped() {
		return
	}
	history := make([]float64, len(snap.History))
	for i, h := range snap.History {
		history[i] = h.Outcome.Metric
	}
	d, err := st.Decide(scripting.RoundContext{
		Game:            r.game.Name(),
		Round:           snap.Round,
		Balance:         snap.Balance.Amount.InexactFloat64(),
		Selections:      r.game.Selections(),
		SupportsCashOut: r.game.SupportsCashOut(),
		History:         history,
		Last:            r.lastBet,
	})
	if err != nil {
		r.cfg.Logger.Error().Err(err).Int64("round", snap.Round).Msg("strategy failed")
		return
	}
	if d.Skip {
		return
	}
	if _, err := r.place(ctx, decimal.NewFromFloat(d.Amount), d.Selection, d.CashOut); err != nil {
		r.cfg.Logger.Warn().Err(err).Int64("round", snap.Round).Msg("strategy bet not placed")
	}
}

func (r *Runner) pollBets(ctx context.Context) {
	if r.game.Selections() < 2 {
		return
	}
	r.mu.RLock()
	betting := r.snap != nil && r.snap.Phase == timeline.PhaseBetting
	r.mu.RUnlock()
	if !betting {
		return
	}
	ctrl := r.ctrl
	go func() {
		bets, err := r.api.Bets(ctx, r.game.Name())
		r.post(func() {
			if err != nil {
				r.cfg.Logger.Debug().Err(err).Msg("bets poll failed")
				return
			}
			if ctrl != r.ctrl {
				return
			}
			r.mu.Lock()
			r.bets = bets
			r.mu.Unlock()
		})
	}()
}

// shutdown force-settles the open bet and waits for every settlement in
// flight, bounded by FlushTimeout.
func (r *Runner) shutdown(ctx context.Context) {
	pending := r.ctrl.Teardown(r.sess.Now())
	for _, stl := range pending {
		r.deliver(ctx, stl)
	}

	finished := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(finished)
	}()
	timeout := r.cfg.Clock.NewTimer(r.cfg.FlushTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-finished:
			r.drain()
			r.cfg.Logger.Info().Int("flushed", len(pending)).Msg("runner stopped")
			return
		case apply := <-r.results:
			apply()
		case <-timeout.Chan():
			r.cfg.Logger.Error().Msg("settlement flush timed out")
			return
		}
	}
}

func (r *Runner) drain() {
	for {
		select {
		case apply := <-r.results:
			apply()
		default:
			return
		}
	}
}

// send runs apply on the Run goroutine.
func (r *Runner) send(ctx context.Context, apply func(context.Context) (round.Bet, error)) (round.Bet, error) {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return round.Bet{}, ErrStopped
	}
	cmd := command{apply: apply, reply: make(chan commandResult, 1)}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return round.Bet{}, ctx.Err()
	case <-r.done:
		return round.Bet{}, ErrStopped
	}
	res := <-cmd.reply
	return res.bet, res.err
}

// Place bets on the current round. autoCashOut is ignored by games without
// cash-out; zero disables it.
func (r *Runner) Place(ctx context.Context, amount decimal.Decimal, selection int, autoCashOut float64) (round.Bet, error) {
	return r.send(ctx, func(ctx context.Context) (round.Bet, error) {
		return r.place(ctx, amount, selection, autoCashOut)
	})
}

// CashOut leaves the current crash round at the displayed multiplier.
func (r *Runner) CashOut(ctx context.Context) (round.Bet, error) {
	return r.send(ctx, func(context.Context) (round.Bet, error) {
		bet, err := r.ctrl.CashOut()
		if err == nil {
			r.cfg.Logger.Info().Int64("round", bet.Round).Float64("multiplier", bet.CashOut).Msg("cashed out")
		}
		return bet, err
	})
}

// Snapshot returns the view of the last frame.
func (r *Runner) Snapshot() (round.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snap == nil {
		return round.Snapshot{}, false
	}
	return *r.snap, true
}

// Bets returns the last fetched bets list of the current round.
func (r *Runner) Bets() []session.BetView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.BetView, len(r.bets))
	copy(out, r.bets)
	return out
}

package play

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/pf-roundclock/internal/round"
	"github.com/MJE43/pf-roundclock/internal/scripting"
	"github.com/MJE43/pf-roundclock/internal/session"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

const period = int64(14_400_000)

// periodStart anchors the tests so that "abc" round 0 starts exactly there.
var periodStart = 100 * period

type fakeAPI struct {
	clock clockwork.Clock

	mu          sync.Mutex
	seeds       map[int64]string
	initErr     error
	inits       int
	placed      []session.PlaceBetRequest
	placeErr    error
	settled     []session.SettleRequest
	settleErr   error
	settleGate  chan struct{}
	balance     decimal.Decimal
	balanceHits int
	bets        []session.BetView
}

func newFakeAPI(clock clockwork.Clock) *fakeAPI {
	return &fakeAPI{
		clock:   clock,
		seeds:   map[int64]string{periodStart: "abc", periodStart + period: "def"},
		balance: decimal.NewFromInt(1000),
	}
}

func (f *fakeAPI) Init(ctx context.Context, game string) (*session.InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if f.initErr != nil {
		return nil, f.initErr
	}
	now := f.clock.Now().UnixMilli()
	seed, ok := f.seeds[session.PeriodStartOf(now, period)]
	if !ok {
		return nil, fmt.Errorf("no seed for %d", now)
	}
	return &session.InitResponse{Seed: seed, ServerTime: now}, nil
}

func (f *fakeAPI) Bets(ctx context.Context, game string) ([]session.BetView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bets, nil
}

func (f *fakeAPI) PlaceBet(ctx context.Context, req session.PlaceBetRequest) (*session.PlaceBetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.balance = f.balance.Sub(req.Amount)
	return &session.PlaceBetResponse{OK: true, Balance: f.balance}, nil
}

func (f *fakeAPI) Settle(ctx context.Context, req session.SettleRequest) (*session.SettleResponse, error) {
	f.mu.Lock()
	f.settled = append(f.settled, req)
	gate := f.settleGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	f.balance = f.balance.Add(req.Win)
	return &session.SettleResponse{OK: true, Balance: f.balance}, nil
}

func (f *fakeAPI) Balance(ctx context.Context) (*session.BalanceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceHits++
	return &session.BalanceResponse{Balance: f.balance}, nil
}

func (f *fakeAPI) settlements() []session.SettleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.SettleRequest(nil), f.settled...)
}

func (f *fakeAPI) placements() []session.PlaceBetRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.PlaceBetRequest(nil), f.placed...)
}

type harness struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	api    *fakeAPI
	runner *Runner
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func start(t *testing.T, game string, at int64, mutate func(*Config, *fakeAPI)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(at))
	api := newFakeAPI(clock)
	cfg := Config{Game: game, Owner: "u1", Clock: clock, Logger: zerolog.Nop(), FlushTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg, api)
	}
	r, err := NewRunner(api, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, clock: clock, api: api, runner: r, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- r.Run(ctx) }()
	t.Cleanup(h.stop)

	// Both tickers registered means the loop is running.
	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	require.NoError(t, clock.BlockUntilContext(bctx, 2))
	h.waitFor(func(s round.Snapshot) bool { return s.Balance.Known }, "initial balance")
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			h.t.Error("runner did not stop")
		}
	})
}

// advance moves the clock and waits until the runner ticked past it.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	target := float64(h.clock.Now().Add(d).UnixMilli())
	h.clock.Advance(d)
	h.waitFor(func(s round.Snapshot) bool {
		return s.Window.Start+s.Elapsed >= target-0.5 || s.Expired
	}, "tick after advance")
}

func (h *harness) waitFor(cond func(round.Snapshot) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s, ok := h.runner.Snapshot()
		return ok && cond(s)
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func TestRunRequiresSeed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(periodStart + 1000))
	api := newFakeAPI(clock)
	api.initErr = errors.New("connection refused")
	r, err := NewRunner(api, Config{Game: "crash", Clock: clock, Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, session.ErrSeedUnavailable)
	_, ok := r.Snapshot()
	assert.False(t, ok, "no tick without a seed")

	_, err = r.Place(context.Background(), decimal.NewFromInt(1), 0, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRunnerUnknownGame(t *testing.T) {
	_, err := NewRunner(&fakeAPI{}, Config{Game: "slots"})
	assert.Error(t, err)
}

func TestCrashRoundSettlesOnce(t *testing.T) {
	h := start(t, "crash", periodStart+1000, nil)

	snap, _ := h.runner.Snapshot()
	assert.Equal(t, int64(0), snap.Round)
	assert.Equal(t, timeline.PhaseBetting, snap.Phase)
	assert.Equal(t, 2, snap.SecondsLeft)

	bet, err := h.runner.Place(context.Background(), decimal.NewFromInt(10), 0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, round.BetPlaced, bet.State)

	_, err = h.runner.Place(context.Background(), decimal.NewFromInt(10), 0, 0)
	assert.ErrorIs(t, err, round.ErrBetExists)

	require.Eventually(t, func() bool { return len(h.api.placements()) == 1 }, time.Second, 5*time.Millisecond)
	placed := h.api.placements()[0]
	assert.Equal(t, periodStart, placed.PeriodStart)
	assert.Equal(t, int64(0), placed.Round)

	// Fly through round 0 (cp 2.57) in frames; the auto cash-out fires at 2.0.
	for i := 0; i < 40; i++ {
		h.advance(200 * time.Millisecond)
	}
	h.waitFor(func(s round.Snapshot) bool { return s.Round == 1 }, "round 1")

	require.Eventually(t, func() bool { return len(h.api.settlements()) == 1 }, time.Second, 5*time.Millisecond)
	stl := h.api.settlements()[0]
	assert.Equal(t, round.SettlementID("u1", "abc", 0, "crash"), stl.ID)
	assert.Equal(t, 2.0, stl.CashOut)
	assert.True(t, stl.Win.Equal(decimal.NewFromInt(20)), stl.Win.String())
	assert.Equal(t, periodStart, stl.PeriodStart)

	h.waitFor(func(s round.Snapshot) bool {
		return !s.Balance.Optimistic && s.Balance.Amount.Equal(decimal.NewFromInt(1010))
	}, "reconciled balance")

	h.waitFor(func(s round.Snapshot) bool {
		e, ok := firstHistory(s)
		return ok && e.Round == 0 && e.Outcome.Metric == 2.57
	}, "history")

	// More frames do not settle again.
	h.advance(time.Second)
	h.stop()
	assert.Len(t, h.api.settlements(), 1)
}

func firstHistory(s round.Snapshot) (round.HistoryEntry, bool) {
	if len(s.History) == 0 {
		return round.HistoryEntry{}, false
	}
	return s.History[0], true
}

func TestManualCashOut(t *testing.T) {
	h := start(t, "crash", periodStart+1000, nil)
	_, err := h.runner.Place(context.Background(), decimal.NewFromInt(100), 0, 0)
	require.NoError(t, err)

	_, err = h.runner.CashOut(context.Background())
	assert.ErrorIs(t, err, round.ErrNotActive)

	// 1000ms into the flight: floor(e^0.5 * 100)/100 = 1.64.
	h.advance(3000 * time.Millisecond)
	bet, err := h.runner.CashOut(context.Background())
	require.NoError(t, err)
	assert.Equal(t, round.BetCashedOut, bet.State)
	assert.Equal(t, 1.64, bet.CashOut)
	assert.True(t, bet.Payout.Equal(decimal.NewFromInt(164)))

	again, err := h.runner.CashOut(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bet, again)
}

func TestRejectedBetIsRefunded(t *testing.T) {
	h := start(t, "crash", periodStart+1000, func(_ *Config, api *fakeAPI) {
		api.placeErr = fmt.Errorf("%w: insufficient balance", session.ErrBetRejected)
	})

	_, err := h.runner.Place(context.Background(), decimal.NewFromInt(10), 0, 0)
	require.NoError(t, err)

	h.waitFor(func(s round.Snapshot) bool { return s.Bet.State == round.BetRefunded }, "refund")
	snap, _ := h.runner.Snapshot()
	assert.True(t, snap.Balance.Amount.Equal(decimal.NewFromInt(1000)))

	// Nothing to settle for a refunded bet.
	h.advance(9 * time.Second)
	h.stop()
	assert.Empty(t, h.api.settlements())
}

func TestSettlementFailureRefetchesBalance(t *testing.T) {
	h := start(t, "race", periodStart+1000, func(_ *Config, api *fakeAPI) {
		api.settleErr = fmt.Errorf("%w: 502", session.ErrSettlementDelivery)
	})

	// "abc" round 0 is won by runner 0.
	_, err := h.runner.Place(context.Background(), decimal.NewFromInt(10), 0, 0)
	require.NoError(t, err)
	h.waitFor(func(s round.Snapshot) bool {
		return !s.Balance.Optimistic && s.Balance.Amount.Equal(decimal.NewFromInt(990))
	}, "bet acknowledged")

	h.advance(15 * time.Second)
	require.Eventually(t, func() bool { return len(h.api.settlements()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.api.settlements()[0].Win.Equal(decimal.NewFromInt(28)))

	// The ledger never saw the win; the mirror must follow the ledger.
	require.Eventually(t, func() bool {
		h.api.mu.Lock()
		defer h.api.mu.Unlock()
		return h.api.balanceHits >= 2
	}, time.Second, 5*time.Millisecond)
	h.waitFor(func(s round.Snapshot) bool {
		return !s.Balance.Optimistic && s.Balance.Amount.Equal(decimal.NewFromInt(990))
	}, "balance reconciled to ledger")
}

func TestShutdownFlushesOpenBet(t *testing.T) {
	h := start(t, "race", periodStart+1000, nil)
	_, err := h.runner.Place(context.Background(), decimal.NewFromInt(5), 2, 0)
	require.NoError(t, err)
	h.advance(8 * time.Second) // racing

	h.stop()
	stls := h.api.settlements()
	require.Len(t, stls, 1, "settled synchronously on teardown")
	assert.Equal(t, int64(0), stls[0].Round)
	assert.True(t, stls[0].Win.IsZero(), "runner 2 lost round 0")

	_, err = h.runner.Place(context.Background(), decimal.NewFromInt(5), 2, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdownFlushTimeoutFollowsClock(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := start(t, "race", periodStart+1000, func(cfg *Config, api *fakeAPI) {
		cfg.FlushTimeout = time.Hour
		api.settleGate = gate
	})
	_, err := h.runner.Place(context.Background(), decimal.NewFromInt(5), 2, 0)
	require.NoError(t, err)
	h.advance(8 * time.Second)

	h.cancel()
	require.Eventually(t, func() bool { return len(h.api.settlements()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(h.done) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"waits for the stuck settlement while the clock stands still")

	var runErr error
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Hour)
		select {
		case runErr = <-h.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, runErr)
	h.once.Do(func() {})
}

func TestRaceBetsArePolledWhileBetting(t *testing.T) {
	h := start(t, "race", periodStart+1000, func(_ *Config, api *fakeAPI) {
		api.bets = []session.BetView{{UserID: "u2", Selection: 3, Amount: decimal.NewFromInt(7), UserName: "bob"}}
	})
	assert.Empty(t, h.runner.Bets())

	h.advance(2500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.runner.Bets()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", h.runner.Bets()[0].UserName)

	// A new round clears the list.
	h.api.mu.Lock()
	h.api.bets = nil
	h.api.mu.Unlock()
	h.advance(12 * time.Second)
	require.Eventually(t, func() bool { return len(h.runner.Bets()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRolloverOpensNextPeriod(t *testing.T) {
	// Round 959 of the race grid starts 15s before the period end.
	h := start(t, "race", periodStart+period-14_000, nil)
	snap, _ := h.runner.Snapshot()
	assert.Equal(t, int64(959), snap.Round)
	before := len(snap.History)

	h.clock.Advance(15 * time.Second)
	h.waitFor(func(s round.Snapshot) bool {
		return s.Window.Start >= float64(periodStart+period) && !s.Expired
	}, "next period")

	snap, _ = h.runner.Snapshot()
	assert.Equal(t, int64(0), snap.Round)
	assert.Equal(t, before, len(snap.History), "history carried over the rollover")
	e, _ := firstHistory(snap)
	assert.Equal(t, int64(959), e.Round)

	h.api.mu.Lock()
	assert.Equal(t, 2, h.api.inits)
	h.api.mu.Unlock()
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds []round.EffectKind
}

func (o *recordingObserver) OnEffects(_ round.Snapshot, effects []round.Effect) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range effects {
		o.kinds = append(o.kinds, e.Kind)
	}
}

func TestStrategyBetsEachRound(t *testing.T) {
	strat, err := scripting.NewStrategy(`
		function onRound(ctx) {
			if (ctx.round > 1) { stop(); return null }
			return { amount: 1, selection: 0 }
		}
	`, time.Second)
	require.NoError(t, err)
	obs := &recordingObserver{}

	// Start in round 0's race phase so the first decision is for round 1.
	h := start(t, "race", periodStart+8000, func(cfg *Config, _ *fakeAPI) {
		cfg.Strategy = strat
		cfg.Observer = obs
	})
	assert.Empty(t, h.api.placements())

	h.advance(8 * time.Second)
	require.Eventually(t, func() bool { return len(h.api.placements()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.api.placements()[0].Round)

	h.advance(15 * time.Second)
	h.advance(15 * time.Second)
	assert.True(t, strat.Stopped())
	assert.Len(t, h.api.placements(), 1)

	obs.mu.Lock()
	assert.Contains(t, obs.kinds, round.EffectSettle)
	assert.Contains(t, obs.kinds, round.EffectRoundStart)
	obs.mu.Unlock()
}

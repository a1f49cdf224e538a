package games

import (
	"math"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

const GameCrash = "crash"

// CrashConfig holds the crash game's timing and payout constants.
// Clients and the server must agree on every field.
type CrashConfig struct {
	BettingMs     float64 `yaml:"betting_ms"`
	FlyCapMs      float64 `yaml:"fly_cap_ms"`
	PostMs        float64 `yaml:"post_ms"`
	Rate          float64 `yaml:"rate"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	MinMultiplier float64 `yaml:"min_multiplier"`
	BustModulus   uint64  `yaml:"bust_modulus"`
	History       int     `yaml:"history"`
	TTLMs         int64   `yaml:"ttl_ms"`
}

func DefaultCrashConfig() CrashConfig {
	return CrashConfig{
		BettingMs:     3000,
		FlyCapMs:      9000,
		PostMs:        3000,
		Rate:          0.0005,
		MaxMultiplier: 100,
		MinMultiplier: 1.01,
		BustModulus:   25,
		History:       15,
		TTLMs:         14_400_000,
	}
}

// CrashOutcome is where a crash round busts.
type CrashOutcome struct {
	CrashPoint float64 `json:"crash_point"`
	// FlyMs is the length of the flying phase.
	FlyMs float64 `json:"fly_ms"`
}

// Bust reports an instant crash at 1.00.
func (c CrashOutcome) Bust() bool { return c.CrashPoint <= 1 }

// Crash is the multiplier crash game ("rocket").
type Crash struct {
	cfg CrashConfig
}

// NewCrash builds a crash game; zero fields fall back to the defaults.
func NewCrash(cfg CrashConfig) *Crash {
	def := DefaultCrashConfig()
	if cfg.BettingMs <= 0 {
		cfg.BettingMs = def.BettingMs
	}
	if cfg.FlyCapMs <= 0 {
		cfg.FlyCapMs = def.FlyCapMs
	}
	if cfg.PostMs <= 0 {
		cfg.PostMs = def.PostMs
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = def.MaxMultiplier
	}
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = def.MinMultiplier
	}
	if cfg.BustModulus == 0 {
		cfg.BustModulus = def.BustModulus
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = def.TTLMs
	}
	return &Crash{cfg: cfg}
}

func (c *Crash) Name() string          { return GameCrash }
func (c *Crash) MetricName() string    { return "crash_point" }
func (c *Crash) HistoryLimit() int     { return c.cfg.History }
func (c *Crash) TTL() int64            { return c.cfg.TTLMs }
func (c *Crash) Config() CrashConfig   { return c.cfg }
func (c *Crash) Selections() int       { return 1 }
func (c *Crash) SupportsCashOut() bool { return true }

// CrashPoint derives the bust multiplier of round n.
//
// One label in BustModulus busts instantly at 1.00. Otherwise the point is
// 1/(1-u) truncated to two decimals and clamped to [MinMultiplier, MaxMultiplier].
// The product is evaluated as (1/(1-u))*100; reordering it changes rounding.
func (c *Crash) CrashPoint(seed string, n int64) float64 {
	if engine.Hash(engine.Label(seed, n, "c"))%c.cfg.BustModulus == 0 {
		return 1.0
	}
	u := engine.Uniform(engine.Label(seed, n))
	cp := 1 / (1 - u)
	v := math.Floor(cp*100) / 100
	return math.Min(c.cfg.MaxMultiplier, math.Max(c.cfg.MinMultiplier, v))
}

// FlyMs is how long the multiplier climbs before reaching cp, capped.
func (c *Crash) FlyMs(cp float64) float64 {
	if cp <= 1 {
		return 0
	}
	return math.Min(math.Log(cp)/c.cfg.Rate, c.cfg.FlyCapMs)
}

// Duration is the full window length of round n.
func (c *Crash) Duration(seed string, n int64) float64 {
	return c.cfg.BettingMs + c.FlyMs(c.CrashPoint(seed, n)) + c.cfg.PostMs
}

// MultiplierAt is the displayed multiplier after flyElapsed ms of flight.
func (c *Crash) MultiplierAt(flyElapsed float64) float64 {
	if flyElapsed <= 0 {
		return 1
	}
	return math.Floor(math.Exp(c.cfg.Rate*flyElapsed)*100) / 100
}

func (c *Crash) Outcome(seed string, n int64) Outcome {
	cp := c.CrashPoint(seed, n)
	return Outcome{
		Game:   GameCrash,
		Round:  n,
		Metric: cp,
		Crash:  &CrashOutcome{CrashPoint: cp, FlyMs: c.FlyMs(cp)},
	}
}

func (c *Crash) Timeline(seed string, periodStart float64) (timeline.Timeline, error) {
	return timeline.NewVariable(periodStart, crashSchedule{game: c, seed: seed})
}

func (c *Crash) PhaseLabel(p timeline.Phase) string {
	switch p {
	case timeline.PhaseBetting:
		return "betting"
	case timeline.PhaseActive:
		return "flying"
	case timeline.PhaseResolved:
		return "crashed"
	default:
		return p.String()
	}
}

// LiveMultiplier climbs while flying and shows the crash point once resolved.
func (c *Crash) LiveMultiplier(p timeline.Position, o Outcome) float64 {
	cp := o.Metric
	switch p.Phase {
	case timeline.PhaseActive:
		return math.Min(c.MultiplierAt(p.ActiveElapsed), cp)
	case timeline.PhaseResolved:
		return cp
	default:
		return 1
	}
}

// Payout pays floor(amount*cashOut) when the bet left at or below the crash point.
func (c *Crash) Payout(w Wager, o Outcome) float64 {
	if w.CashOut <= 0 || o.Crash == nil || o.Crash.Bust() || w.CashOut > o.Crash.CrashPoint {
		return 0
	}
	return math.Floor(w.Amount * w.CashOut)
}

// crashSchedule feeds outcome-dependent flight times to a variable timeline.
type crashSchedule struct {
	game *Crash
	seed string
}

func (s crashSchedule) BettingMs() float64 { return s.game.cfg.BettingMs }
func (s crashSchedule) ResolvedMs() float64 { return s.game.cfg.PostMs }
func (s crashSchedule) ActiveMs(n int64) float64 {
	return s.game.FlyMs(s.game.CrashPoint(s.seed, n))
}

package games

import (
	"math"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

const GameRace = "race"

// Runners is the number of entrants in every race.
const Runners = 6

// RaceConfig holds the race game's timing, odds and payouts.
type RaceConfig struct {
	CycleMs   float64   `yaml:"cycle_ms"`
	BettingMs float64   `yaml:"betting_ms"`
	RunMs     float64   `yaml:"run_ms"`
	Weights   []int     `yaml:"weights"`
	Payouts   []float64 `yaml:"payouts"`
	History   int       `yaml:"history"`
	TTLMs     int64     `yaml:"ttl_ms"`
}

func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		CycleMs:   15000,
		BettingMs: 7000,
		RunMs:     5000,
		Weights:   []int{30, 25, 20, 13, 8, 4},
		Payouts:   []float64{2.8, 3.4, 4.2, 6.5, 10, 20},
		History:   10,
		TTLMs:     14_400_000,
	}
}

// RaceOutcome is the winner and the finishing distance of every runner.
type RaceOutcome struct {
	Winner    int          `json:"winner"`
	Positions [Runners]int `json:"positions"`
}

// Race is the fixed-cycle race game ("monkey race").
type Race struct {
	cfg RaceConfig
}

// NewRace builds a race game; zero fields fall back to the defaults.
// Weights and Payouts must have one entry per runner, otherwise the defaults apply.
func NewRace(cfg RaceConfig) *Race {
	def := DefaultRaceConfig()
	if cfg.CycleMs <= 0 {
		cfg.CycleMs = def.CycleMs
	}
	if cfg.BettingMs <= 0 {
		cfg.BettingMs = def.BettingMs
	}
	if cfg.RunMs <= 0 {
		cfg.RunMs = def.RunMs
	}
	if len(cfg.Weights) != Runners {
		cfg.Weights = def.Weights
	}
	if len(cfg.Payouts) != Runners {
		cfg.Payouts = def.Payouts
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = def.TTLMs
	}
	return &Race{cfg: cfg}
}

func (r *Race) Name() string       { return GameRace }
func (r *Race) MetricName() string { return "winner" }
func (r *Race) HistoryLimit() int  { return r.cfg.History }
func (r *Race) TTL() int64         { return r.cfg.TTLMs }
func (r *Race) Config() RaceConfig { return r.cfg }
func (r *Race) Selections() int    { return Runners }

func (r *Race) SupportsCashOut() bool { return false }

// Winner picks round n's winner: Hash(seed:n:race)%100 walked down the weights.
func (r *Race) Winner(seed string, n int64) int {
	return WeightedPick(int(engine.Hash(engine.Label(seed, n, "race"))%100), r.cfg.Weights)
}

// WeightedPick returns the first index at which the running subtraction of
// weights from roll goes negative, or 0 if it never does.
func WeightedPick(roll int, weights []int) int {
	for i, w := range weights {
		roll -= w
		if roll < 0 {
			return i
		}
	}
	return 0
}

// Positions returns finishing distances: 100 for the winner, 65..94 for the rest.
func (r *Race) Positions(seed string, n int64, winner int) [Runners]int {
	var pos [Runners]int
	for i := range pos {
		if i == winner {
			pos[i] = 100
			continue
		}
		pos[i] = 65 + int(engine.Hash(engine.Label(seed, n, "pos", i))%30)
	}
	return pos
}

func (r *Race) Outcome(seed string, n int64) Outcome {
	w := r.Winner(seed, n)
	return Outcome{
		Game:   GameRace,
		Round:  n,
		Metric: float64(w),
		Race:   &RaceOutcome{Winner: w, Positions: r.Positions(seed, n, w)},
	}
}

func (r *Race) Timeline(_ string, periodStart float64) (timeline.Timeline, error) {
	return timeline.NewFixed(periodStart, r.cfg.CycleMs, r.cfg.BettingMs, r.cfg.RunMs)
}

func (r *Race) PhaseLabel(p timeline.Phase) string {
	switch p {
	case timeline.PhaseBetting:
		return "betting"
	case timeline.PhaseActive:
		return "racing"
	case timeline.PhaseResolved:
		return "result"
	default:
		return p.String()
	}
}

// LiveMultiplier is always zero: race odds are fixed per runner.
func (r *Race) LiveMultiplier(timeline.Position, Outcome) float64 { return 0 }

// PayoutFor returns the multiplier paid on runner i.
func (r *Race) PayoutFor(i int) float64 {
	if i < 0 || i >= len(r.cfg.Payouts) {
		return 0
	}
	return r.cfg.Payouts[i]
}

// Payout pays floor(amount*payout[selection]) when the selection won.
func (r *Race) Payout(w Wager, o Outcome) float64 {
	if o.Race == nil || w.Selection != o.Race.Winner {
		return 0
	}
	return math.Floor(w.Amount * r.PayoutFor(w.Selection))
}

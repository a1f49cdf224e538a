package games

import (
	"sort"
	"sync"

	"github.com/MJE43/pf-roundclock/internal/timeline"
)

// Game is a timed provably fair game whose rounds derive from a shared seed.
type Game interface {
	// Name returns the game's identifier ("crash", "race").
	Name() string

	// MetricName names Outcome.Metric for scans and verification.
	MetricName() string

	// Outcome derives round n of seed. Pure and deterministic.
	Outcome(seed string, n int64) Outcome

	// Timeline builds the round grid of one seed period.
	Timeline(seed string, periodStart float64) (timeline.Timeline, error)

	// PhaseLabel names a phase the way the game presents it.
	PhaseLabel(p timeline.Phase) string

	// LiveMultiplier is the multiplier shown at a position; zero when the game has none.
	LiveMultiplier(p timeline.Position, o Outcome) float64

	// Payout returns the winnings of w against o. Zero means the wager lost.
	Payout(w Wager, o Outcome) float64

	// Selections is how many choices a bet can pick from (1 for crash).
	Selections() int

	// SupportsCashOut reports whether bets may leave mid-round.
	SupportsCashOut() bool

	// HistoryLimit bounds the resolved-rounds strip.
	HistoryLimit() int

	// TTL is how long one seed period lasts, in milliseconds.
	TTL() int64
}

// Outcome is the resolved result of one round.
type Outcome struct {
	Game   string        `json:"game"`
	Round  int64         `json:"round"`
	Metric float64       `json:"metric"`
	Crash  *CrashOutcome `json:"crash,omitempty"`
	Race   *RaceOutcome  `json:"race,omitempty"`
}

// Wager is the part of a bet a payout depends on.
type Wager struct {
	Amount    float64 `json:"amount"`
	Selection int     `json:"selection"`
	// CashOut is the multiplier a crash bet left at; zero if it never did.
	CashOut float64 `json:"cash_out,omitempty"`
}

var (
	registryMu   sync.RWMutex
	GameRegistry = make(map[string]Game)
)

// RegisterGame adds a game to the registry, replacing one with the same name.
func RegisterGame(game Game) {
	registryMu.Lock()
	defer registryMu.Unlock()
	GameRegistry[game.Name()] = game
}

// GetGame retrieves a game by name
func GetGame(name string) (Game, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	game, exists := GameRegistry[name]
	return game, exists
}

// ListGames returns all registered game names, sorted.
func ListGames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(GameRegistry))
	for name := range GameRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterGame(NewCrash(DefaultCrashConfig()))
	RegisterGame(NewRace(DefaultRaceConfig()))
}

// Package seeds issues one seed per game per period, derived from a master
// secret so that every server replica hands out the same seed.
package seeds

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/session"
)

// Issue is what /session/init returns, plus the period bounds.
type Issue struct {
	Game        string `json:"game"`
	Seed        string `json:"seed"`
	ServerTime  int64  `json:"serverTime"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
}

// Issuer derives seeds as HMAC-SHA256(master, "game:periodStart").
type Issuer struct {
	master []byte
	clock  clockwork.Clock
}

func NewIssuer(master []byte, clock clockwork.Clock) (*Issuer, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("seeds: empty master secret")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &Issuer{master: m, clock: clock}, nil
}

// SeedFor returns the seed of the period starting at periodStart.
func (i *Issuer) SeedFor(game string, periodStart int64) string {
	mac := hmac.New(sha256.New, i.master)
	mac.Write([]byte(engine.Label(game, periodStart)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns the current seed of game.
func (i *Issuer) Issue(game string) (Issue, error) {
	g, ok := games.GetGame(game)
	if !ok {
		return Issue{}, fmt.Errorf("seeds: unknown game %q", game)
	}
	now := i.clock.Now().UnixMilli()
	ttl := g.TTL()
	start := session.PeriodStartOf(now, ttl)
	return Issue{
		Game:        game,
		Seed:        i.SeedFor(game, start),
		ServerTime:  now,
		PeriodStart: start,
		PeriodEnd:   start + ttl,
	}, nil
}

// Commitment is the public SHA-256 of a seed.
func Commitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

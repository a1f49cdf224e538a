package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTTL is the seed lifetime: four hours.
const DefaultTTL int64 = 14_400_000

// SeedFetcher issues seeds. *Client implements it.
type SeedFetcher interface {
	Init(ctx context.Context, game string) (*InitResponse, error)
}

// Session is one fetched seed plus the clock offset to the server.
// It is immutable after Open.
type Session struct {
	game        string
	seed        string
	serverTime  int64
	offset      int64
	ttl         int64
	periodStart int64
	clock       clockwork.Clock
}

// Open fetches a seed and anchors the local clock. Failures are wrapped in
// ErrSeedUnavailable; no seed is ever substituted.
func Open(ctx context.Context, f SeedFetcher, clock clockwork.Clock, game string, ttl int64) (*Session, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	res, err := f.Init(ctx, game)
	if err != nil {
		if errors.Is(err, ErrSeedUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSeedUnavailable, err)
	}
	if res == nil || res.Seed == "" || res.ServerTime <= 0 {
		return nil, fmt.Errorf("%w: incomplete init response", ErrSeedUnavailable)
	}
	return New(game, res.Seed, res.ServerTime, clock.Now().UnixMilli(), ttl, clock), nil
}

// New builds a session from an already fetched seed. localAtFetch is the
// local wall clock, in ms, at the moment serverTime was observed.
func New(game, seed string, serverTime, localAtFetch, ttl int64, clock clockwork.Clock) *Session {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Session{
		game:        game,
		seed:        seed,
		serverTime:  serverTime,
		offset:      serverTime - localAtFetch,
		ttl:         ttl,
		periodStart: PeriodStartOf(serverTime, ttl),
		clock:       clock,
	}
}

// PeriodStartOf floors t to the seed period grid.
func PeriodStartOf(t, ttl int64) int64 {
	if t < 0 {
		return 0
	}
	return (t / ttl) * ttl
}

func (s *Session) Game() string       { return s.game }
func (s *Session) Seed() string       { return s.seed }
func (s *Session) ServerTime() int64  { return s.serverTime }
func (s *Session) TTL() int64         { return s.ttl }
func (s *Session) PeriodStart() int64 { return s.periodStart }
func (s *Session) PeriodEnd() int64   { return s.periodStart + s.ttl }

// Offset is server time minus local time at fetch.
func (s *Session) Offset() time.Duration {
	return time.Duration(s.offset) * time.Millisecond
}

// Now is the estimated server time in ms.
func (s *Session) Now() float64 {
	return float64(s.clock.Now().UnixMilli() + s.offset)
}

// Expired reports whether now has crossed the end of the seed period.
func (s *Session) Expired(now float64) bool {
	return now >= float64(s.PeriodEnd())
}

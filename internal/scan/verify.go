package scan

import (
	"fmt"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

// MaxVerifyRounds bounds one verification request.
const MaxVerifyRounds = 1000

// maxWalk bounds how far the timeline is walked to reach the first round.
const maxWalk = 1_000_000

// VerifyRequest recomputes rounds of a revealed seed. When At is set the
// round live at that instant is verified instead of Round.
type VerifyRequest struct {
	Game        string `json:"game"`
	Seed        string `json:"seed"`
	PeriodStart int64  `json:"period_start"`
	Round       int64  `json:"round"`
	Count       int    `json:"count,omitempty"`
	At          *int64 `json:"at,omitempty"`
}

// VerifiedRound is one recomputed round and its slot on the timeline.
type VerifiedRound struct {
	Outcome games.Outcome   `json:"outcome"`
	Window  timeline.Window `json:"window"`
}

type VerifyResult struct {
	Game       string          `json:"game"`
	SeedDigest string          `json:"seed_digest"`
	MetricName string          `json:"metric_name"`
	Rounds     []VerifiedRound `json:"rounds"`
}

// Verify recomputes outcomes and windows exactly as live clients derive them.
func Verify(req VerifyRequest) (*VerifyResult, error) {
	game, ok := games.GetGame(req.Game)
	if !ok {
		return nil, ErrGameNotFound
	}
	if req.Seed == "" {
		return nil, ErrEmptySeed
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if count > MaxVerifyRounds {
		return nil, fmt.Errorf("%w: count %d above %d", ErrInvalidRange, count, MaxVerifyRounds)
	}

	tl, err := game.Timeline(req.Seed, float64(req.PeriodStart))
	if err != nil {
		return nil, err
	}

	var w timeline.Window
	if req.At != nil {
		w = tl.Locate(float64(*req.At))
	} else {
		if req.Round < 0 || req.Round > maxWalk {
			return nil, fmt.Errorf("%w: round %d", ErrInvalidRange, req.Round)
		}
		w = tl.Locate(tl.PeriodStart())
		for w.Index < req.Round {
			w = tl.Advance(w, w.End())
		}
	}

	res := &VerifyResult{
		Game:       game.Name(),
		SeedDigest: engine.SeedDigest(req.Seed),
		MetricName: game.MetricName(),
		Rounds:     make([]VerifiedRound, 0, count),
	}
	for i := 0; i < count; i++ {
		res.Rounds = append(res.Rounds, VerifiedRound{
			Outcome: game.Outcome(req.Seed, w.Index),
			Window:  w,
		})
		w = tl.Advance(w, w.End())
	}
	return res, nil
}

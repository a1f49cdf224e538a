// Package timeline maps "now" onto the round grid of one seed period.
//
// All times are milliseconds held in IEEE-754 doubles. Crash rounds have
// fractional lengths (ln(cp)/rate), so window starts are fractional too; the
// contiguity invariant w[i].Start+w[i].Duration == w[i+1].Start holds exactly
// because every start is produced by that very addition.
package timeline

import "fmt"

// Phase is the coarse state of a round at an instant. Games give the phases
// their own names (flying/crashed, racing/result).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBetting
	PhaseActive
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBetting:
		return "betting"
	case PhaseActive:
		return "active"
	case PhaseResolved:
		return "resolved"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Window is one round's slot on the timeline.
type Window struct {
	Index    int64   `json:"index"`
	Start    float64 `json:"start_ms"`
	Duration float64 `json:"duration_ms"`
}

// End returns the instant the next round starts.
func (w Window) End() float64 {
	return w.Start + w.Duration
}

// Contains reports whether now falls inside [Start, End).
func (w Window) Contains(now float64) bool {
	return now >= w.Start && now < w.End()
}

// Position is the derived view of a window at one instant.
type Position struct {
	Window Window `json:"window"`
	Phase  Phase  `json:"phase"`
	// Elapsed is measured from the window start.
	Elapsed float64 `json:"elapsed_ms"`
	// ActiveElapsed is measured from the start of the active phase; zero while betting.
	ActiveElapsed float64 `json:"active_elapsed_ms"`
	// Remaining is the time left in the current phase.
	Remaining float64 `json:"remaining_ms"`
}

// SecondsLeft is the countdown shown to players, rounded up.
func (p Position) SecondsLeft() int {
	if p.Remaining <= 0 {
		return 0
	}
	s := int(p.Remaining / 1000)
	if float64(s)*1000 < p.Remaining {
		s++
	}
	return s
}

// Timeline locates rounds for one seed period.
type Timeline interface {
	// PeriodStart is the anchor of round 0.
	PeriodStart() float64
	// Locate finds the window containing now from scratch (cold start, reconnect).
	Locate(now float64) Window
	// Advance moves a known window forward until it contains now.
	// Windows that already contain now are returned unchanged.
	Advance(w Window, now float64) Window
	// Position derives phase and elapsed times of w at now.
	Position(w Window, now float64) Position
}

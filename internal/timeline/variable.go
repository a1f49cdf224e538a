package timeline

import "fmt"

// Schedule supplies per-round phase lengths for a Variable timeline.
type Schedule interface {
	BettingMs() float64
	// ActiveMs is the length of round index's active phase, derived from its outcome.
	ActiveMs(index int64) float64
	ResolvedMs() float64
}

// RoundDuration is the full window length of round index.
func RoundDuration(s Schedule, index int64) float64 {
	return s.BettingMs() + s.ActiveMs(index) + s.ResolvedMs()
}

// Variable is a timeline whose round lengths depend on each round's outcome.
// Locating a round therefore walks forward from the period start; the walk
// is bounded because every round lasts at least betting+resolved.
type Variable struct {
	periodStart float64
	sched       Schedule
}

// NewVariable anchors a variable timeline at periodStart.
func NewVariable(periodStart float64, sched Schedule) (*Variable, error) {
	if sched == nil {
		return nil, fmt.Errorf("timeline: nil schedule")
	}
	if sched.BettingMs() < 0 || sched.ResolvedMs() < 0 || sched.BettingMs()+sched.ResolvedMs() <= 0 {
		return nil, fmt.Errorf("timeline: betting+resolved must be positive, got %v+%v",
			sched.BettingMs(), sched.ResolvedMs())
	}
	return &Variable{periodStart: periodStart, sched: sched}, nil
}

func (v *Variable) PeriodStart() float64 { return v.periodStart }

func (v *Variable) window(index int64, start float64) Window {
	return Window{Index: index, Start: start, Duration: RoundDuration(v.sched, index)}
}

// Locate scans from round 0. A now before the period start (clock skew)
// resolves to round 0.
func (v *Variable) Locate(now float64) Window {
	return v.Advance(v.window(0, v.periodStart), now)
}

// Advance walks forward from w. It never moves backwards.
func (v *Variable) Advance(w Window, now float64) Window {
	for now >= w.End() {
		w = v.window(w.Index+1, w.End())
	}
	return w
}

func (v *Variable) Position(w Window, now float64) Position {
	elapsed := now - w.Start
	if elapsed < 0 {
		elapsed = 0
	}
	bet := v.sched.BettingMs()
	active := v.sched.ActiveMs(w.Index)

	p := Position{Window: w, Elapsed: elapsed}
	switch {
	case elapsed < bet:
		p.Phase = PhaseBetting
		p.Remaining = bet - elapsed
	case elapsed-bet < active:
		p.Phase = PhaseActive
		p.ActiveElapsed = elapsed - bet
		p.Remaining = active - p.ActiveElapsed
	default:
		p.Phase = PhaseResolved
		p.ActiveElapsed = active
		p.Remaining = w.Duration - elapsed
		if p.Remaining < 0 {
			p.Remaining = 0
		}
	}
	return p
}

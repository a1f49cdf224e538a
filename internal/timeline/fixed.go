package timeline

import (
	"fmt"
	"math"
)

// Fixed is a timeline with a constant cycle: betting, active, then resolved
// for the remainder of the cycle.
type Fixed struct {
	periodStart float64
	cycle       float64
	betting     float64
	active      float64
}

// NewFixed anchors a fixed-cycle timeline at periodStart.
func NewFixed(periodStart, cycle, betting, active float64) (*Fixed, error) {
	if cycle <= 0 || betting < 0 || active < 0 || betting+active > cycle {
		return nil, fmt.Errorf("timeline: invalid fixed cycle %v (betting %v, active %v)", cycle, betting, active)
	}
	return &Fixed{periodStart: periodStart, cycle: cycle, betting: betting, active: active}, nil
}

func (f *Fixed) PeriodStart() float64 { return f.periodStart }

// Cycle returns the constant round length.
func (f *Fixed) Cycle() float64 { return f.cycle }

func (f *Fixed) Locate(now float64) Window {
	elapsed := now - f.periodStart
	if elapsed < 0 {
		elapsed = 0
	}
	idx := int64(math.Floor(elapsed / f.cycle))
	return Window{Index: idx, Start: f.periodStart + float64(idx)*f.cycle, Duration: f.cycle}
}

// Advance is O(1): windows of a fixed timeline are computable by division.
func (f *Fixed) Advance(w Window, now float64) Window {
	if now < w.End() {
		return w
	}
	return f.Locate(now)
}

func (f *Fixed) Position(w Window, now float64) Position {
	off := now - w.Start
	if off < 0 {
		off = 0
	}
	p := Position{Window: w, Elapsed: off}
	switch {
	case off < f.betting:
		p.Phase = PhaseBetting
		p.Remaining = f.betting - off
	case off < f.betting+f.active:
		p.Phase = PhaseActive
		p.ActiveElapsed = off - f.betting
		p.Remaining = f.betting + f.active - off
	default:
		p.Phase = PhaseResolved
		p.ActiveElapsed = f.active
		p.Remaining = math.Max(0, f.cycle-off)
	}
	return p
}

// Package scan evaluates ranges of rounds of a revealed seed against a
// target condition and verifies individual rounds.
package scan

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MJE43/pf-roundclock/internal/games"
)

// EngineVersion is stamped on scan results; set at build time via ldflags.
var EngineVersion = "dev"

// TargetOp represents comparison operations for scanning
type TargetOp string

const (
	OpEqual        TargetOp = "eq"
	OpGreater      TargetOp = "gt"
	OpGreaterEqual TargetOp = "ge"
	OpLess         TargetOp = "lt"
	OpLessEqual    TargetOp = "le"
	OpBetween      TargetOp = "between"
	OpOutside      TargetOp = "outside"
)

// Valid reports whether op is a known operation.
func (op TargetOp) Valid() bool {
	switch op {
	case OpEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpBetween, OpOutside:
		return true
	}
	return false
}

// Request describes one scan over rounds [RoundStart, RoundEnd] of Seed.
type Request struct {
	Game       string   `json:"game"`
	Seed       string   `json:"seed"`
	RoundStart int64    `json:"round_start"`
	RoundEnd   int64    `json:"round_end"`
	TargetOp   TargetOp `json:"target_op"`
	TargetVal  float64  `json:"target_val"`
	TargetVal2 float64  `json:"target_val2,omitempty"` // for "between" and "outside"
	Tolerance  float64  `json:"tolerance"`             // default 1e-9 for crash, 0 for race
	Limit      int      `json:"limit,omitempty"`
	TimeoutMs  int      `json:"timeout_ms,omitempty"`
}

// Hit represents a single matching round
type Hit struct {
	Round   int64           `json:"round"`
	Metric  float64         `json:"metric"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Summary aggregates every evaluated metric, not only hits.
type Summary struct {
	TotalEvaluated int64   `json:"total_evaluated"`
	HitsFound      int     `json:"hits_found"`
	MinMetric      float64 `json:"min_metric"`
	MaxMetric      float64 `json:"max_metric"`
	SumMetric      float64 `json:"sum_metric"`
	MeanMetric     float64 `json:"mean_metric"`
	TimedOut       bool    `json:"timed_out,omitempty"`
}

// Result contains the complete scan results
type Result struct {
	Hits          []Hit   `json:"hits"`
	Summary       Summary `json:"summary"`
	EngineVersion string  `json:"engine_version"`
	Echo          Request `json:"echo"`
}

// TargetEvaluator handles target condition evaluation with tolerance
type TargetEvaluator struct {
	op        TargetOp
	val1      float64
	val2      float64 // for "between" and "outside"
	tolerance float64
}

// NewTargetEvaluator creates a new target evaluator
func NewTargetEvaluator(op TargetOp, val1, val2, tolerance float64) *TargetEvaluator {
	return &TargetEvaluator{op: op, val1: val1, val2: val2, tolerance: tolerance}
}

// Matches checks if a metric matches the target criteria
func (te *TargetEvaluator) Matches(metric float64) bool {
	switch te.op {
	case OpEqual:
		return math.Abs(metric-te.val1) <= te.tolerance
	case OpGreater:
		return metric > te.val1+te.tolerance
	case OpGreaterEqual:
		return metric >= te.val1-te.tolerance
	case OpLess:
		return metric < te.val1-te.tolerance
	case OpLessEqual:
		return metric <= te.val1+te.tolerance
	case OpBetween:
		return metric >= te.val1-te.tolerance && metric <= te.val2+te.tolerance
	case OpOutside:
		return metric < te.val1-te.tolerance || metric > te.val2+te.tolerance
	default:
		return false
	}
}

// job is a batch of consecutive rounds.
type job struct {
	start, end int64
}

// partial is what a worker found in one job.
type partial struct {
	hits      []Hit
	evaluated int64
	min, max  float64
	sum       float64
}

// Scanner evaluates round ranges on a pool of workers.
type Scanner struct {
	workerCount int
	batchSize   int64
}

// NewScanner creates a scanner with one worker per available CPU.
func NewScanner() *Scanner {
	return &Scanner{workerCount: runtime.GOMAXPROCS(0), batchSize: 4096}
}

// Validate checks a request before any work is scheduled.
func Validate(req Request, maxRounds int64) error {
	if _, ok := games.GetGame(req.Game); !ok {
		return ErrGameNotFound
	}
	if req.Seed == "" {
		return ErrEmptySeed
	}
	if req.RoundStart < 0 || req.RoundEnd < req.RoundStart {
		return ErrInvalidRange
	}
	if maxRounds > 0 && req.RoundEnd-req.RoundStart+1 > maxRounds {
		return ErrRangeTooLarge
	}
	if !req.TargetOp.Valid() {
		return ErrInvalidTarget
	}
	if (req.TargetOp == OpBetween || req.TargetOp == OpOutside) && req.TargetVal2 < req.TargetVal {
		return ErrInvalidTarget
	}
	return nil
}

// Scan evaluates every round in the request range. Hits are returned in round
// order; with a limit only the lowest matching rounds are kept. A timeout
// returns what was evaluated so far with Summary.TimedOut set.
func (s *Scanner) Scan(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req, 0); err != nil {
		return nil, err
	}
	game, _ := games.GetGame(req.Game)

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	tolerance := req.Tolerance
	if tolerance == 0 && game.Name() == games.GameCrash {
		tolerance = 1e-9
	}
	evaluator := NewTargetEvaluator(req.TargetOp, req.TargetVal, req.TargetVal2, tolerance)

	jobs := make(chan job, s.workerCount*2)
	parts := make(chan partial, s.workerCount*2)
	var cut atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				p, complete := evaluate(ctx, game, req.Seed, j, evaluator, req.Limit)
				if !complete {
					cut.Store(true)
				}
				parts <- p
			}
		}()
	}

	go func() {
		defer close(jobs)
		for cur := req.RoundStart; ; cur += s.batchSize {
			end := cur + s.batchSize - 1
			if end > req.RoundEnd || end < cur {
				end = req.RoundEnd
			}
			select {
			case jobs <- job{start: cur, end: end}:
			case <-ctx.Done():
				cut.Store(true)
				return
			}
			if end == req.RoundEnd {
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(parts)
	}()

	var hits []Hit
	summary := Summary{MinMetric: math.Inf(1), MaxMetric: math.Inf(-1)}
	for p := range parts {
		hits = append(hits, p.hits...)
		if p.evaluated == 0 {
			continue
		}
		summary.TotalEvaluated += p.evaluated
		summary.SumMetric += p.sum
		summary.MinMetric = math.Min(summary.MinMetric, p.min)
		summary.MaxMetric = math.Max(summary.MaxMetric, p.max)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Round < hits[j].Round })
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	if hits == nil {
		hits = []Hit{}
	}

	summary.HitsFound = len(hits)
	summary.TimedOut = cut.Load() && ctx.Err() != nil
	if summary.TotalEvaluated == 0 {
		summary.MinMetric, summary.MaxMetric = 0, 0
	} else {
		summary.MeanMetric = summary.SumMetric / float64(summary.TotalEvaluated)
	}

	return &Result{
		Hits:          hits,
		Summary:       summary,
		EngineVersion: EngineVersion,
		Echo:          req,
	}, nil
}

// evaluate runs one job. Within a job rounds ascend, so at most limit hits
// can survive the final cut. complete is false when ctx stopped the job.
func evaluate(ctx context.Context, game games.Game, seed string, j job, ev *TargetEvaluator, limit int) (partial, bool) {
	p := partial{min: math.Inf(1), max: math.Inf(-1)}
	for n := j.start; n <= j.end; n++ {
		if (n-j.start)%256 == 0 && ctx.Err() != nil {
			return p, false
		}
		o := game.Outcome(seed, n)
		p.evaluated++
		p.sum += o.Metric
		p.min = math.Min(p.min, o.Metric)
		p.max = math.Max(p.max, o.Metric)

		if ev.Matches(o.Metric) && (limit <= 0 || len(p.hits) < limit) {
			p.hits = append(p.hits, Hit{Round: n, Metric: o.Metric, Details: details(o)})
		}
		if n == j.end {
			break
		}
	}
	return p, true
}

func details(o games.Outcome) json.RawMessage {
	var v any
	switch {
	case o.Crash != nil:
		v = o.Crash
	case o.Race != nil:
		v = o.Race
	default:
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

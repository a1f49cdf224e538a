// Package store persists the development ledger (accounts, round bets,
// settlements), issued seed commitments and verification scan runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInsufficientFunds = errors.New("store: insufficient balance")
	ErrDuplicateBet      = errors.New("store: bet already placed for this round")
	ErrUnknownBet        = errors.New("store: no matching open bet")
)

// DB represents the database interface
type DB interface {
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Ledger
	RunStore
}

// Ledger is the development balance book behind /session.
type Ledger interface {
	// EnsureAccount creates the account with starting balance if missing and
	// returns its balance.
	EnsureAccount(ctx context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// PlaceBet debits the stake and records the bet atomically.
	PlaceBet(ctx context.Context, bet *BetRecord) (decimal.Decimal, error)
	RoundBets(ctx context.Context, game string, periodStart, round int64) ([]BetRecord, error)
	// Settle applies a settlement once per (user, id). A repeated id returns
	// the first result with Duplicate set.
	Settle(ctx context.Context, s *SettlementRecord) (*SettleResult, error)
	RecordSeed(ctx context.Context, seed SeedRecord) error
}

// RunStore persists verification scans.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	SaveHits(ctx context.Context, runID string, hits []Hit) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunHits(ctx context.Context, runID string, page, perPage int) (*HitsPage, error)
	ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error)
}

// BetRecord is one stored bet.
type BetRecord struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name,omitempty"`
	Game        string          `json:"game"`
	PeriodStart int64           `json:"period_start"`
	Round       int64           `json:"round"`
	Selection   int             `json:"selection"`
	Amount      decimal.Decimal `json:"amount"`
	Settled     bool            `json:"settled"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SettlementRecord is one applied settlement.
type SettlementRecord struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Game         string          `json:"game"`
	PeriodStart  int64           `json:"period_start"`
	Round        int64           `json:"round"`
	Selection    int             `json:"selection"`
	Bet          decimal.Decimal `json:"bet"`
	Win          decimal.Decimal `json:"win"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

type SettleResult struct {
	Balance   decimal.Decimal `json:"balance"`
	Duplicate bool            `json:"duplicate"`
}

// SeedRecord is the public commitment of an issued seed.
type SeedRecord struct {
	Game        string `json:"game"`
	PeriodStart int64  `json:"period_start"`
	Commitment  string `json:"commitment"`
}

// RunsQuery represents query parameters for listing runs
type RunsQuery struct {
	Game    string `json:"game,omitempty"`
	Page    int    `json:"page"`
	PerPage int    `json:"perPage"`
}

// RunsList represents paginated runs response
type RunsList struct {
	Runs       []Run `json:"runs"`
	TotalCount int   `json:"totalCount"`
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalPages int   `json:"totalPages"`
}

// HitsPage represents paginated hits with the round gap to the previous hit.
type HitsPage struct {
	Hits       []HitWithDelta `json:"hits"`
	TotalCount int            `json:"totalCount"`
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalPages int            `json:"totalPages"`
}

// Run represents a scan run over a range of rounds of one revealed seed.
type Run struct {
	ID             string    `json:"id"`
	Game           string    `json:"game"`
	SeedHash       string    `json:"seed_hash"`
	RoundStart     int64     `json:"round_start"`
	RoundEnd       int64     `json:"round_end"`
	TargetOp       string    `json:"target_op"`
	TargetVal      float64   `json:"target_val"`
	TargetVal2     float64   `json:"target_val2"`
	Tolerance      float64   `json:"tolerance"`
	HitLimit       int       `json:"hit_limit"`
	TimedOut       bool      `json:"timed_out"`
	HitCount       int       `json:"hit_count"`
	TotalEvaluated int64     `json:"total_evaluated"`
	SummaryMin     *float64  `json:"summary_min"`
	SummaryMax     *float64  `json:"summary_max"`
	SummarySum     *float64  `json:"summary_sum"`
	SummaryCount   int64     `json:"summary_count"`
	EngineVersion  string    `json:"engine_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Hit represents a single matching round
type Hit struct {
	ID      int64   `json:"id"`
	RunID   string  `json:"run_id"`
	Round   int64   `json:"round"`
	Metric  float64 `json:"metric"`
	Details string  `json:"details"` // JSON string
}

// HitWithDelta represents a hit with the distance to the previous hit.
type HitWithDelta struct {
	Hit
	DeltaRounds *int64 `json:"delta_rounds,omitempty"`
}

func pageBounds(page, perPage int) (int, int) {
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 500 {
		perPage = 500
	}
	if page <= 0 {
		page = 1
	}
	return page, perPage
}

func totalPages(total, perPage int) int {
	return (total + perPage - 1) / perPage
}

// withDeltas annotates hits ordered by round with the gap to the previous
// one. prev is the round of the hit just before the page, if any.
func withDeltas(hits []Hit, prev *int64) []HitWithDelta {
	out := make([]HitWithDelta, len(hits))
	for i, h := range hits {
		out[i] = HitWithDelta{Hit: h}
		if prev != nil {
			d := h.Round - *prev
			out[i].DeltaRounds = &d
		}
		r := h.Round
		prev = &r
	}
	return out
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

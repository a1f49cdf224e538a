package api

import (
	"github.com/MJE43/pf-roundclock/internal/scan"
	"github.com/MJE43/pf-roundclock/internal/seeds"
	"github.com/MJE43/pf-roundclock/internal/store"
)

// EngineError represents a structured error response with context
type EngineError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e EngineError) Error() string {
	return e.Message
}

// Error types with proper categorization
const (
	// Input validation errors
	ErrTypeInvalidSeed   = "invalid_seed"
	ErrTypeInvalidRound  = "invalid_round"
	ErrTypeInvalidParams = "invalid_params"
	ErrTypeValidation    = "validation_error"
	ErrTypeMissingUser   = "missing_user"

	// Game-related errors
	ErrTypeGameNotFound    = "game_not_found"
	ErrTypeBettingClosed   = "betting_closed"
	ErrTypeSeedNotRevealed = "seed_not_revealed"

	// Ledger errors
	ErrTypeInsufficientFunds  = "insufficient_funds"
	ErrTypeDuplicateBet       = "duplicate_bet"
	ErrTypeSettlementRejected = "settlement_rejected"
	ErrTypeNotFound           = "not_found"

	// System errors
	ErrTypeTimeout            = "timeout"
	ErrTypeInternal           = "internal_error"
	ErrTypeServiceUnavailable = "service_unavailable"
)

// ErrorCategory represents error categories for monitoring
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryGame       ErrorCategory = "game"
	CategoryLedger     ErrorCategory = "ledger"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeInvalidSeed, ErrTypeInvalidRound, ErrTypeInvalidParams, ErrTypeValidation, ErrTypeMissingUser:
		return CategoryValidation
	case ErrTypeGameNotFound, ErrTypeBettingClosed, ErrTypeSeedNotRevealed:
		return CategoryGame
	case ErrTypeInsufficientFunds, ErrTypeDuplicateBet, ErrTypeSettlementRejected, ErrTypeNotFound:
		return CategoryLedger
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// Build information, set with -ldflags "-X .../internal/api.EngineVersion=...".
var (
	EngineVersion = "dev"
	GitCommit     = "unknown"
	BuildTime     = "unknown"
)

// VersionInfo contains engine version information
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{EngineVersion: EngineVersion, GitCommit: GitCommit, BuildTime: BuildTime}
}

// InitResponse is the seed issue plus the public commitment of the seed.
type InitResponse struct {
	seeds.Issue
	Commitment string `json:"commitment"`
}

// GameInfo describes one registered game for /api/v1/games.
type GameInfo struct {
	Name            string `json:"name"`
	MetricName      string `json:"metric_name"`
	Selections      int    `json:"selections"`
	SupportsCashOut bool   `json:"supports_cash_out"`
	HistoryLimit    int    `json:"history_limit"`
	TTL             int64  `json:"ttl_ms"`
}

// ScanResponse is a scan result together with the persisted run id.
type ScanResponse struct {
	RunID string `json:"run_id,omitempty"`
	*scan.Result
}

// RunDetail is one stored run with a page of its hits.
type RunDetail struct {
	Run  *store.Run      `json:"run"`
	Hits *store.HitsPage `json:"hits"`
}

// SeedReveal is the seed of a finished period.
type SeedReveal struct {
	Game        string `json:"game"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	Seed        string `json:"seed,omitempty"`
	Commitment  string `json:"commitment"`
}

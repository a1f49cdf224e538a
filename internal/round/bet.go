package round

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// BetState tracks one bet through a round.
type BetState int

const (
	BetNone BetState = iota
	BetPlaced
	BetCashedOut
	BetSettled
	BetRefunded
)

func (s BetState) String() string {
	switch s {
	case BetNone:
		return "none"
	case BetPlaced:
		return "placed"
	case BetCashedOut:
		return "cashed_out"
	case BetSettled:
		return "settled"
	case BetRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("bet_state(%d)", int(s))
	}
}

// Open reports a bet that still awaits settlement.
func (s BetState) Open() bool {
	return s == BetPlaced || s == BetCashedOut
}

// Bet is the player's stake on one round. Amount, Selection and Round never
// change after placement.
type Bet struct {
	Round     int64           `json:"round"`
	Amount    decimal.Decimal `json:"amount"`
	Selection int             `json:"selection"`
	PlacedAt  float64         `json:"placed_at_ms"`
	State     BetState        `json:"state"`
	// AutoCashOut is a crash target; the bet leaves as soon as the multiplier reaches it.
	AutoCashOut float64 `json:"auto_cash_out,omitempty"`
	// CashOut is the multiplier the bet left at.
	CashOut float64 `json:"cash_out,omitempty"`
	// Payout is frozen at cash-out or settlement.
	Payout decimal.Decimal `json:"payout"`
}

var (
	ErrNotStarted        = errors.New("round: controller not started")
	ErrSeedExpired       = errors.New("round: seed period ended")
	ErrNotBetting        = errors.New("round: betting is closed")
	ErrBetExists         = errors.New("round: bet already placed this round")
	ErrInvalidAmount     = errors.New("round: bet amount must be positive")
	ErrInvalidSelection  = errors.New("round: invalid selection")
	ErrInsufficientFunds = errors.New("round: insufficient balance")
	ErrNoBet             = errors.New("round: no open bet")
	ErrNotActive         = errors.New("round: round is not in flight")
	ErrCashOutNotAllowed = errors.New("round: game has no cash-out")
	ErrBetClosed         = errors.New("round: bet already settled")
)

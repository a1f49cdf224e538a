package session

import "github.com/shopspring/decimal"

// InitResponse is the seed issue: the shared seed and the server clock at issue.
type InitResponse struct {
	Seed       string `json:"seed"`
	ServerTime int64  `json:"serverTime"`
}

// BetView is one player's bet as listed by the server.
type BetView struct {
	UserID    string          `json:"user_id"`
	Selection int             `json:"monkey_idx"`
	Amount    decimal.Decimal `json:"amount"`
	UserName  string          `json:"user_name,omitempty"`
}

type BetsResponse struct {
	Bets []BetView `json:"bets"`
}

type PlaceBetRequest struct {
	Game        string          `json:"game"`
	PeriodStart int64           `json:"period_start,omitempty"`
	Round       int64           `json:"round"`
	Selection   int             `json:"selection"`
	Amount      decimal.Decimal `json:"amount"`
}

type PlaceBetResponse struct {
	OK      bool            `json:"ok"`
	Bets    []BetView       `json:"bets,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

// SettleRequest reports the result of one bet. ID is the idempotency key:
// the server applies each ID at most once.
type SettleRequest struct {
	ID          string          `json:"id"`
	Game        string          `json:"game"`
	PeriodStart int64           `json:"period_start,omitempty"`
	Round       int64           `json:"round"`
	Selection   int             `json:"selection"`
	CashOut     float64         `json:"cash_out,omitempty"`
	Bet         decimal.Decimal `json:"bet"`
	Win         decimal.Decimal `json:"win"`
}

type SettleResponse struct {
	OK        bool            `json:"ok"`
	Balance   decimal.Decimal `json:"balance"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type BalanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

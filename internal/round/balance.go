package round

import "github.com/shopspring/decimal"

// Balance is the local mirror of the ledger balance. Debits and credits made
// ahead of the ledger mark it optimistic until the next Reconcile.
type Balance struct {
	Amount     decimal.Decimal `json:"amount"`
	Known      bool            `json:"known"`
	Optimistic bool            `json:"optimistic"`
}

// Reconciled is an authoritative balance.
func Reconciled(amount decimal.Decimal) Balance {
	return Balance{Amount: amount, Known: true}
}

func (b Balance) Debit(d decimal.Decimal) Balance {
	return Balance{Amount: b.Amount.Sub(d), Known: b.Known, Optimistic: true}
}

func (b Balance) Credit(d decimal.Decimal) Balance {
	if d.IsZero() {
		return b
	}
	return Balance{Amount: b.Amount.Add(d), Known: b.Known, Optimistic: true}
}

// Covers reports whether d can be debited. An unknown balance covers anything;
// the server decides.
func (b Balance) Covers(d decimal.Decimal) bool {
	return !b.Known || b.Amount.GreaterThanOrEqual(d)
}

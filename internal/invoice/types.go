package invoice

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of an invoice. Transitions pending -> paid exactly once, when the
// remaining balance reaches zero.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Payment is an applied settlement amount. Owned exclusively by its invoice;
// never mutated or removed after being appended.
type Payment struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Invoice is the ledger record being settled. Amount is fixed at creation;
// the remaining balance is always derived from the payment list, never
// stored as authoritative. Version advances by exactly 1 per accepted
// mutation and backs the optimistic-concurrency contract.
type Invoice struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Payments  []Payment       `json:"payments"`
	Status    Status          `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaidTotal sums the applied payments.
func (inv Invoice) PaidTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range inv.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

// AmountLeft recomputes the remaining balance. Payments are clamped before
// being appended, so the difference cannot go negative; the floor guards
// against corrupted rows.
func (inv Invoice) AmountLeft() decimal.Decimal {
	left := inv.Amount.Sub(inv.PaidTotal())
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// Refresh recomputes the status from the payment list.
func (inv *Invoice) Refresh() {
	if inv.AmountLeft().IsZero() {
		inv.Status = StatusPaid
	} else {
		inv.Status = StatusPending
	}
}

// Clone returns a deep copy safe to hand across goroutines.
func (inv Invoice) Clone() Invoice {
	out := inv
	out.Payments = make([]Payment, len(inv.Payments))
	copy(out.Payments, inv.Payments)
	return out
}

var (
	ErrNotFound        = errors.New("invoice: not found")
	ErrInvalidAmount   = errors.New("invoice: amount must be > 0")
	ErrAlreadyPaid     = errors.New("invoice: already fully settled")
	ErrVersionConflict = errors.New("invoice: version conflict")
)

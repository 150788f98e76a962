package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the balance record owned by the account service. Version is an
// independent monotonic counter; the invoice side never assumes anything
// about it beyond equality at debit time.
type Account struct {
	ID            string          `json:"id"`
	OwnerUsername string          `json:"owner_username"`
	Balance       decimal.Decimal `json:"balance"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

var (
	ErrNotFound          = errors.New("account: not found")
	ErrInvalidOwner      = errors.New("account: owner username is required")
	ErrInvalidAmount     = errors.New("account: invalid amount")
	ErrInsufficientFunds = errors.New("account: insufficient funds")
	ErrVersionConflict   = errors.New("account: version conflict")

	// ErrUnreachable marks network failures, 5xx answers and timeouts from
	// the remote account service. The read path degrades on it; the write
	// path surfaces it.
	ErrUnreachable = errors.New("account: service unreachable")
)

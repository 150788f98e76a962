// Package search provides a small composable predicate builder for listing
// invoices. Filters are tagged variants reduced with logical AND; the same
// filter renders to a SQL WHERE fragment or evaluates in process.
package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags a predicate variant.
type Kind int

const (
	KindStatus Kind = iota
	KindAccount
	KindMinAmount
	KindMaxAmount
	KindCreatedAfter
	KindCreatedBefore
)

// Predicate is one filter clause. Only the field matching its Kind is set.
type Predicate struct {
	Kind Kind
	Str  string
	Dec  decimal.Decimal
	At   time.Time
}

// Status matches invoices with the given status.
func Status(status string) Predicate {
	return Predicate{Kind: KindStatus, Str: strings.ToLower(strings.TrimSpace(status))}
}

// Account matches invoices owned by the given account.
func Account(accountID string) Predicate {
	return Predicate{Kind: KindAccount, Str: strings.TrimSpace(accountID)}
}

// MinAmount matches invoices whose original amount is >= d.
func MinAmount(d decimal.Decimal) Predicate {
	return Predicate{Kind: KindMinAmount, Dec: d}
}

// MaxAmount matches invoices whose original amount is <= d.
func MaxAmount(d decimal.Decimal) Predicate {
	return Predicate{Kind: KindMaxAmount, Dec: d}
}

// CreatedAfter matches invoices created at or after t.
func CreatedAfter(t time.Time) Predicate {
	return Predicate{Kind: KindCreatedAfter, At: t}
}

// CreatedBefore matches invoices created strictly before t.
func CreatedBefore(t time.Time) Predicate {
	return Predicate{Kind: KindCreatedBefore, At: t}
}

// Filter is a conjunction of predicates. The zero value matches everything.
type Filter []Predicate

// And appends a predicate to the conjunction.
func (f Filter) And(p Predicate) Filter {
	return append(f, p)
}

// Record is the projection of an invoice the filter inspects.
type Record struct {
	Status    string
	AccountID string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Matches evaluates the conjunction in process.
func (f Filter) Matches(r Record) bool {
	for _, p := range f {
		switch p.Kind {
		case KindStatus:
			if r.Status != p.Str {
				return false
			}
		case KindAccount:
			if r.AccountID != p.Str {
				return false
			}
		case KindMinAmount:
			if r.Amount.LessThan(p.Dec) {
				return false
			}
		case KindMaxAmount:
			if r.Amount.GreaterThan(p.Dec) {
				return false
			}
		case KindCreatedAfter:
			if r.CreatedAt.Before(p.At) {
				return false
			}
		case KindCreatedBefore:
			if !r.CreatedAt.Before(p.At) {
				return false
			}
		}
	}
	return true
}

// SQL renders the conjunction as a WHERE fragment with numbered placeholders
// starting at firstArg. An empty filter renders to an empty fragment.
func (f Filter) SQL(firstArg int) (string, []any) {
	if len(f) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(f))
	args := make([]any, 0, len(f))
	n := firstArg
	add := func(clause string, arg any) {
		clauses = append(clauses, fmt.Sprintf(clause, n))
		args = append(args, arg)
		n++
	}
	for _, p := range f {
		switch p.Kind {
		case KindStatus:
			add("status = $%d", p.Str)
		case KindAccount:
			add("account_id = $%d", p.Str)
		case KindMinAmount:
			add("amount >= $%d", p.Dec)
		case KindMaxAmount:
			add("amount <= $%d", p.Dec)
		case KindCreatedAfter:
			add("created_at >= $%d", p.At)
		case KindCreatedBefore:
			add("created_at < $%d", p.At)
		}
	}
	return strings.Join(clauses, " AND "), args
}

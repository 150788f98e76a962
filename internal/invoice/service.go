package invoice

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/ids"
	"paydesk.org/internal/search"
)

// Service defines invoice persistence operations.
//
// Save is a compare-and-set: it persists the record only if the stored
// version still equals the record's version, then advances it by exactly 1.
// Of two callers racing from the same version at most one wins; the loser
// gets ErrVersionConflict and must re-read. Callers are expected to have
// validated the version they read through the version guard before mutating.
type Service interface {
	Create(ctx context.Context, accountID string, amount decimal.Decimal) (Invoice, error)
	Get(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, filter search.Filter, limit int) ([]Invoice, error)
	Save(ctx context.Context, inv Invoice) (Invoice, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewInMemory creates an empty invoice store.
func NewInMemory() *InMemory {
	return &InMemory{invoices: make(map[string]*Invoice)}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, accountID string, amount decimal.Decimal) (Invoice, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Invoice{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := &Invoice{
		ID:        ids.New(),
		AccountID: accountID,
		Amount:    amount,
		Status:    StatusPending,
		Version:   0,
		CreatedAt: time.Now().UTC(),
	}
	s.invoices[inv.ID] = inv
	return inv.Clone(), nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv.Clone(), nil
}

func (s *InMemory) List(ctx context.Context, filter search.Filter, limit int) ([]Invoice, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Invoice
	for _, inv := range s.invoices {
		if !filter.Matches(search.Record{
			Status:    string(inv.Status),
			AccountID: inv.AccountID,
			Amount:    inv.Amount,
			CreatedAt: inv.CreatedAt,
		}) {
			continue
		}
		res = append(res, inv.Clone())
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *InMemory) Save(ctx context.Context, inv Invoice) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.invoices[inv.ID]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	if stored.Version != inv.Version {
		return Invoice{}, ErrVersionConflict
	}

	next := inv.Clone()
	next.Version = stored.Version + 1
	s.invoices[inv.ID] = &next
	return next.Clone(), nil
}

package account

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/ids"
)

// Service defines account operations. ApplyDelta is the single mutation:
// it adds a signed amount (negative for a debit) to the balance, but only
// if expectedVersion still matches the stored version, and never lets the
// balance go negative. Each accepted delta advances the version by exactly 1.
type Service interface {
	Create(ctx context.Context, ownerUsername string, initial decimal.Decimal) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (Account, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
}

// NewInMemory creates an empty account store.
func NewInMemory() *InMemory {
	return &InMemory{accts: make(map[string]*Account)}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, ownerUsername string, initial decimal.Decimal) (Account, error) {
	if ownerUsername == "" {
		return Account{}, ErrInvalidOwner
	}
	if initial.IsNegative() {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := &Account{
		ID:            ids.New(),
		OwnerUsername: ownerUsername,
		Balance:       initial,
		Version:       0,
		CreatedAt:     time.Now().UTC(),
	}
	s.accts[acc.ID] = acc
	return *acc, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (Account, error) {
	if delta.IsZero() {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Version != expectedVersion {
		return Account{}, ErrVersionConflict
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return Account{}, ErrInsufficientFunds
	}
	acc.Balance = next
	acc.Version++
	return *acc, nil
}

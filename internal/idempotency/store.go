// Package idempotency persists the settlement journal: one entry per
// remote debit, created before the debit is attempted and removed once the
// local invoice commit lands. Entries still present after their grace
// period mark debits that were collected but never recorded, and are picked
// up by the reconciliation job.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one journalled debit.
type Entry struct {
	Key       string          `json:"key"`
	InvoiceID string          `json:"invoice_id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the journal persistence boundary.
type Store interface {
	// Begin records an entry before the remote debit. Returns false when
	// the key is already journalled (duplicate attempt).
	Begin(ctx context.Context, e Entry, ttl time.Duration) (bool, error)
	// Settle removes the entry after the local commit succeeded.
	Settle(ctx context.Context, key string) error
	// Abort removes the entry when the remote debit never happened.
	Abort(ctx context.Context, key string) error
	// Dangling lists entries older than the grace period: debits that were
	// collected but whose local commit is missing.
	Dangling(ctx context.Context, olderThan time.Duration) ([]Entry, error)
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// InMemory implements Store for single-instance deployments and tests.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewInMemory creates an empty in-memory journal.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]memEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Begin(ctx context.Context, e Entry, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.entries[e.Key]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	s.entries[e.Key] = memEntry{entry: e, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemory) Settle(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemory) Abort(ctx context.Context, key string) error {
	return s.Settle(ctx, key)
}

func (s *InMemory) Dangling(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Entry
	for key, me := range s.entries {
		if now.After(me.expiresAt) {
			delete(s.entries, key)
			continue
		}
		if now.Sub(me.entry.CreatedAt) >= olderThan {
			out = append(out, me.entry)
		}
	}
	return out, nil
}

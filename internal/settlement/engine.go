// Package settlement orchestrates applying a payment to an invoice against
// a live balance owned by the account service. The remote debit is always
// attempted before the local invoice commit: if the debit fails or
// conflicts the invoice is untouched, so a re-issued Pay is safe. The
// converse ordering could record a payment that was never collected.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paydesk.org/internal/access"
	"paydesk.org/internal/account"
	"paydesk.org/internal/audit"
	"paydesk.org/internal/idempotency"
	"paydesk.org/internal/ids"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/obs"
	"paydesk.org/internal/stream"
	"paydesk.org/internal/version"
)

// Config is passed in at construction; the engine holds no process-global
// state.
type Config struct {
	// JournalTTL bounds how long a journal entry may linger before it is
	// considered garbage.
	JournalTTL time.Duration
	// JournalGrace is how long a pending entry may exist before the
	// reconciliation job treats it as a dangling debit.
	JournalGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.JournalTTL <= 0 {
		c.JournalTTL = 24 * time.Hour
	}
	if c.JournalGrace <= 0 {
		c.JournalGrace = time.Minute
	}
	return c
}

// Engine executes settlements.
type Engine struct {
	invoices invoice.Service
	accounts account.Service
	journal  idempotency.Store
	events   *stream.Stream
	cfg      Config
}

// NewEngine wires the engine. events may be nil when no live stream is
// attached.
func NewEngine(invoices invoice.Service, accounts account.Service, journal idempotency.Store, events *stream.Stream, cfg Config) *Engine {
	return &Engine{
		invoices: invoices,
		accounts: accounts,
		journal:  journal,
		events:   events,
		cfg:      cfg.withDefaults(),
	}
}

// Result reports an applied settlement. Applied may be smaller than
// Requested when one of the two bounds clamped it.
type Result struct {
	Invoice   invoice.Invoice `json:"invoice"`
	Payment   invoice.Payment `json:"payment"`
	Requested decimal.Decimal `json:"requested"`
	Applied   decimal.Decimal `json:"applied"`
	ClampedBy string          `json:"clamped_by,omitempty"` // "invoice" or "account"
}

// Pay applies a payment to the invoice identified by invoiceID. token is
// the caller-supplied optimistic-concurrency token for the invoice record
// (independent of the account's version); tokenPresent distinguishes a
// missing token from an empty one. The caller identity is taken from ctx.
//
// Every rejection is terminal: nothing is retried here, and a rejected
// attempt never mutates the invoice.
func (e *Engine) Pay(ctx context.Context, invoiceID string, requested decimal.Decimal, token string, tokenPresent bool) (Result, error) {
	identity := access.FromContext(ctx)

	inv, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return e.reject(ctx, "not_found", err)
	}

	// Validate the invoice token before anything crosses the network. A
	// stale caller must never trigger a remote debit it cannot commit.
	if _, err := version.Validate(token, tokenPresent, inv.Version); err != nil {
		return e.reject(ctx, versionOutcome(err), err)
	}

	// Resolve the owning balance. Unreachable or missing accounts degrade
	// to a zero-balance snapshot so the invoice stays inspectable; the
	// payment then clamps to zero and is rejected below without touching
	// either record.
	snap, degraded, err := e.snapshot(ctx, inv.AccountID)
	if err != nil {
		return e.reject(ctx, "unreachable", err)
	}

	if !degraded && access.Resolve(identity, snap.OwnerUsername) == access.Denied {
		return e.reject(ctx, "forbidden", access.ErrForbidden)
	}

	left := inv.AmountLeft()
	if left.IsZero() {
		if inv.Status != invoice.StatusPaid {
			// Fix up the stored status; best effort, the rejection stands
			// either way.
			fixed := inv.Clone()
			fixed.Refresh()
			_, _ = e.invoices.Save(ctx, fixed)
		}
		return e.reject(ctx, "already_paid", invoice.ErrAlreadyPaid)
	}

	applied := requested
	clampedBy := ""
	if applied.GreaterThan(left) {
		applied = left
		clampedBy = "invoice"
		obs.SettlementClampedTotal.WithLabelValues("invoice").Inc()
	}
	if applied.GreaterThan(snap.Balance) {
		applied = snap.Balance
		clampedBy = "account"
		obs.SettlementClampedTotal.WithLabelValues("account").Inc()
	}
	if applied.LessThanOrEqual(decimal.Zero) {
		return e.reject(ctx, "insufficient_funds", account.ErrInsufficientFunds)
	}

	// Journal the debit before attempting it, so a crash between the debit
	// and the local commit leaves a trace the reconciliation job can act on.
	journalKey := uuid.NewString()
	if _, err := e.journal.Begin(ctx, idempotency.Entry{
		Key:       journalKey,
		InvoiceID: inv.ID,
		AccountID: snap.ID,
		Amount:    applied,
	}, e.cfg.JournalTTL); err != nil {
		return e.reject(ctx, "journal_error", err)
	}

	if _, err := e.accounts.ApplyDelta(ctx, snap.ID, applied.Neg(), snap.Version); err != nil {
		// The debit did not land; drop the journal entry and surface the
		// failure untouched. The caller may re-issue with a fresh read.
		_ = e.journal.Abort(ctx, journalKey)
		switch {
		case errors.Is(err, account.ErrVersionConflict):
			return e.reject(ctx, "remote_conflict", err)
		case errors.Is(err, account.ErrInsufficientFunds):
			return e.reject(ctx, "insufficient_funds", err)
		default:
			return e.reject(ctx, "unreachable", err)
		}
	}

	payment := invoice.Payment{
		ID:        ids.New(),
		Amount:    applied,
		CreatedAt: time.Now().UTC(),
	}
	inv.Payments = append(inv.Payments, payment)
	inv.Refresh()

	saved, err := e.invoices.Save(ctx, inv)
	if err != nil {
		// The remote debit landed but the local commit lost. The journal
		// entry stays pending so the reconciliation job credits the debit
		// back instead of silently diverging the two sides.
		_ = audit.LogEvent(ctx, "settlement.commit_failed", map[string]any{
			"invoice_id":  inv.ID,
			"account_id":  snap.ID,
			"amount":      applied.String(),
			"journal_key": journalKey,
		})
		return e.reject(ctx, "commit_conflict", err)
	}
	_ = e.journal.Settle(ctx, journalKey)

	obs.SettlementsTotal.WithLabelValues("settled").Inc()
	_ = audit.LogEvent(ctx, "settlement.applied", map[string]any{
		"invoice_id": saved.ID,
		"account_id": snap.ID,
		"requested":  requested.String(),
		"applied":    applied.String(),
		"clamped_by": clampedBy,
		"status":     string(saved.Status),
	})
	if e.events != nil {
		e.events.Publish(stream.SettlementEvent{
			InvoiceID: saved.ID,
			AccountID: snap.ID,
			Amount:    applied,
			Status:    string(saved.Status),
			Timestamp: time.Now().UTC(),
		})
	}

	return Result{
		Invoice:   saved,
		Payment:   payment,
		Requested: requested,
		Applied:   applied,
		ClampedBy: clampedBy,
	}, nil
}

// snapshot reads the remote balance, degrading unreachable or missing
// accounts to a zero-balance placeholder. Only errors other than those two
// propagate.
func (e *Engine) snapshot(ctx context.Context, accountID string) (account.Account, bool, error) {
	snap, err := e.accounts.Get(ctx, accountID)
	if err == nil {
		return snap, false, nil
	}
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrUnreachable) {
		return account.Account{ID: accountID, Balance: decimal.Zero}, true, nil
	}
	return account.Account{}, false, err
}

func (e *Engine) reject(ctx context.Context, outcome string, err error) (Result, error) {
	obs.SettlementsTotal.WithLabelValues(outcome).Inc()
	return Result{}, err
}

func versionOutcome(err error) string {
	var (
		malformed *version.MalformedError
		outdated  *version.OutdatedError
		ahead     *version.AheadError
	)
	switch {
	case errors.Is(err, version.ErrMissing):
		return "version_missing"
	case errors.As(err, &malformed):
		return "version_malformed"
	case errors.As(err, &outdated):
		return "version_outdated"
	case errors.As(err, &ahead):
		return "version_ahead"
	default:
		return "version_invalid"
	}
}

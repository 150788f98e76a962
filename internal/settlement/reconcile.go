package settlement

import (
	"context"
	"time"

	"paydesk.org/internal/account"
	"paydesk.org/internal/audit"
	"paydesk.org/internal/idempotency"
	"paydesk.org/internal/obs"
)

// Reconciler repairs the one window the debit-then-commit ordering leaves
// open: a remote debit that landed while the local invoice commit did not.
// Such debits stay journalled; the reconciler credits them back so neither
// side ends up holding money the other never recorded.
type Reconciler struct {
	accounts account.Service
	journal  idempotency.Store
	grace    time.Duration
}

// NewReconciler wires a reconciler sharing the engine's journal.
func NewReconciler(accounts account.Service, journal idempotency.Store, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		accounts: accounts,
		journal:  journal,
		grace:    cfg.JournalGrace,
	}
}

// RunOnce processes all currently dangling entries. Entries that cannot be
// repaired yet (conflict, unreachable account) are left for the next run.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	entries, err := r.journal.Dangling(ctx, r.grace)
	if err != nil {
		return err
	}
	for _, e := range entries {
		snap, err := r.accounts.Get(ctx, e.AccountID)
		if err != nil {
			obs.Log("warn", "reconcile: account read failed", map[string]any{
				"journal_key": e.Key,
				"account_id":  e.AccountID,
				"error":       err.Error(),
			})
			continue
		}
		if _, err := r.accounts.ApplyDelta(ctx, e.AccountID, e.Amount, snap.Version); err != nil {
			obs.Log("warn", "reconcile: credit back failed", map[string]any{
				"journal_key": e.Key,
				"account_id":  e.AccountID,
				"error":       err.Error(),
			})
			continue
		}
		if err := r.journal.Settle(ctx, e.Key); err != nil {
			obs.Log("warn", "reconcile: settle failed", map[string]any{
				"journal_key": e.Key,
				"error":       err.Error(),
			})
			continue
		}
		obs.ReconcileRepairsTotal.Inc()
		_ = audit.LogEvent(ctx, "settlement.reconciled", map[string]any{
			"journal_key": e.Key,
			"invoice_id":  e.InvoiceID,
			"account_id":  e.AccountID,
			"amount":      e.Amount.String(),
		})
	}
	return nil
}

// Start runs the reconciler on a fixed interval until ctx ends.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					obs.Log("error", "reconcile run failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

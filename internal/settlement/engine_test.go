package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/access"
	"paydesk.org/internal/account"
	"paydesk.org/internal/auth"
	"paydesk.org/internal/idempotency"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/version"
)

type fixture struct {
	engine   *Engine
	invoices *invoice.InMemory
	accounts account.Service
	journal  *idempotency.InMemory
}

func newFixture(accounts account.Service) *fixture {
	invoices := invoice.NewInMemory()
	journal := idempotency.NewInMemory()
	return &fixture{
		engine:   NewEngine(invoices, accounts, journal, nil, Config{}),
		invoices: invoices,
		accounts: accounts,
		journal:  journal,
	}
}

func asOwner(username string) context.Context {
	return auth.ContextWithUser(context.Background(), username, []string{"user"})
}

func asAdmin() context.Context {
	return auth.ContextWithUser(context.Background(), "root", []string{"admin"})
}

func mustInvoice(t *testing.T, f *fixture, accountID string, amount int64, paid ...int64) invoice.Invoice {
	t.Helper()
	inv, err := f.invoices.Create(context.Background(), accountID, decimal.NewFromInt(amount))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range paid {
		inv.Payments = append(inv.Payments, invoice.Payment{
			ID: "seed", Amount: decimal.NewFromInt(p), CreatedAt: time.Now().UTC(),
		})
		inv.Refresh()
		inv, err = f.invoices.Save(context.Background(), inv)
		if err != nil {
			t.Fatal(err)
		}
	}
	return inv
}

func token(inv invoice.Invoice) string {
	return version.Format(inv.Version)
}

func TestPayClampsToInvoiceRemainder(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(50))
	inv := mustInvoice(t, f, acc.ID, 100, 80) // amountLeft = 20

	res, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(30), token(inv), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied.Equal(decimal.NewFromInt(20)) || res.ClampedBy != "invoice" {
		t.Fatalf("unexpected result: applied=%s clamped_by=%s", res.Applied, res.ClampedBy)
	}
	if res.Invoice.Status != invoice.StatusPaid || !res.Invoice.AmountLeft().IsZero() {
		t.Fatalf("expected fully settled invoice, got %+v", res.Invoice)
	}

	got, _ := accounts.Get(context.Background(), acc.ID)
	if !got.Balance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected balance 30 after debit, got %s", got.Balance)
	}
}

func TestPayClampsToAccountBalance(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(10))
	inv := mustInvoice(t, f, acc.ID, 50) // amountLeft = 50

	res, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(50), token(inv), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied.Equal(decimal.NewFromInt(10)) || res.ClampedBy != "account" {
		t.Fatalf("unexpected result: applied=%s clamped_by=%s", res.Applied, res.ClampedBy)
	}
	if res.Invoice.Status != invoice.StatusPending {
		t.Fatalf("expected invoice still pending, got %s", res.Invoice.Status)
	}
	if !res.Invoice.AmountLeft().Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected amount left 40, got %s", res.Invoice.AmountLeft())
	}

	got, _ := accounts.Get(context.Background(), acc.ID)
	if !got.Balance.IsZero() {
		t.Fatalf("expected drained balance, got %s", got.Balance)
	}
}

func TestPayRejectsAlreadyPaid(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv := mustInvoice(t, f, acc.ID, 50, 50) // fully settled

	_, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), token(inv), true)
	if !errors.Is(err, invoice.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}

	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if len(got.Payments) != 1 {
		t.Fatalf("rejection appended a payment: %d", len(got.Payments))
	}
	acct, _ := accounts.Get(context.Background(), acc.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("rejection touched the balance: %s", acct.Balance)
	}
}

func TestPayVersionRejections(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv := mustInvoice(t, f, acc.ID, 50) // version 0

	cases := []struct {
		name    string
		token   string
		present bool
		check   func(err error) bool
	}{
		{"missing", "", false, func(err error) bool { return errors.Is(err, version.ErrMissing) }},
		{"malformed", `"3`, true, func(err error) bool {
			var e *version.MalformedError
			return errors.As(err, &e)
		}},
		{"outdated", `"-1"`, true, func(err error) bool {
			var e *version.OutdatedError
			return errors.As(err, &e)
		}},
		{"ahead", `"3"`, true, func(err error) bool {
			var e *version.AheadError
			return errors.As(err, &e)
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), tc.token, tc.present)
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	// No rejection may have mutated anything.
	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Version != 0 || len(got.Payments) != 0 {
		t.Fatalf("version rejection mutated the invoice: %+v", got)
	}
}

func TestPayForbiddenForForeignCaller(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv := mustInvoice(t, f, acc.ID, 50)

	_, err := f.engine.Pay(asOwner("mallory"), inv.ID, decimal.NewFromInt(10), token(inv), true)
	if !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// An admin settles anyone's invoice.
	if _, err := f.engine.Pay(asAdmin(), inv.ID, decimal.NewFromInt(10), token(inv), true); err != nil {
		t.Fatalf("admin settlement failed: %v", err)
	}
}

func TestPayNotFound(t *testing.T) {
	f := newFixture(account.NewInMemory())

	_, err := f.engine.Pay(asAdmin(), "missing", decimal.NewFromInt(10), `"0"`, true)
	if !errors.Is(err, invoice.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// unreachableAccounts simulates an account service that cannot be resolved.
type unreachableAccounts struct{}

func (unreachableAccounts) Create(ctx context.Context, owner string, initial decimal.Decimal) (account.Account, error) {
	return account.Account{}, account.ErrUnreachable
}
func (unreachableAccounts) Get(ctx context.Context, id string) (account.Account, error) {
	return account.Account{}, account.ErrUnreachable
}
func (unreachableAccounts) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, v int64) (account.Account, error) {
	return account.Account{}, account.ErrUnreachable
}

func TestPayDegradesUnreachableAccountToZeroBalance(t *testing.T) {
	f := newFixture(unreachableAccounts{})
	inv := mustInvoice(t, f, "acc-x", 50)

	_, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), token(inv), true)
	if !errors.Is(err, account.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds via zero-balance placeholder, got %v", err)
	}

	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Version != inv.Version || len(got.Payments) != 0 {
		t.Fatalf("degraded read mutated the invoice: %+v", got)
	}
}

// conflictingAccounts serves reads but rejects every delta with a version
// conflict, as if another operation always wins the race.
type conflictingAccounts struct {
	inner *account.InMemory
}

func (c conflictingAccounts) Create(ctx context.Context, owner string, initial decimal.Decimal) (account.Account, error) {
	return c.inner.Create(ctx, owner, initial)
}
func (c conflictingAccounts) Get(ctx context.Context, id string) (account.Account, error) {
	return c.inner.Get(ctx, id)
}
func (c conflictingAccounts) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, v int64) (account.Account, error) {
	return account.Account{}, account.ErrVersionConflict
}

func TestPayRemoteConflictLeavesInvoiceUntouched(t *testing.T) {
	accounts := conflictingAccounts{inner: account.NewInMemory()}
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv := mustInvoice(t, f, acc.ID, 50)

	_, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), token(inv), true)
	if !errors.Is(err, account.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := f.invoices.Get(context.Background(), inv.ID)
	if got.Version != inv.Version || len(got.Payments) != 0 {
		t.Fatalf("conflicting debit mutated the invoice: %+v", got)
	}

	// The journal entry was aborted: nothing dangles.
	dangling, _ := f.journal.Dangling(context.Background(), 0)
	if len(dangling) != 0 {
		t.Fatalf("aborted attempt left journal entries: %+v", dangling)
	}
}

// racingInvoices lets a competing writer advance the invoice between the
// engine's read and its save, so the engine's commit loses the CAS.
type racingInvoices struct {
	*invoice.InMemory
	raceOnce bool
}

func (r *racingInvoices) Save(ctx context.Context, inv invoice.Invoice) (invoice.Invoice, error) {
	if !r.raceOnce {
		r.raceOnce = true
		competing, err := r.InMemory.Get(ctx, inv.ID)
		if err == nil {
			_, _ = r.InMemory.Save(ctx, competing)
		}
	}
	return r.InMemory.Save(ctx, inv)
}

func TestPayCommitConflictKeepsJournalEntryForReconciliation(t *testing.T) {
	accounts := account.NewInMemory()
	invoices := &racingInvoices{InMemory: invoice.NewInMemory()}
	journal := idempotency.NewInMemory()
	engine := NewEngine(invoices, accounts, journal, nil, Config{JournalGrace: time.Nanosecond})

	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv, err := invoices.InMemory.Create(context.Background(), acc.ID, decimal.NewFromInt(50))
	if err != nil {
		t.Fatal(err)
	}

	_, err = engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), token(inv), true)
	if !errors.Is(err, invoice.ErrVersionConflict) {
		t.Fatalf("expected local commit conflict, got %v", err)
	}

	// The debit landed remotely.
	debited, _ := accounts.Get(context.Background(), acc.ID)
	if !debited.Balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected debited balance 90, got %s", debited.Balance)
	}

	// The journal kept the dangling entry; reconciliation credits it back.
	rec := NewReconciler(accounts, journal, Config{JournalGrace: time.Nanosecond})
	time.Sleep(time.Millisecond)
	if err := rec.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	restored, _ := accounts.Get(context.Background(), acc.ID)
	if !restored.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance restored to 100, got %s", restored.Balance)
	}
	dangling, _ := journal.Dangling(context.Background(), 0)
	if len(dangling) != 0 {
		t.Fatalf("reconciled entry still dangling: %+v", dangling)
	}
}

func TestPaySettlesJournalOnSuccess(t *testing.T) {
	accounts := account.NewInMemory()
	f := newFixture(accounts)
	acc, _ := accounts.Create(context.Background(), "alice", decimal.NewFromInt(100))
	inv := mustInvoice(t, f, acc.ID, 50)

	if _, err := f.engine.Pay(asOwner("alice"), inv.ID, decimal.NewFromInt(10), token(inv), true); err != nil {
		t.Fatal(err)
	}
	dangling, _ := f.journal.Dangling(context.Background(), 0)
	if len(dangling) != 0 {
		t.Fatalf("settled attempt left journal entries: %+v", dangling)
	}
}

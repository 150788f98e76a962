// Command smoke-settle runs a settlement round against a local in-process
// stack: create an account and an invoice, pay in two clamped steps and
// verify the money is conserved on both sides.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
	"paydesk.org/internal/account/remote"
	"paydesk.org/internal/auth"
	"paydesk.org/internal/idempotency"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/settlement"
	"paydesk.org/internal/version"
)

func main() {
	log.SetFlags(0)

	invoices := invoice.NewInMemory()

	// With PAYDESK_ACCOUNTS_URL set the round runs against a live account
	// service; without it everything stays in process.
	var accounts account.Service
	if base := os.Getenv("PAYDESK_ACCOUNTS_URL"); base != "" {
		accounts = remote.New(base, remote.WithTimeout(5*time.Second))
	} else {
		accounts = account.NewInMemory()
	}

	engine := settlement.NewEngine(invoices, accounts, idempotency.NewInMemory(), nil, settlement.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = auth.ContextWithUser(ctx, "smoke", []string{"user"})

	acc, err := accounts.Create(ctx, "smoke", decimal.NewFromInt(100))
	if err != nil {
		log.Fatalf("create account: %v", err)
	}
	inv, err := invoices.Create(ctx, acc.ID, decimal.NewFromInt(80))
	if err != nil {
		log.Fatalf("create invoice: %v", err)
	}

	// First payment: half the invoice.
	res, err := engine.Pay(ctx, inv.ID, decimal.NewFromInt(40), version.Format(inv.Version), true)
	if err != nil {
		log.Fatalf("first payment: %v", err)
	}
	if res.Invoice.Status != invoice.StatusPending {
		log.Fatalf("expected pending invoice after partial payment, got %s", res.Invoice.Status)
	}

	// Second payment overshoots and must clamp to what is left.
	res, err = engine.Pay(ctx, inv.ID, decimal.NewFromInt(500), version.Format(res.Invoice.Version), true)
	if err != nil {
		log.Fatalf("second payment: %v", err)
	}
	if !res.Applied.Equal(decimal.NewFromInt(40)) || res.ClampedBy != "invoice" {
		log.Fatalf("unexpected clamp: applied=%s by=%s", res.Applied, res.ClampedBy)
	}
	if res.Invoice.Status != invoice.StatusPaid {
		log.Fatalf("expected paid invoice, got %s", res.Invoice.Status)
	}

	// Conservation: invoice collected 80, account dropped from 100 to 20.
	final, err := accounts.Get(ctx, acc.ID)
	if err != nil {
		log.Fatalf("final balance: %v", err)
	}
	paid := res.Invoice.PaidTotal()
	if !paid.Add(final.Balance).Equal(decimal.NewFromInt(100)) {
		log.Fatalf("money not conserved: paid=%s balance=%s", paid, final.Balance)
	}

	fmt.Printf("✅ settlement smoke test passed: invoice=%s account=%s\n", inv.ID, acc.ID)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/search"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestInvoiceGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("select id, account_id, amount, status, version, created_at").
		WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := NewInvoiceStore(db).Get(context.Background(), "missing")
	if !errors.Is(err, invoice.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInvoiceGetLoadsPayments(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select id, account_id, amount, status, version, created_at").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "status", "version", "created_at"}).
			AddRow("inv-1", "acc-1", "100", "pending", int64(2), now))
	mock.ExpectQuery("select id, amount, created_at from payments").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "created_at"}).
			AddRow("p-1", "40", now))

	inv, err := NewInvoiceStore(db).Get(context.Background(), "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if inv.Version != 2 || len(inv.Payments) != 1 {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	if !inv.AmountLeft().Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected amount left 60, got %s", inv.AmountLeft())
	}
}

func TestInvoiceSaveAdvancesVersion(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	inv := invoice.Invoice{
		ID: "inv-1", AccountID: "acc-1",
		Amount:  decimal.NewFromInt(100),
		Status:  invoice.StatusPending,
		Version: 2,
		Payments: []invoice.Payment{
			{ID: "p-1", Amount: decimal.NewFromInt(40), CreatedAt: now},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("update invoices set status").
		WithArgs("inv-1", int64(2), "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into payments").
		WithArgs("p-1", "inv-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := NewInvoiceStore(db).Save(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 3 {
		t.Fatalf("expected version 3, got %d", saved.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInvoiceSaveStaleVersionConflicts(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update invoices set status").
		WithArgs("inv-1", int64(1), "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := NewInvoiceStore(db).Save(context.Background(), invoice.Invoice{
		ID: "inv-1", Status: invoice.StatusPending, Version: 1,
	})
	if !errors.Is(err, invoice.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestInvoiceListRendersFilter(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`status = \$1 AND account_id = \$2.*limit \$3`).
		WithArgs("pending", "acc-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "status", "version", "created_at"}).
			AddRow("inv-1", "acc-1", "100", "pending", int64(0), now))
	mock.ExpectQuery("select id, amount, created_at from payments").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "created_at"}))

	filter := search.Filter{}.And(search.Status("pending")).And(search.Account("acc-1"))
	res, err := NewInvoiceStore(db).List(context.Background(), filter, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].ID != "inv-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAccountApplyDelta(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("update accounts").
		WithArgs("acc-1", sqlmock.AnyArg(), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_username", "balance", "version", "created_at"}).
			AddRow("acc-1", "alice", "90", int64(4), now))

	acc, err := NewAccountStore(db).ApplyDelta(context.Background(), "acc-1", decimal.NewFromInt(-10), 3)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Version != 4 || !acc.Balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestAccountApplyDeltaDisambiguatesFailure(t *testing.T) {
	cases := []struct {
		name    string
		row     func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "not found",
			row: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("select version, balance from accounts").
					WithArgs("acc-1").WillReturnError(sql.ErrNoRows)
			},
			wantErr: account.ErrNotFound,
		},
		{
			name: "stale version",
			row: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("select version, balance from accounts").
					WithArgs("acc-1").
					WillReturnRows(sqlmock.NewRows([]string{"version", "balance"}).AddRow(int64(7), "100"))
			},
			wantErr: account.ErrVersionConflict,
		},
		{
			name: "insufficient funds",
			row: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("select version, balance from accounts").
					WithArgs("acc-1").
					WillReturnRows(sqlmock.NewRows([]string{"version", "balance"}).AddRow(int64(3), "5"))
			},
			wantErr: account.ErrInsufficientFunds,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectQuery("update accounts").
				WithArgs("acc-1", sqlmock.AnyArg(), int64(3)).
				WillReturnError(sql.ErrNoRows)
			tc.row(mock)

			_, err := NewAccountStore(db).ApplyDelta(context.Background(), "acc-1", decimal.NewFromInt(-10), 3)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

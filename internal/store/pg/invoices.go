package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/ids"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/search"
)

// InvoiceStore implements invoice.Service on Postgres.
type InvoiceStore struct {
	db *sql.DB
}

var _ invoice.Service = (*InvoiceStore)(nil)

func NewInvoiceStore(db *sql.DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

func (s *InvoiceStore) Create(ctx context.Context, accountID string, amount decimal.Decimal) (invoice.Invoice, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return invoice.Invoice{}, invoice.ErrInvalidAmount
	}
	inv := invoice.Invoice{
		ID:        ids.New(),
		AccountID: accountID,
		Amount:    amount,
		Status:    invoice.StatusPending,
		Version:   0,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into invoices(id, account_id, amount, status, version, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, inv.ID, inv.AccountID, inv.Amount, string(inv.Status), inv.Version, inv.CreatedAt)
	if err != nil {
		return invoice.Invoice{}, err
	}
	return inv, nil
}

func (s *InvoiceStore) Get(ctx context.Context, id string) (invoice.Invoice, error) {
	var inv invoice.Invoice
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, amount, status, version, created_at
		from invoices where id=$1
	`, id).Scan(&inv.ID, &inv.AccountID, &inv.Amount, &status, &inv.Version, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return invoice.Invoice{}, invoice.ErrNotFound
	}
	if err != nil {
		return invoice.Invoice{}, err
	}
	inv.Status = invoice.Status(status)

	inv.Payments, err = s.payments(ctx, inv.ID)
	if err != nil {
		return invoice.Invoice{}, err
	}
	return inv, nil
}

func (s *InvoiceStore) List(ctx context.Context, filter search.Filter, limit int) ([]invoice.Invoice, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `select id, account_id, amount, status, version, created_at from invoices`
	where, args := filter.SQL(1)
	if where != "" {
		query += " where " + where
	}
	query += ` order by created_at asc limit $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []invoice.Invoice
	for rows.Next() {
		var inv invoice.Invoice
		var status string
		if err := rows.Scan(&inv.ID, &inv.AccountID, &inv.Amount, &status, &inv.Version, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.Status = invoice.Status(status)
		res = append(res, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Payments, err = s.payments(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Save commits the record with a compare-and-set on version. Payments are
// append-only: rows already present are left alone, new ones are inserted
// in the same transaction as the version bump.
func (s *InvoiceStore) Save(ctx context.Context, inv invoice.Invoice) (invoice.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return invoice.Invoice{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update invoices set status=$3, version=version+1
		where id=$1 and version=$2
	`, inv.ID, inv.Version, string(inv.Status))
	if err != nil {
		return invoice.Invoice{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return invoice.Invoice{}, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from invoices where id=$1)`, inv.ID).Scan(&exists); err != nil {
			return invoice.Invoice{}, err
		}
		if !exists {
			return invoice.Invoice{}, invoice.ErrNotFound
		}
		return invoice.Invoice{}, invoice.ErrVersionConflict
	}

	for _, p := range inv.Payments {
		if _, err := tx.ExecContext(ctx, `
			insert into payments(id, invoice_id, amount, created_at)
			values ($1,$2,$3,$4) on conflict (id) do nothing
		`, p.ID, inv.ID, p.Amount, p.CreatedAt); err != nil {
			return invoice.Invoice{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return invoice.Invoice{}, err
	}

	saved := inv.Clone()
	saved.Version = inv.Version + 1
	return saved, nil
}

func (s *InvoiceStore) payments(ctx context.Context, invoiceID string) ([]invoice.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, amount, created_at from payments
		where invoice_id=$1 order by created_at asc
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invoice.Payment
	for rows.Next() {
		var p invoice.Payment
		if err := rows.Scan(&p.ID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

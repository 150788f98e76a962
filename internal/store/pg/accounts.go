package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paydesk.org/internal/account"
	"paydesk.org/internal/ids"
)

// AccountStore implements account.Service on Postgres.
type AccountStore struct {
	db *sql.DB
}

var _ account.Service = (*AccountStore)(nil)

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, ownerUsername string, initial decimal.Decimal) (account.Account, error) {
	if ownerUsername == "" {
		return account.Account{}, account.ErrInvalidOwner
	}
	if initial.IsNegative() {
		return account.Account{}, account.ErrInvalidAmount
	}
	acc := account.Account{
		ID:            ids.New(),
		OwnerUsername: ownerUsername,
		Balance:       initial,
		Version:       0,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, owner_username, balance, version, created_at)
		values ($1,$2,$3,$4,$5)
	`, acc.ID, acc.OwnerUsername, acc.Balance, acc.Version, acc.CreatedAt)
	if err != nil {
		return account.Account{}, err
	}
	return acc, nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	var acc account.Account
	err := s.db.QueryRowContext(ctx, `
		select id, owner_username, balance, version, created_at
		from accounts where id=$1
	`, id).Scan(&acc.ID, &acc.OwnerUsername, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, account.ErrNotFound
	}
	if err != nil {
		return account.Account{}, err
	}
	return acc, nil
}

// ApplyDelta commits the signed delta with a single compare-and-set update.
// The statement itself enforces the non-negative balance, so a losing racer
// never observes a partially applied state.
func (s *AccountStore) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (account.Account, error) {
	if delta.IsZero() {
		return account.Account{}, account.ErrInvalidAmount
	}

	var acc account.Account
	err := s.db.QueryRowContext(ctx, `
		update accounts
		set balance = balance + $2, version = version + 1
		where id=$1 and version=$3 and balance + $2 >= 0
		returning id, owner_username, balance, version, created_at
	`, id, delta, expectedVersion).Scan(&acc.ID, &acc.OwnerUsername, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, err
	}

	// The update matched nothing; read the row once to say why.
	var version int64
	var balance decimal.Decimal
	err = s.db.QueryRowContext(ctx, `select version, balance from accounts where id=$1`, id).Scan(&version, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, account.ErrNotFound
	}
	if err != nil {
		return account.Account{}, err
	}
	if version != expectedVersion {
		return account.Account{}, account.ErrVersionConflict
	}
	return account.Account{}, account.ErrInsufficientFunds
}

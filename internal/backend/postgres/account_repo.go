package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kevschoo/staybook/internal/errs"
)

// Account is a row of the identities table.
type Account struct {
	ID        string
	Email     string // normalized
	PwdHash   string
	Disabled  bool
	CreatedAt time.Time
}

// AccountRepository provides access to identity rows.
type AccountRepository interface {
	// Create inserts a new account and fills CreatedAt.
	Create(ctx context.Context, a *Account) error
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	Delete(ctx context.Context, id string) error
}

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new identity row.
func (r *AccountRepo) Create(ctx context.Context, a *Account) error {
	const q = `
INSERT INTO identities (id, email, pwd_hash)
VALUES ($1, $2, $3)
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q, a.ID, a.Email, a.PwdHash).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByEmail selects an identity by normalized email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*Account, error) {
	const q = `
SELECT id, email, pwd_hash, disabled, created_at
FROM identities WHERE email=$1`
	return r.scan(r.db.Pool.QueryRow(ctx, q, email))
}

// GetByID selects an identity by id.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*Account, error) {
	const q = `
SELECT id, email, pwd_hash, disabled, created_at
FROM identities WHERE id=$1`
	return r.scan(r.db.Pool.QueryRow(ctx, q, id))
}

// Delete removes an identity row.
func (r *AccountRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM identities WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) scan(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.PwdHash, &a.Disabled, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

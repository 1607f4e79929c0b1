package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/nagare/internal/model"
)

// GetAccountByEmail retrieves the account owning the given email.
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	var acct model.Account
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, created_at FROM accounts WHERE email = $1`, email,
	).Scan(&acct.ID, &acct.Email, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("storage: get account: %w", err)
	}
	return acct, nil
}

// EnsureAccount creates the account for an email if it does not exist
// and returns it either way. Called at startup for each registered
// workflow owner.
func (db *DB) EnsureAccount(ctx context.Context, email string) (model.Account, error) {
	acct := model.Account{
		ID:        uuid.New(),
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING`,
		acct.ID, acct.Email, acct.CreatedAt,
	); err != nil {
		return model.Account{}, fmt.Errorf("storage: ensure account: %w", err)
	}
	return db.GetAccountByEmail(ctx, email)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) Create(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (owner_id, account_ref, api_token, notify_email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, account_ref, api_token, notify_email, created_at, updated_at`,
		a.OwnerID, a.AccountRef, a.APIToken, a.NotifyEmail,
	)

	created, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateAccount
		}
		return nil, err
	}
	return created, nil
}

func (r *AccountRepository) FindByRef(ctx context.Context, accountRef string) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, account_ref, api_token, notify_email, created_at, updated_at
		FROM accounts
		WHERE account_ref = $1`, accountRef)
	return scanAccount(row)
}

func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, account_ref, api_token, notify_email, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.AccountRef, &a.APIToken, &a.NotifyEmail, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/models"
)

const pgUniqueViolation = "23505"

// LedgerRepository handles credit balances and ledger entries in Postgres
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetAccount returns the balance row for a user, or a zero balance if none exists
func (r *LedgerRepository) GetAccount(ctx context.Context, userID string) (*models.AccountBalance, error) {
	query := `
		SELECT user_id, balance, total_granted, total_used, created_at, updated_at
		FROM account_balances
		WHERE user_id = $1
	`

	var account models.AccountBalance
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&account.UserID,
		&account.Balance,
		&account.TotalGranted,
		&account.TotalUsed,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.AccountBalance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}

	return &account, nil
}

// Apply writes one ledger entry and its balance change in a single transaction
func (r *LedgerRepository) Apply(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	if entry.Amount == 0 {
		return nil, false, fmt.Errorf("ledger entry amount must be non-zero")
	}

	stored, duplicate, err := r.apply(ctx, entry)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && entry.IdempotencyKey != nil {
			// A concurrent writer with the same key committed first
			existing, findErr := r.findByKey(ctx, r.db.Pool(), *entry.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	return stored, duplicate, nil
}

func (r *LedgerRepository) apply(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	tx, err := r.db.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if entry.IdempotencyKey != nil {
		existing, err := r.findByKey(ctx, tx, *entry.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO account_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		entry.UserID,
	); err != nil {
		return nil, false, fmt.Errorf("failed to ensure account row: %w", err)
	}

	var balance int64
	if entry.Amount < 0 {
		amount := -entry.Amount
		err = tx.QueryRow(ctx, `
			UPDATE account_balances
			SET balance = balance - $2, total_used = total_used + $2, updated_at = NOW()
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance
		`, entry.UserID, amount).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			var available int64
			if scanErr := tx.QueryRow(ctx,
				`SELECT balance FROM account_balances WHERE user_id = $1`, entry.UserID,
			).Scan(&available); scanErr != nil {
				return nil, false, fmt.Errorf("failed to read balance after refused debit: %w", scanErr)
			}
			return nil, false, apperrors.NewInsufficientCreditsError(amount, available)
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE account_balances
			SET balance = balance + $2, total_granted = total_granted + $2, updated_at = NOW()
			WHERE user_id = $1
			RETURNING balance
		`, entry.UserID, entry.Amount).Scan(&balance)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.BalanceAfter = balance
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, user_id, amount, kind, description, balance_after,
			reference_id, idempotency_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		stored.ID,
		stored.UserID,
		stored.Amount,
		stored.Kind,
		stored.Description,
		stored.BalanceAfter,
		stored.ReferenceID,
		stored.IdempotencyKey,
		stored.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return &stored, false, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *LedgerRepository) findByKey(ctx context.Context, q rowQuerier, key string) (*models.LedgerEntry, error) {
	query := `
		SELECT id::text, user_id, amount, kind, description, balance_after,
			   reference_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1
	`

	entry, err := scanLedgerEntry(q.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return entry, nil
}

// ListEntries returns the most recent ledger entries for a user, newest first
func (r *LedgerRepository) ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id::text, user_id, amount, kind, description, balance_after,
			   reference_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return collectLedgerEntries(rows)
}

// ListByReference returns every entry tied to a job, oldest first
func (r *LedgerRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id::text, user_id, amount, kind, description, balance_after,
			   reference_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE reference_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries by reference: %w", err)
	}
	return collectLedgerEntries(rows)
}

func collectLedgerEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// SumEntries replays the ledger for a user
func (r *LedgerRepository) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM ledger_entries WHERE user_id = $1`, userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, nil
}

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Amount,
		&entry.Kind,
		&entry.Description,
		&entry.BalanceAfter,
		&entry.ReferenceID,
		&entry.IdempotencyKey,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

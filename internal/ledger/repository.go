package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, user_id, hold_id, job_id, amount, balance_after, type, bucket, description, created_at`

// Sum returns the signed total of all ledger entries for the user, zero when
// no rows exist.
func (r *Repository) Sum(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// SumBucket is Sum scoped to one bucket.
func (r *Repository) SumBucket(ctx context.Context, userID uuid.UUID, bucket models.Bucket) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1 AND bucket = $2
	`, userID, bucket).Scan(&sum)
	return sum, err
}

// SumTx is Sum inside the caller's transaction.
func (r *Repository) SumTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// SumBucketTx is SumBucket inside the caller's transaction.
func (r *Repository) SumBucketTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket models.Bucket) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1 AND bucket = $2
	`, userID, bucket).Scan(&sum)
	return sum, err
}

// InsertTx appends an entry inside the caller's transaction. balance_after is
// computed in the same statement as the running total plus the new amount, so
// the snapshot can never drift from the sum. The caller must hold the user's
// profile row lock.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, hold_id, job_id, amount, balance_after, type, bucket, description)
		SELECT $1, $2, $3, $4, $5,
			COALESCE((SELECT SUM(amount) FROM credit_ledger WHERE user_id = $2), 0) + $5,
			$6, $7, $8
		RETURNING balance_after, created_at
	`, e.ID, e.UserID, e.HoldID, e.JobID, e.Amount, e.Type, e.Bucket, e.Description).
		Scan(&e.BalanceAfter, &e.CreatedAt)
}

// InsertConsumeTx appends the consume entry for a hold, using the hold id as
// idempotency key: a retry that already wrote the entry hits the partial
// unique index on hold_id and returns the existing row instead of writing a
// second debit.
func (r *Repository) InsertConsumeTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, hold_id, job_id, amount, balance_after, type, bucket, description)
		SELECT $1, $2, $3, $4, $5,
			COALESCE((SELECT SUM(amount) FROM credit_ledger WHERE user_id = $2), 0) + $5,
			$6, $7, $8
		ON CONFLICT (hold_id) WHERE hold_id IS NOT NULL DO NOTHING
		RETURNING balance_after, created_at
	`, e.ID, e.UserID, e.HoldID, e.JobID, e.Amount, e.Type, e.Bucket, e.Description).
		Scan(&e.BalanceAfter, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already written by a previous attempt; return the existing entry.
		return r.getByHoldIDTx(ctx, tx, *e.HoldID)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) getByHoldIDTx(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM credit_ledger WHERE hold_id = $1
	`, holdID).Scan(&e.ID, &e.UserID, &e.HoldID, &e.JobID, &e.Amount, &e.BalanceAfter, &e.Type, &e.Bucket, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByUser returns the user's entries, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.HoldID, &e.JobID, &e.Amount, &e.BalanceAfter, &e.Type, &e.Bucket, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

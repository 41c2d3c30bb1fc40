package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/models"
)

type HoldRepo struct {
	pool *pgxpool.Pool
}

func NewHoldRepo(pool *pgxpool.Pool) *HoldRepo {
	return &HoldRepo{pool: pool}
}

const holdColumns = `id, user_id, job_id, amount, status, bucket, description, created_at, expires_at, consumed_at, released_at`

func scanHold(row pgx.Row) (*models.Hold, error) {
	var h models.Hold
	err := row.Scan(&h.ID, &h.UserID, &h.JobID, &h.Amount, &h.Status, &h.Bucket, &h.Description,
		&h.CreatedAt, &h.ExpiresAt, &h.ConsumedAt, &h.ReleasedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// InsertTx creates a hold inside the caller's transaction. The caller must
// already hold the user's profile row lock and have verified availability.
func (r *HoldRepo) InsertTx(ctx context.Context, tx pgx.Tx, h *models.Hold) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_holds (id, user_id, job_id, amount, status, bucket, description, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, h.ID, h.UserID, h.JobID, h.Amount, h.Status, h.Bucket, h.Description, h.ExpiresAt).Scan(&h.CreatedAt)
}

// GetTx loads a hold by id and owner inside the caller's transaction.
// Returns pgx.ErrNoRows when it does not exist or belongs to someone else.
func (r *HoldRepo) GetTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (*models.Hold, error) {
	return scanHold(tx.QueryRow(ctx, `
		SELECT `+holdColumns+` FROM credit_holds WHERE id = $1 AND user_id = $2
	`, id, userID))
}

// GetByID loads a hold by id regardless of owner.
func (r *HoldRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Hold, error) {
	return scanHold(r.pool.QueryRow(ctx, `
		SELECT `+holdColumns+` FROM credit_holds WHERE id = $1
	`, id))
}

// SumActiveTx returns the total amount currently reserved by held holds for
// the user, inside the caller's transaction.
func (r *HoldRepo) SumActiveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_holds WHERE user_id = $1 AND status = 'held'
	`, userID).Scan(&sum)
	return sum, err
}

// MarkConsumedTx flips a hold from held to consumed and returns it. The
// status condition makes the flip conditional: pgx.ErrNoRows means the hold
// is missing, foreign, or already resolved, and the caller triages which.
func (r *HoldRepo) MarkConsumedTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (*models.Hold, error) {
	return scanHold(tx.QueryRow(ctx, `
		UPDATE credit_holds SET status = 'consumed', consumed_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'held'
		RETURNING `+holdColumns+`
	`, id, userID))
}

// MarkReleasedTx flips a hold from held to released. Returns the number of
// rows affected; zero means missing, foreign, or already resolved.
func (r *HoldRepo) MarkReleasedTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (int64, error) {
	result, err := tx.Exec(ctx, `
		UPDATE credit_holds SET status = 'released', released_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'held'
	`, id, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// SweepExpired expires every stale hold in a single conditional bulk update.
// Re-running over already-resolved rows is a no-op, so overlapping scheduler
// ticks and concurrent sweeper instances are safe.
func (r *HoldRepo) SweepExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE credit_holds SET status = 'expired', released_at = now()
		WHERE status = 'held' AND expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CountOverdue counts holds still held past their deadline plus the grace
// period. A non-zero count means the sweeper is not keeping up and should be
// alerted on.
func (r *HoldRepo) CountOverdue(ctx context.Context, grace time.Duration) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_holds WHERE status = 'held' AND expires_at < $1
	`, time.Now().Add(-grace)).Scan(&n)
	return n, err
}

// ListByUser returns the user's holds, newest first.
func (r *HoldRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Hold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+holdColumns+` FROM credit_holds WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

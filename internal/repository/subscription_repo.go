package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otomix/backend/internal/models"
)

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

const subColumns = `id, user_id, plan_code, status, current_period_start, current_period_end, trial_ends_at, canceled_at, ended_at, created_at, updated_at`

func scanSub(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.PlanCode, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.TrialEndsAt, &s.CanceledAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActive returns the user's newest active or trialing subscription, or
// nil when there is none.
func (r *SubscriptionRepo) GetActive(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	s, err := scanSub(r.pool.QueryRow(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetActiveTx is GetActive inside the caller's transaction.
func (r *SubscriptionRepo) GetActiveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Subscription, error) {
	s, err := scanSub(tx.QueryRow(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// InsertTx creates a subscription row inside the caller's transaction.
func (r *SubscriptionRepo) InsertTx(ctx context.Context, tx pgx.Tx, s *models.Subscription) error {
	return tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_code, status, current_period_start, current_period_end, trial_ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, s.ID, s.UserID, s.PlanCode, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.TrialEndsAt).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

// CancelTx marks the user's active subscription rows on the given plan as
// canceled. Returns the number of rows affected.
func (r *SubscriptionRepo) CancelTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, plan models.PlanCode) (int64, error) {
	result, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = now(), ended_at = now(), updated_at = now()
		WHERE user_id = $1 AND plan_code = $2 AND status IN ('active', 'trialing')
	`, userID, plan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ListExpiredTrialUsers returns users whose free trial has run past its end
// and is still trialing.
func (r *SubscriptionRepo) ListExpiredTrialUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM subscriptions
		WHERE plan_code = 'freetrial' AND status = 'trialing' AND trial_ends_at < now()
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SwitchTrialToPrepaidTx parks an expired trial on the prepaid plan. The
// status condition makes repeated runs no-ops: false means another sweep
// already handled this user.
func (r *SubscriptionRepo) SwitchTrialToPrepaidTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET plan_code = 'prepaid', status = 'none', trial_ends_at = NULL, updated_at = now()
		WHERE user_id = $1 AND plan_code = 'freetrial' AND status = 'trialing'
	`, userID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListDue returns active subscriptions whose billing period has ended and
// are due for a monthly credit grant.
func (r *SubscriptionRepo) ListDue(ctx context.Context) ([]*models.Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = 'active' AND current_period_end <= now()
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// RollPeriodTx advances the billing period by one month. The period-end
// condition guards against double grants from overlapping sweeps: false
// means the period was already rolled.
func (r *SubscriptionRepo) RollPeriodTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET current_period_start = current_period_end,
			current_period_end = current_period_end + interval '1 month',
			updated_at = now()
		WHERE id = $1 AND status = 'active' AND current_period_end <= now()
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

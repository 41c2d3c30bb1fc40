package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otomix/backend/internal/models"
)

type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

// EnsureLockTx locks the user's profile row for update, creating it first if
// the user has never had one. Every transaction that mutates a user's balance
// takes this lock, which serializes check-then-insert hold creation and keeps
// balance_after monotonic.
func (r *ProfileRepo) EnsureLockTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO profiles (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, userID); err != nil {
		return err
	}
	var id uuid.UUID
	return tx.QueryRow(ctx, `
		SELECT id FROM profiles WHERE id = $1 FOR UPDATE
	`, userID).Scan(&id)
}

// MarkTrialConsumedTx records that the user's one free trial has been used.
func (r *ProfileRepo) MarkTrialConsumedTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE profiles SET trial_consumed = true, updated_at = now() WHERE id = $1
	`, userID)
	return err
}

func (r *ProfileRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	err := r.pool.QueryRow(ctx, `
		SELECT id, trial_consumed, created_at, updated_at FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.TrialConsumed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

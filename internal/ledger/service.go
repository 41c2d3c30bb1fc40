package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/credits"
	"github.com/otomix/backend/internal/models"
)

// Service is the append-only ledger store. Balances are derived, never
// persisted: GetBalance sums the signed entry amounts.
type Service interface {
	GetBalance(ctx context.Context, userID uuid.UUID, bucket *models.Bucket) (decimal.Decimal, error)
	Append(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, typ models.EntryType, bucket models.Bucket, description string, jobID *uuid.UUID) (*models.LedgerEntry, error)
	History(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error)
}

// TxBeginner starts a database transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProfileLocker serializes per-user balance mutations by locking the
// profile row inside the caller's transaction.
type ProfileLocker interface {
	EnsureLockTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

type service struct {
	db       TxBeginner
	repo     *Repository
	profiles ProfileLocker
}

func NewService(db TxBeginner, repo *Repository, profiles ProfileLocker) Service {
	return &service{db: db, repo: repo, profiles: profiles}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID, bucket *models.Bucket) (decimal.Decimal, error) {
	if bucket != nil {
		if !bucket.Valid() {
			return decimal.Zero, fmt.Errorf("%w: unknown bucket %q", credits.ErrValidation, *bucket)
		}
		sum, err := s.repo.SumBucket(ctx, userID, *bucket)
		if err != nil {
			return decimal.Zero, &credits.StorageError{Op: "get balance", Err: err}
		}
		return sum, nil
	}
	sum, err := s.repo.Sum(ctx, userID)
	if err != nil {
		return decimal.Zero, &credits.StorageError{Op: "get balance", Err: err}
	}
	return sum, nil
}

// Append writes one entry in its own transaction, holding the profile row
// lock so balance_after stays a monotonic running total under concurrency.
func (s *service) Append(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, typ models.EntryType, bucket models.Bucket, description string, jobID *uuid.UUID) (*models.LedgerEntry, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: zero amount", credits.ErrValidation)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown entry type %q", credits.ErrValidation, typ)
	}
	if !bucket.Valid() {
		return nil, fmt.Errorf("%w: unknown bucket %q", credits.ErrValidation, bucket)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, &credits.StorageError{Op: "append entry", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := s.profiles.EnsureLockTx(ctx, tx, userID); err != nil {
		return nil, &credits.StorageError{Op: "append entry", Err: err}
	}
	e := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		JobID:       jobID,
		Amount:      amount,
		Type:        typ,
		Bucket:      bucket,
		Description: description,
	}
	if err := s.repo.InsertTx(ctx, tx, e); err != nil {
		return nil, &credits.StorageError{Op: "append entry", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &credits.StorageError{Op: "append entry", Err: err}
	}
	return e, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	list, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, &credits.StorageError{Op: "history", Err: err}
	}
	return list, nil
}

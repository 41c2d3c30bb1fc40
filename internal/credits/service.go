package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/metrics"
	"github.com/otomix/backend/internal/models"
)

// DefaultHoldTTL is how long an unresolved hold reserves credits before the
// sweeper reclaims it.
const DefaultHoldTTL = 10 * time.Minute

// TxBeginner starts a database transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepo is the minimal ledger interface the credit service needs.
type LedgerRepo interface {
	SumTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (decimal.Decimal, error)
	InsertConsumeTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (*models.LedgerEntry, error)
}

// HoldRepo is the minimal hold interface the credit service needs.
type HoldRepo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, h *models.Hold) error
	GetTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (*models.Hold, error)
	SumActiveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (decimal.Decimal, error)
	MarkConsumedTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (*models.Hold, error)
	MarkReleasedTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
	CountOverdue(ctx context.Context, grace time.Duration) (int64, error)
}

// ProfileRepo locks the per-user row that serializes balance mutations.
type ProfileRepo interface {
	EnsureLockTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

// SubscriptionRepo resolves the user's active plan so a hold debits the
// right bucket on consumption.
type SubscriptionRepo interface {
	GetActiveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Subscription, error)
}

// Service reserves, consumes, and releases prepaid credits. A hold is
// resolved exactly once; consumption is the only path that writes a ledger
// entry.
type Service struct {
	db       TxBeginner
	ledger   LedgerRepo
	holds    HoldRepo
	profiles ProfileRepo
	subs     SubscriptionRepo
	ttl      time.Duration
}

// NewService creates a credit service. ttl <= 0 selects DefaultHoldTTL.
func NewService(db TxBeginner, ledger LedgerRepo, holds HoldRepo, profiles ProfileRepo, subs SubscriptionRepo, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	return &Service{db: db, ledger: ledger, holds: holds, profiles: profiles, subs: subs, ttl: ttl}
}

// TTL returns the hold time-to-live in effect.
func (s *Service) TTL() time.Duration { return s.ttl }

// Hold reserves amount against the user's available balance. The availability
// check and the insert run in one transaction under the profile row lock, so
// two concurrent holds cannot both pass the check and overdraw the balance.
func (s *Service) Hold(ctx context.Context, userID, jobID uuid.UUID, amount decimal.Decimal, description string) (*models.Hold, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: hold amount must be positive, got %s", ErrValidation, amount)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("hold", err)
	}
	defer tx.Rollback(ctx)

	if err := s.profiles.EnsureLockTx(ctx, tx, userID); err != nil {
		return nil, storageErr("hold", err)
	}

	total, err := s.ledger.SumTx(ctx, tx, userID)
	if err != nil {
		return nil, storageErr("hold", err)
	}
	held, err := s.holds.SumActiveTx(ctx, tx, userID)
	if err != nil {
		return nil, storageErr("hold", err)
	}
	available := total.Sub(held)
	if available.LessThan(amount) {
		metrics.HoldsRejected.Inc()
		return nil, &InsufficientCreditError{Available: available}
	}

	bucket, err := s.resolveBucket(ctx, tx, userID)
	if err != nil {
		return nil, storageErr("hold", err)
	}

	h := &models.Hold{
		ID:          uuid.New(),
		UserID:      userID,
		JobID:       jobID,
		Amount:      amount,
		Status:      models.HoldHeld,
		Bucket:      bucket,
		Description: description,
		ExpiresAt:   time.Now().Add(s.ttl),
	}
	if err := s.holds.InsertTx(ctx, tx, h); err != nil {
		return nil, storageErr("hold", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("hold", err)
	}
	metrics.HoldsCreated.Inc()
	return h, nil
}

// resolveBucket fixes the bucket a hold will debit at creation time: trial
// users spend trial credits, everyone else spends the monthly pool.
func (s *Service) resolveBucket(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (models.Bucket, error) {
	sub, err := s.subs.GetActiveTx(ctx, tx, userID)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.PlanCode == models.PlanFreeTrial {
		return models.BucketTrial, nil
	}
	return models.BucketMonthly, nil
}

// Consume converts a held reservation into a permanent ledger debit. The
// status flip and the ledger append commit as one unit; the ledger side is
// additionally keyed on the hold id so a retry cannot double-debit.
func (s *Service) Consume(ctx context.Context, holdID, userID uuid.UUID) (*models.LedgerEntry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("consume", err)
	}
	defer tx.Rollback(ctx)

	if err := s.profiles.EnsureLockTx(ctx, tx, userID); err != nil {
		return nil, storageErr("consume", err)
	}

	h, err := s.holds.MarkConsumedTx(ctx, tx, holdID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.triageTx(ctx, tx, holdID, userID)
		}
		return nil, storageErr("consume", err)
	}

	jobID := h.JobID
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		HoldID:      &h.ID,
		JobID:       &jobID,
		Amount:      h.Amount.Neg(),
		Type:        models.EntryConsume,
		Bucket:      h.Bucket,
		Description: h.Description,
	}
	entry, err = s.ledger.InsertConsumeTx(ctx, tx, entry)
	if err != nil {
		return nil, storageErr("consume", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("consume", err)
	}
	metrics.CreditsConsumed.Add(h.Amount.InexactFloat64())
	return entry, nil
}

// Release cancels a held reservation. No ledger entry is written: dropping
// the hold from the active set restores availability by itself.
func (s *Service) Release(ctx context.Context, holdID, userID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("release", err)
	}
	defer tx.Rollback(ctx)

	n, err := s.holds.MarkReleasedTx(ctx, tx, holdID, userID)
	if err != nil {
		return storageErr("release", err)
	}
	if n == 0 {
		return s.triageTx(ctx, tx, holdID, userID)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("release", err)
	}
	return nil
}

// triageTx classifies a failed conditional flip: the hold either does not
// exist for this user (NotFound) or is already resolved (Conflict).
func (s *Service) triageTx(ctx context.Context, tx pgx.Tx, holdID, userID uuid.UUID) error {
	h, err := s.holds.GetTx(ctx, tx, holdID, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: hold %s", ErrNotFound, holdID)
	}
	if err != nil {
		return storageErr("triage", err)
	}
	return fmt.Errorf("%w: hold %s is %s", ErrConflict, holdID, h.Status)
}

// SweepExpired reclaims every stale hold in one conditional bulk update and
// returns how many were expired. Safe to run concurrently and repeatedly.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.holds.SweepExpired(ctx)
	if err != nil {
		return 0, storageErr("sweep", err)
	}
	metrics.HoldsSwept.Add(float64(n))
	return n, nil
}

// CountOverdue reports holds unresolved past TTL plus grace. A dangling hold
// is a correctness bug in the caller, not an acceptable steady state.
func (s *Service) CountOverdue(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.holds.CountOverdue(ctx, grace)
	if err != nil {
		return 0, storageErr("count overdue", err)
	}
	metrics.OverdueHolds.Set(float64(n))
	return n, nil
}

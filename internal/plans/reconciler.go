// Package plans reconciles credit balances with subscription plan changes:
// upgrades grant the allowance delta, downgrades carry unused monthly credits
// over, expired trials fall back to prepaid, and active subscriptions receive
// their monthly allowance when the billing period rolls.
package plans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/credits"
	"github.com/otomix/backend/internal/metrics"
	"github.com/otomix/backend/internal/models"
)

// TxBeginner starts a database transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepo is the minimal ledger interface the reconciler needs.
type LedgerRepo interface {
	SumBucketTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, bucket models.Bucket) (decimal.Decimal, error)
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
}

// SubscriptionRepo is the subscription surface the reconciler needs.
type SubscriptionRepo interface {
	CancelTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, plan models.PlanCode) (int64, error)
	InsertTx(ctx context.Context, tx pgx.Tx, s *models.Subscription) error
	ListExpiredTrialUsers(ctx context.Context) ([]uuid.UUID, error)
	SwitchTrialToPrepaidTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error)
	ListDue(ctx context.Context) ([]*models.Subscription, error)
	RollPeriodTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

// ProfileRepo locks the per-user row and records trial consumption.
type ProfileRepo interface {
	EnsureLockTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	MarkTrialConsumedTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

type Reconciler struct {
	db       TxBeginner
	ledger   LedgerRepo
	subs     SubscriptionRepo
	profiles ProfileRepo
	logger   *slog.Logger
}

func NewReconciler(db TxBeginner, ledger LedgerRepo, subs SubscriptionRepo, profiles ProfileRepo, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, ledger: ledger, subs: subs, profiles: profiles, logger: logger}
}

// ChangeResult reports what a plan change did to the user's subscription and
// ledger.
type ChangeResult struct {
	Subscription *models.Subscription  `json:"subscription"`
	Entries      []*models.LedgerEntry `json:"entries"`
}

// ChangePlan cancels the user's subscription on fromPlan, creates a fresh
// one on toPlan, and reconciles credits, all in one transaction.
//
// Credit policy: upgrades grant the allowance delta; downgrades move the
// unused monthly balance to the carryover bucket. On top of either, the full
// new-plan monthly allowance is granted unconditionally. That stacking
// matches the billing team's current policy and is pinned by tests; do not
// "fix" it here without a product decision.
func (r *Reconciler) ChangePlan(ctx context.Context, userID uuid.UUID, fromPlan, toPlan models.PlanCode) (*ChangeResult, error) {
	from, ok := models.PlanByCode(fromPlan)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", credits.ErrValidation, fromPlan)
	}
	to, ok := models.PlanByCode(toPlan)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", credits.ErrValidation, toPlan)
	}
	if fromPlan == toPlan {
		return nil, fmt.Errorf("%w: already on plan %q", credits.ErrValidation, toPlan)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := r.profiles.EnsureLockTx(ctx, tx, userID); err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}

	n, err := r.subs.CancelTx(ctx, tx, userID, fromPlan)
	if err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no active %s subscription for user %s", credits.ErrNotFound, fromPlan, userID)
	}

	now := time.Now()
	sub := &models.Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanCode:           toPlan,
		Status:             models.SubActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if err := r.subs.InsertTx(ctx, tx, sub); err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}

	entries, err := r.reconcileCreditsTx(ctx, tx, userID, from, to)
	if err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &credits.StorageError{Op: "change plan", Err: err}
	}

	r.logger.Info("plan changed",
		"user_id", userID,
		"from_plan", fromPlan,
		"to_plan", toPlan,
		"subscription_id", sub.ID,
		"ledger_entries", len(entries),
	)
	return &ChangeResult{Subscription: sub, Entries: entries}, nil
}

func (r *Reconciler) reconcileCreditsTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, from, to models.Plan) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry

	appendEntry := func(amount decimal.Decimal, typ models.EntryType, bucket models.Bucket, desc string) error {
		e := &models.LedgerEntry{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      amount,
			Type:        typ,
			Bucket:      bucket,
			Description: desc,
		}
		if err := r.ledger.InsertTx(ctx, tx, e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	}

	switch {
	case to.PriceJPY > from.PriceJPY:
		// Upgrade: grant the allowance delta.
		diff := to.MonthlyCredits.Sub(from.MonthlyCredits)
		if diff.IsPositive() {
			if err := appendEntry(diff, models.EntryGrant, models.BucketMonthly, "plan upgrade grant"); err != nil {
				return nil, err
			}
		}
	case to.PriceJPY < from.PriceJPY:
		// Downgrade: move the unused monthly balance to carryover.
		monthly, err := r.ledger.SumBucketTx(ctx, tx, userID, models.BucketMonthly)
		if err != nil {
			return nil, err
		}
		if monthly.IsPositive() {
			if err := appendEntry(monthly.Neg(), models.EntryConsume, models.BucketMonthly, "plan downgrade carryover"); err != nil {
				return nil, err
			}
			if err := appendEntry(monthly, models.EntryGrant, models.BucketCarryover, "plan downgrade carryover"); err != nil {
				return nil, err
			}
		}
	}

	if to.MonthlyCredits.IsPositive() {
		if err := appendEntry(to.MonthlyCredits, models.EntryGrant, models.BucketMonthly, to.Name+" plan monthly credits"); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// ExpireTrials resolves every free trial that has run past its end: the
// subscription parks on prepaid, the remaining trial balance is expired with
// a ledger entry, and the profile is flagged trial_consumed. Each user is
// handled in a single transaction so a partial failure cannot leave the plan
// switched with the trial credits still live.
func (r *Reconciler) ExpireTrials(ctx context.Context) (int, error) {
	userIDs, err := r.subs.ListExpiredTrialUsers(ctx)
	if err != nil {
		return 0, &credits.StorageError{Op: "expire trials", Err: err}
	}

	processed := 0
	for _, userID := range userIDs {
		if err := r.expireTrialUser(ctx, userID); err != nil {
			r.logger.Error("trial expiry failed", "user_id", userID, "error", err)
			continue
		}
		processed++
		metrics.TrialsExpired.Inc()
	}
	if processed > 0 {
		r.logger.Info("expired trials", "processed", processed, "total", len(userIDs))
	}
	return processed, nil
}

func (r *Reconciler) expireTrialUser(ctx context.Context, userID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.profiles.EnsureLockTx(ctx, tx, userID); err != nil {
		return err
	}
	switched, err := r.subs.SwitchTrialToPrepaidTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !switched {
		// Another sweep already handled this user.
		return nil
	}

	trialBalance, err := r.ledger.SumBucketTx(ctx, tx, userID, models.BucketTrial)
	if err != nil {
		return err
	}
	if trialBalance.IsPositive() {
		e := &models.LedgerEntry{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      trialBalance.Neg(),
			Type:        models.EntryExpire,
			Bucket:      models.BucketTrial,
			Description: "free trial ended",
		}
		if err := r.ledger.InsertTx(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := r.profiles.MarkTrialConsumedTx(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GrantMonthly grants each due active subscription its plan's monthly
// allowance and rolls the billing period. The conditional period roll is the
// idempotency guard: overlapping sweeps grant at most once per period.
func (r *Reconciler) GrantMonthly(ctx context.Context) (int, error) {
	due, err := r.subs.ListDue(ctx)
	if err != nil {
		return 0, &credits.StorageError{Op: "grant monthly", Err: err}
	}

	processed := 0
	for _, sub := range due {
		if err := r.grantMonthlySub(ctx, sub); err != nil {
			r.logger.Error("monthly grant failed", "user_id", sub.UserID, "subscription_id", sub.ID, "error", err)
			continue
		}
		processed++
		metrics.MonthlyGrants.Inc()
	}
	if processed > 0 {
		r.logger.Info("granted monthly credits", "processed", processed, "total", len(due))
	}
	return processed, nil
}

func (r *Reconciler) grantMonthlySub(ctx context.Context, sub *models.Subscription) error {
	plan, ok := models.PlanByCode(sub.PlanCode)
	if !ok {
		return fmt.Errorf("unknown plan %q on subscription %s", sub.PlanCode, sub.ID)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.profiles.EnsureLockTx(ctx, tx, sub.UserID); err != nil {
		return err
	}
	rolled, err := r.subs.RollPeriodTx(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if !rolled {
		return nil
	}
	if plan.MonthlyCredits.IsPositive() {
		e := &models.LedgerEntry{
			ID:          uuid.New(),
			UserID:      sub.UserID,
			Amount:      plan.MonthlyCredits,
			Type:        models.EntryGrant,
			Bucket:      models.BucketMonthly,
			Description: plan.Name + " plan monthly credits",
		}
		if err := r.ledger.InsertTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

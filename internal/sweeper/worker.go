// Package sweeper holds the River background jobs that keep the credit
// subsystem converging: expiring stale holds, resolving ended free trials,
// and granting monthly credits. All three are driven by periodic jobs and
// can also be triggered through the internal HTTP endpoints.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// OverdueGrace is how far past its TTL a hold may linger before it counts as
// overdue and gets alerted on.
const OverdueGrace = 5 * time.Minute

// CreditService is the contract the hold sweeper needs.
type CreditService interface {
	SweepExpired(ctx context.Context) (int64, error)
	CountOverdue(ctx context.Context, grace time.Duration) (int64, error)
}

// PlanService is the contract the subscription sweepers need.
type PlanService interface {
	ExpireTrials(ctx context.Context) (int, error)
	GrantMonthly(ctx context.Context) (int, error)
}

type SweepHoldsArgs struct{}

func (SweepHoldsArgs) Kind() string { return "sweep_expired_holds" }

type SweepHoldsWorker struct {
	river.WorkerDefaults[SweepHoldsArgs]
	credits CreditService
	logger  *slog.Logger
}

func NewSweepHoldsWorker(credits CreditService, logger *slog.Logger) *SweepHoldsWorker {
	return &SweepHoldsWorker{credits: credits, logger: logger}
}

func (w *SweepHoldsWorker) Work(ctx context.Context, job *river.Job[SweepHoldsArgs]) error {
	n, err := w.credits.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("expired stale holds", "released", n)
	}

	overdue, err := w.credits.CountOverdue(ctx, OverdueGrace)
	if err != nil {
		return err
	}
	if overdue > 0 {
		// Holds this old mean a caller never resolved and the sweeper is not
		// keeping up; surface loudly.
		w.logger.Warn("holds unresolved past TTL and grace", "count", overdue)
	}
	return nil
}

type ExpireTrialsArgs struct{}

func (ExpireTrialsArgs) Kind() string { return "expire_trials" }

type ExpireTrialsWorker struct {
	river.WorkerDefaults[ExpireTrialsArgs]
	plans  PlanService
	logger *slog.Logger
}

func NewExpireTrialsWorker(plans PlanService, logger *slog.Logger) *ExpireTrialsWorker {
	return &ExpireTrialsWorker{plans: plans, logger: logger}
}

func (w *ExpireTrialsWorker) Work(ctx context.Context, job *river.Job[ExpireTrialsArgs]) error {
	n, err := w.plans.ExpireTrials(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("trial expiry sweep done", "processed", n)
	}
	return nil
}

type GrantMonthlyArgs struct{}

func (GrantMonthlyArgs) Kind() string { return "grant_monthly_credits" }

type GrantMonthlyWorker struct {
	river.WorkerDefaults[GrantMonthlyArgs]
	plans  PlanService
	logger *slog.Logger
}

func NewGrantMonthlyWorker(plans PlanService, logger *slog.Logger) *GrantMonthlyWorker {
	return &GrantMonthlyWorker{plans: plans, logger: logger}
}

func (w *GrantMonthlyWorker) Work(ctx context.Context, job *river.Job[GrantMonthlyArgs]) error {
	n, err := w.plans.GrantMonthly(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("monthly grant sweep done", "processed", n)
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses. "none" is the parked state a trial falls into when
// it expires into the prepaid plan.
type SubscriptionStatus string

const (
	SubTrialing SubscriptionStatus = "trialing"
	SubActive   SubscriptionStatus = "active"
	SubCanceled SubscriptionStatus = "canceled"
	SubNone     SubscriptionStatus = "none"
)

type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             uuid.UUID          `json:"user_id"`
	PlanCode           PlanCode           `json:"plan_code"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	TrialEndsAt        *time.Time         `json:"trial_ends_at,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Profile is the per-user row. Besides the trial_consumed flag it serves as
// the lock target: every transaction that appends ledger entries or creates
// a hold locks this row first, serializing balance mutations per user.
type Profile struct {
	ID            uuid.UUID `json:"id"`
	TrialConsumed bool      `json:"trial_consumed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry. The set is closed: entries are only
// ever written by grants, consumption, trial expiry, and refunds.
type EntryType string

const (
	EntryGrant   EntryType = "grant"
	EntryConsume EntryType = "consume"
	EntryExpire  EntryType = "expire"
	EntryRefund  EntryType = "refund"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryGrant, EntryConsume, EntryExpire, EntryRefund:
		return true
	}
	return false
}

// Bucket is a named sub-balance category used for expiry and reporting policy.
type Bucket string

const (
	BucketTrial     Bucket = "trial"
	BucketMonthly   Bucket = "monthly"
	BucketAddon     Bucket = "addon"
	BucketCarryover Bucket = "carryover"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketTrial, BucketMonthly, BucketAddon, BucketCarryover:
		return true
	}
	return false
}

// HoldStatus tracks the hold lifecycle. held is the only non-terminal state;
// consumed, released, and expired are terminal and never re-enter held.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldConsumed HoldStatus = "consumed"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

// LedgerEntry is an immutable, append-only signed balance adjustment.
// BalanceAfter is a snapshot of the running total at write time. HoldID is
// set only on consume entries and is unique per hold, which makes it the
// idempotency key for consumption.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	HoldID       *uuid.UUID      `json:"hold_id,omitempty"`
	JobID        *uuid.UUID      `json:"job_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Type         EntryType       `json:"type"`
	Bucket       Bucket          `json:"bucket"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Hold is a temporary reservation of credits pending job resolution. It is
// resolved exactly once: consumed on job success, released on caller cancel,
// or expired by the sweeper after ExpiresAt.
type Hold struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	JobID       uuid.UUID       `json:"job_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      HoldStatus      `json:"status"`
	Bucket      Bucket          `json:"bucket"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ConsumedAt  *time.Time      `json:"consumed_at,omitempty"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
}

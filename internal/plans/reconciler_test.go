package plans

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/credits"
	"github.com/otomix/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory fakes. The subscription fake reproduces the conditional-update
// guards the SQL layer relies on: cancel and trial-switch only fire on a
// matching active row, the period roll only fires when the period has lapsed.
// ---------------------------------------------------------------------------

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type fakeDB struct{}

func (fakeDB) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type fakeLedger struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
}

func (f *fakeLedger) SumBucketTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, bucket models.Bucket) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := decimal.Zero
	for _, e := range f.entries {
		if e.UserID == userID && e.Bucket == bucket {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (f *fakeLedger) InsertTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeLedger) seed(userID uuid.UUID, amount decimal.Decimal, bucket models.Bucket) {
	f.entries = append(f.entries, &models.LedgerEntry{
		ID: uuid.New(), UserID: userID, Amount: amount,
		Type: models.EntryGrant, Bucket: bucket,
	})
}

type fakeSubs struct {
	mu   sync.Mutex
	subs []*models.Subscription
}

func (f *fakeSubs) activeFor(userID uuid.UUID) *models.Subscription {
	for _, s := range f.subs {
		if s.UserID == userID && (s.Status == models.SubActive || s.Status == models.SubTrialing) {
			return s
		}
	}
	return nil
}

func (f *fakeSubs) CancelTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, plan models.PlanCode) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.activeFor(userID)
	if s == nil || s.PlanCode != plan {
		return 0, nil
	}
	s.Status = models.SubCanceled
	return 1, nil
}

func (f *fakeSubs) InsertTx(_ context.Context, _ pgx.Tx, s *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.subs = append(f.subs, &cp)
	return nil
}

func (f *fakeSubs) ListExpiredTrialUsers(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	now := time.Now()
	for _, s := range f.subs {
		if s.Status == models.SubTrialing && s.PlanCode == models.PlanFreeTrial && s.TrialEndsAt != nil && s.TrialEndsAt.Before(now) {
			out = append(out, s.UserID)
		}
	}
	return out, nil
}

func (f *fakeSubs) SwitchTrialToPrepaidTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.UserID == userID && s.Status == models.SubTrialing && s.PlanCode == models.PlanFreeTrial {
			s.Status = models.SubNone
			s.PlanCode = models.PlanPrepaid
			s.TrialEndsAt = nil
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSubs) ListDue(context.Context) ([]*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Subscription
	now := time.Now()
	for _, s := range f.subs {
		if s.Status == models.SubActive && !s.CurrentPeriodEnd.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSubs) RollPeriodTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, s := range f.subs {
		if s.ID == id && s.Status == models.SubActive && !s.CurrentPeriodEnd.After(now) {
			s.CurrentPeriodStart = s.CurrentPeriodEnd
			s.CurrentPeriodEnd = s.CurrentPeriodEnd.AddDate(0, 1, 0)
			return true, nil
		}
	}
	return false, nil
}

type fakeProfiles struct {
	mu            sync.Mutex
	trialConsumed map[uuid.UUID]bool
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{trialConsumed: make(map[uuid.UUID]bool)}
}

func (f *fakeProfiles) EnsureLockTx(context.Context, pgx.Tx, uuid.UUID) error { return nil }

func (f *fakeProfiles) MarkTrialConsumedTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trialConsumed[userID] = true
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fixture struct {
	rec      *Reconciler
	ledger   *fakeLedger
	subs     *fakeSubs
	profiles *fakeProfiles
}

func newFixture() *fixture {
	l := &fakeLedger{}
	s := &fakeSubs{}
	p := newFakeProfiles()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		rec:      NewReconciler(fakeDB{}, l, s, p, logger),
		ledger:   l,
		subs:     s,
		profiles: p,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func activeSub(userID uuid.UUID, plan models.PlanCode, status models.SubscriptionStatus, periodEnd time.Time) *models.Subscription {
	return &models.Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanCode:           plan,
		Status:             status,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
	}
}

func trialSub(userID uuid.UUID, trialEnd time.Time) *models.Subscription {
	s := activeSub(userID, models.PlanFreeTrial, models.SubTrialing, trialEnd)
	s.TrialEndsAt = &trialEnd
	return s
}

// ---------------------------------------------------------------------------
// 1. Plan changes
// ---------------------------------------------------------------------------

func TestChangePlan_Upgrade(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanStandard, models.SubActive, time.Now().AddDate(0, 0, 14)))

	res, err := fx.rec.ChangePlan(ctx, user, models.PlanStandard, models.PlanCreator)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}

	// Upgrade writes the 5 -> 12 delta grant, then the full new allowance on
	// top. That is current billing policy; changing the expectation here
	// means the policy changed.
	if len(res.Entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(res.Entries))
	}
	if !res.Entries[0].Amount.Equal(dec("7")) {
		t.Errorf("delta grant: got %s, want 7", res.Entries[0].Amount)
	}
	if !res.Entries[1].Amount.Equal(dec("12")) {
		t.Errorf("monthly grant: got %s, want 12", res.Entries[1].Amount)
	}
	for i, e := range res.Entries {
		if e.Type != models.EntryGrant || e.Bucket != models.BucketMonthly {
			t.Errorf("entry %d: got %s/%s, want grant/monthly", i, e.Type, e.Bucket)
		}
	}

	if res.Subscription.PlanCode != models.PlanCreator || res.Subscription.Status != models.SubActive {
		t.Errorf("new subscription: got %s/%s", res.Subscription.PlanCode, res.Subscription.Status)
	}
	got := fx.subs.activeFor(user)
	if got == nil || got.PlanCode != models.PlanCreator {
		t.Error("old subscription should be canceled and the new one active")
	}
}

func TestChangePlan_DowngradeCarriesOver(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanCreator, models.SubActive, time.Now().AddDate(0, 0, 14)))
	fx.ledger.seed(user, dec("4"), models.BucketMonthly)

	res, err := fx.rec.ChangePlan(ctx, user, models.PlanCreator, models.PlanStandard)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}

	// Unused monthly balance moves to carryover, then the new plan's
	// allowance lands in monthly.
	if len(res.Entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(res.Entries))
	}
	if !res.Entries[0].Amount.Equal(dec("-4")) || res.Entries[0].Bucket != models.BucketMonthly {
		t.Errorf("carryover debit: got %s/%s", res.Entries[0].Amount, res.Entries[0].Bucket)
	}
	if !res.Entries[1].Amount.Equal(dec("4")) || res.Entries[1].Bucket != models.BucketCarryover {
		t.Errorf("carryover grant: got %s/%s", res.Entries[1].Amount, res.Entries[1].Bucket)
	}
	if !res.Entries[2].Amount.Equal(dec("5")) || res.Entries[2].Bucket != models.BucketMonthly {
		t.Errorf("monthly grant: got %s/%s", res.Entries[2].Amount, res.Entries[2].Bucket)
	}

	monthly, _ := fx.ledger.SumBucketTx(ctx, nil, user, models.BucketMonthly)
	carryover, _ := fx.ledger.SumBucketTx(ctx, nil, user, models.BucketCarryover)
	if !monthly.Equal(dec("5")) {
		t.Errorf("monthly balance: got %s, want 5", monthly)
	}
	if !carryover.Equal(dec("4")) {
		t.Errorf("carryover balance: got %s, want 4", carryover)
	}
}

func TestChangePlan_DowngradeWithEmptyMonthly(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanCreator, models.SubActive, time.Now().AddDate(0, 0, 14)))

	res, err := fx.rec.ChangePlan(ctx, user, models.PlanCreator, models.PlanLite)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	// Nothing to carry over, only the new allowance.
	if len(res.Entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(res.Entries))
	}
	if !res.Entries[0].Amount.Equal(dec("2")) {
		t.Errorf("monthly grant: got %s, want 2", res.Entries[0].Amount)
	}
}

func TestChangePlan_Errors(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()

	if _, err := fx.rec.ChangePlan(ctx, user, "gold", models.PlanCreator); !errors.Is(err, credits.ErrValidation) {
		t.Errorf("unknown from-plan: expected ErrValidation, got: %v", err)
	}
	if _, err := fx.rec.ChangePlan(ctx, user, models.PlanStandard, "gold"); !errors.Is(err, credits.ErrValidation) {
		t.Errorf("unknown to-plan: expected ErrValidation, got: %v", err)
	}
	if _, err := fx.rec.ChangePlan(ctx, user, models.PlanStandard, models.PlanStandard); !errors.Is(err, credits.ErrValidation) {
		t.Errorf("same plan: expected ErrValidation, got: %v", err)
	}
	if _, err := fx.rec.ChangePlan(ctx, user, models.PlanStandard, models.PlanCreator); !errors.Is(err, credits.ErrNotFound) {
		t.Errorf("no active subscription: expected ErrNotFound, got: %v", err)
	}

	// An active subscription on a different plan does not match either.
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanLite, models.SubActive, time.Now().AddDate(0, 0, 14)))
	if _, err := fx.rec.ChangePlan(ctx, user, models.PlanStandard, models.PlanCreator); !errors.Is(err, credits.ErrNotFound) {
		t.Errorf("plan mismatch: expected ErrNotFound, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 2. Trial expiry sweep
// ---------------------------------------------------------------------------

func TestExpireTrials(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, trialSub(user, time.Now().Add(-time.Hour)))
	fx.ledger.seed(user, dec("1"), models.BucketTrial)

	processed, err := fx.rec.ExpireTrials(ctx)
	if err != nil {
		t.Fatalf("ExpireTrials: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed: got %d, want 1", processed)
	}

	// The subscription is parked, not active: the user must explicitly pick
	// a paid plan to resume.
	sub := fx.subs.subs[0]
	if sub.PlanCode != models.PlanPrepaid || sub.Status != models.SubNone {
		t.Errorf("subscription after expiry: got %s/%s, want prepaid/none", sub.PlanCode, sub.Status)
	}
	trial, _ := fx.ledger.SumBucketTx(ctx, nil, user, models.BucketTrial)
	if !trial.IsZero() {
		t.Errorf("trial balance after expiry: got %s, want 0", trial)
	}
	last := fx.ledger.entries[len(fx.ledger.entries)-1]
	if last.Type != models.EntryExpire || !last.Amount.Equal(dec("-1")) {
		t.Errorf("expiry entry: got %s %s", last.Type, last.Amount)
	}
	if !fx.profiles.trialConsumed[user] {
		t.Error("profile should be marked trial_consumed")
	}

	// Nothing left to expire on the second pass.
	processed, err = fx.rec.ExpireTrials(ctx)
	if err != nil {
		t.Fatalf("second ExpireTrials: %v", err)
	}
	if processed != 0 {
		t.Errorf("second pass processed: got %d, want 0", processed)
	}
}

func TestExpireTrials_ZeroBalanceWritesNoEntry(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, trialSub(user, time.Now().Add(-time.Hour)))

	processed, err := fx.rec.ExpireTrials(ctx)
	if err != nil {
		t.Fatalf("ExpireTrials: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed: got %d, want 1", processed)
	}
	if len(fx.ledger.entries) != 0 {
		t.Errorf("ledger entries: got %d, want 0", len(fx.ledger.entries))
	}
	if !fx.profiles.trialConsumed[user] {
		t.Error("profile should be marked trial_consumed even with no balance")
	}
}

func TestExpireTrials_SkipsLiveTrials(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	fx.subs.subs = append(fx.subs.subs, trialSub(user, time.Now().AddDate(0, 0, 3)))

	processed, err := fx.rec.ExpireTrials(context.Background())
	if err != nil {
		t.Fatalf("ExpireTrials: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed: got %d, want 0", processed)
	}
}

// ---------------------------------------------------------------------------
// 3. Monthly grant sweep
// ---------------------------------------------------------------------------

func TestGrantMonthly(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	periodEnd := time.Now().Add(-time.Hour)
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanStandard, models.SubActive, periodEnd))

	processed, err := fx.rec.GrantMonthly(ctx)
	if err != nil {
		t.Fatalf("GrantMonthly: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed: got %d, want 1", processed)
	}
	monthly, _ := fx.ledger.SumBucketTx(ctx, nil, user, models.BucketMonthly)
	if !monthly.Equal(dec("5")) {
		t.Errorf("monthly balance: got %s, want 5", monthly)
	}
	sub := fx.subs.activeFor(user)
	if !sub.CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)) {
		t.Errorf("period end: got %s, want %s", sub.CurrentPeriodEnd, periodEnd.AddDate(0, 1, 0))
	}

	// The rolled period keeps a second sweep from granting again.
	processed, err = fx.rec.GrantMonthly(ctx)
	if err != nil {
		t.Fatalf("second GrantMonthly: %v", err)
	}
	if processed != 0 {
		t.Errorf("second pass processed: got %d, want 0", processed)
	}
	monthly, _ = fx.ledger.SumBucketTx(ctx, nil, user, models.BucketMonthly)
	if !monthly.Equal(dec("5")) {
		t.Errorf("monthly balance after second pass: got %s, want 5", monthly)
	}
}

func TestGrantMonthly_SkipsZeroAllowancePlans(t *testing.T) {
	fx := newFixture()
	user := uuid.New()
	ctx := context.Background()
	fx.subs.subs = append(fx.subs.subs, activeSub(user, models.PlanPrepaid, models.SubActive, time.Now().Add(-time.Hour)))

	processed, err := fx.rec.GrantMonthly(ctx)
	if err != nil {
		t.Fatalf("GrantMonthly: %v", err)
	}
	// The period still rolls but no grant is written.
	if processed != 1 {
		t.Fatalf("processed: got %d, want 1", processed)
	}
	if len(fx.ledger.entries) != 0 {
		t.Errorf("ledger entries: got %d, want 0", len(fx.ledger.entries))
	}
}

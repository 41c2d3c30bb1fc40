package models

import "github.com/shopspring/decimal"

// PlanCode identifies a subscription plan in the payment provider's catalog.
type PlanCode string

const (
	PlanFreeTrial PlanCode = "freetrial"
	PlanPrepaid   PlanCode = "prepaid"
	PlanLite      PlanCode = "lite"
	PlanStandard  PlanCode = "standard"
	PlanCreator   PlanCode = "creator"
)

// Plan carries the price/credit-allowance metadata the reconciler consumes.
// The catalog is read-only here; the payment provider owns it.
type Plan struct {
	Code           PlanCode        `json:"code"`
	Name           string          `json:"name"`
	PriceJPY       int64           `json:"price_jpy"`
	MonthlyCredits decimal.Decimal `json:"monthly_credits"`
	RetentionDays  int             `json:"retention_days"`
}

var plans = map[PlanCode]Plan{
	PlanFreeTrial: {Code: PlanFreeTrial, Name: "Free Trial", PriceJPY: 0, MonthlyCredits: decimal.NewFromInt(1), RetentionDays: 7},
	PlanPrepaid:   {Code: PlanPrepaid, Name: "Prepaid", PriceJPY: 0, MonthlyCredits: decimal.Zero, RetentionDays: 7},
	PlanLite:      {Code: PlanLite, Name: "Lite", PriceJPY: 1780, MonthlyCredits: decimal.NewFromInt(2), RetentionDays: 7},
	PlanStandard:  {Code: PlanStandard, Name: "Standard", PriceJPY: 3980, MonthlyCredits: decimal.NewFromInt(5), RetentionDays: 15},
	PlanCreator:   {Code: PlanCreator, Name: "Creator", PriceJPY: 7380, MonthlyCredits: decimal.NewFromInt(12), RetentionDays: 30},
}

// PlanByCode looks up a plan in the catalog.
func PlanByCode(code PlanCode) (Plan, bool) {
	p, ok := plans[code]
	return p, ok
}

// planOrder is the upgrade ladder, cheapest first.
var planOrder = []PlanCode{PlanFreeTrial, PlanPrepaid, PlanLite, PlanStandard, PlanCreator}

func planIndex(code PlanCode) int {
	for i, c := range planOrder {
		if c == code {
			return i
		}
	}
	return -1
}

// CanUpgrade reports whether target is strictly above current on the ladder.
func CanUpgrade(current, target PlanCode) bool {
	ci, ti := planIndex(current), planIndex(target)
	return ci >= 0 && ti >= 0 && ti > ci
}

// CanDowngrade reports whether a move from current down to target is allowed.
// Free trial users cannot downgrade; any paid plan may fall back to prepaid.
func CanDowngrade(current, target PlanCode) bool {
	if current == PlanFreeTrial {
		return false
	}
	if target == PlanPrepaid {
		return true
	}
	ci, ti := planIndex(current), planIndex(target)
	return ci >= 0 && ti >= 0 && ti < ci
}

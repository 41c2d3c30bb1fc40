package credits

import (
	"github.com/shopspring/decimal"

	"github.com/otomix/backend/internal/models"
)

// EstimateOptions describes the mix job a caller wants to price before
// placing a hold.
type EstimateOptions struct {
	Plan             models.PlanCode
	HasHarmony       bool
	UpgradeToCreator bool
}

// Estimate is the credit cost breakdown for one mix job.
type Estimate struct {
	Base           decimal.Decimal `json:"base"`
	HarmonyAddon   decimal.Decimal `json:"harmony_addon"`
	CreatorUpgrade decimal.Decimal `json:"creator_upgrade"`
	Total          decimal.Decimal `json:"total"`
	Description    string          `json:"description"`
}

var halfCredit = decimal.NewFromFloat(0.5)

// CalculateEstimate prices a mix job. Every plan pays one base credit;
// prepaid users can buy the creator feature set for half a credit more, and
// harmony is free on all plans.
func CalculateEstimate(opts EstimateOptions) Estimate {
	est := Estimate{
		Base:           decimal.NewFromInt(1),
		HarmonyAddon:   decimal.Zero,
		CreatorUpgrade: decimal.Zero,
	}

	switch opts.Plan {
	case models.PlanFreeTrial:
		est.Description = "free trial mix"
	case models.PlanPrepaid:
		est.Description = "standard-grade mix"
		if opts.UpgradeToCreator {
			est.CreatorUpgrade = halfCredit
			est.Description += " + creator features"
		}
	case models.PlanLite, models.PlanStandard, models.PlanCreator:
		est.Description = string(opts.Plan) + " plan mix"
	default:
		est.Description = "mix"
	}

	if opts.HasHarmony {
		est.Description += " + harmony (free)"
	}

	est.Total = est.Base.Add(est.HarmonyAddon).Add(est.CreatorUpgrade)
	return est
}

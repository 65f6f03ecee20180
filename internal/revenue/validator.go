// Package revenue projects the demand and revenue effect of a candidate
// price from the product's elasticity and recent sales, and rejects
// candidates whose projected monthly revenue falls by more than the
// configured tolerance.
//
// The check runs before price clamping. A revenue-negative candidate is
// rejected rather than clamped, since a clamped price can still lose
// revenue.
package revenue

import (
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// RuleNegativeRevenue names the rejection this package emits.
const RuleNegativeRevenue = "negative_revenue_impact"

// Validator evaluates candidate prices. It holds no mutable state.
type Validator struct {
	cfg config.RevenueConfig
}

// NewValidator returns a validator bound to cfg. Zero fields fall back to
// the defaults.
func NewValidator(cfg config.RevenueConfig) *Validator {
	def := config.DefaultRevenue()
	if cfg.DemandFloor <= 0 {
		cfg.DemandFloor = def.DemandFloor
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	return &Validator{cfg: cfg}
}

// Project computes the financial impact of selling product at candidate.
func (v *Validator) Project(product pricing.Product, candidate float64) pricing.FinancialImpact {
	cur := product.CurrentPrice
	pct := (candidate - cur) / cur * 100
	demandPct := product.Elasticity * pct
	multiplier := math.Max(1+demandPct/100, v.cfg.DemandFloor)

	baseline := product.BaselineDailyDemand()
	projected := baseline * multiplier

	before := cur * baseline
	after := candidate * projected

	profitBefore := (cur - product.Cost) * baseline
	profitAfter := (candidate - product.Cost) * projected

	impact := pricing.FinancialImpact{
		CurrentPrice:         cur,
		CandidatePrice:       candidate,
		PriceChangePct:       pct,
		AbsoluteChange:       candidate - cur,
		DemandChangePct:      demandPct,
		DemandMultiplier:     multiplier,
		BaselineDailyDemand:  baseline,
		ProjectedDailyDemand: projected,
		DailyRevenueBefore:   before,
		DailyRevenueAfter:    after,
		MonthlyRevenueImpact: (after - before) * float64(v.cfg.HorizonDays),
		DailyProfitChange:    profitAfter - profitBefore,
	}
	if unit := candidate - product.Cost; unit > 0 {
		impact.BreakEvenVolume = profitBefore / unit
	}
	return impact
}

// Validate projects candidate and returns the impact together with a
// rejection when the monthly loss exceeds the tolerance. The impact is
// returned either way.
func (v *Validator) Validate(product pricing.Product, candidate float64) (pricing.FinancialImpact, *pricing.Rejection) {
	impact := v.Project(product, candidate)
	if impact.MonthlyRevenueImpact >= -v.cfg.Tolerance {
		return impact, nil
	}
	return impact, &pricing.Rejection{
		Stage: pricing.StageRevenue,
		Rule:  RuleNegativeRevenue,
		Reason: fmt.Sprintf(
			"A %+.1f%% price change with elasticity %.2f projects daily demand of %.1f units (from %.1f) and a monthly revenue change of %s, beyond the %s tolerance.",
			impact.PriceChangePct, product.Elasticity, impact.ProjectedDailyDemand, impact.BaselineDailyDemand,
			pricing.FormatMoney(impact.MonthlyRevenueImpact), pricing.FormatMoney(-v.cfg.Tolerance)),
	}
}

// Describe writes the impact figures onto rec's reasoning.
func Describe(rec *pricing.Recommendation, impact pricing.FinancialImpact) {
	rec.Reasoning = rec.Reasoning.Add(pricing.StageRevenue, fmt.Sprintf(
		"Price %s -> %s (%+.1f%%); demand %+.1f%% to %.1f units/day; daily revenue %s -> %s.",
		pricing.FormatMoney(impact.CurrentPrice), pricing.FormatMoney(impact.CandidatePrice), impact.PriceChangePct,
		impact.DemandChangePct, impact.ProjectedDailyDemand,
		pricing.FormatMoney(impact.DailyRevenueBefore), pricing.FormatMoney(impact.DailyRevenueAfter)),
		pricing.Float(impact.MonthlyRevenueImpact))
}

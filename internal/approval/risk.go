package approval

import (
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/guardrails"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// RiskInput is what the risk table looks at: the final, clamped price
// change and the revenue projection made for it.
type RiskInput struct {
	CurrentPrice         float64
	PriceChangePct       float64
	AbsoluteChange       float64
	MonthlyRevenueImpact float64
	Confidence           float64
	Violations           []pricing.GuardrailViolation
}

// InputFor builds a RiskInput from a recommendation that carries an impact.
func InputFor(rec *pricing.Recommendation) RiskInput {
	in := RiskInput{Confidence: rec.Confidence, Violations: rec.Violations}
	if p, ok := rec.PrimaryProduct(); ok {
		in.CurrentPrice = p.CurrentPrice
	}
	if rec.Impact != nil {
		in.PriceChangePct = rec.Impact.PriceChangePct
		in.AbsoluteChange = rec.Impact.AbsoluteChange
		in.MonthlyRevenueImpact = rec.Impact.MonthlyRevenueImpact
	}
	return in
}

// Assessment is the outcome of classification.
type Assessment struct {
	Level     pricing.RiskLevel
	Threshold pricing.Role
	Reasons   []string
}

type riskTier struct {
	level     pricing.RiskLevel
	threshold pricing.Role
	match     func(in RiskInput, cfg config.RiskConfig) []string
}

// riskTable is evaluated top to bottom; the first tier with a reason wins.
var riskTable = []riskTier{
	{
		level:     pricing.RiskCritical,
		threshold: pricing.RoleDirector,
		match: func(in RiskInput, cfg config.RiskConfig) []string {
			if math.Abs(in.PriceChangePct) >= cfg.CriticalChangePct {
				return []string{fmt.Sprintf("price change %.1f%% is at least %.0f%%", in.PriceChangePct, cfg.CriticalChangePct)}
			}
			return nil
		},
	},
	{
		level:     pricing.RiskHigh,
		threshold: pricing.RoleManager,
		match: func(in RiskInput, cfg config.RiskConfig) []string {
			var reasons []string
			if math.Abs(in.PriceChangePct) >= cfg.HighChangePct {
				reasons = append(reasons, fmt.Sprintf("price change %.1f%% is at least %.0f%%", in.PriceChangePct, cfg.HighChangePct))
			}
			if math.Abs(in.AbsoluteChange) > cfg.MaxAbsoluteChange {
				reasons = append(reasons, fmt.Sprintf("absolute change %s exceeds %s",
					pricing.FormatMoney(in.AbsoluteChange), pricing.FormatMoney(cfg.MaxAbsoluteChange)))
			}
			return reasons
		},
	},
	{
		level:     pricing.RiskMedium,
		threshold: pricing.RoleSeniorAnalyst,
		match: func(in RiskInput, cfg config.RiskConfig) []string {
			var reasons []string
			if math.Abs(in.PriceChangePct) >= cfg.MediumChangePct {
				reasons = append(reasons, fmt.Sprintf("price change %.1f%% is at least %.0f%%", in.PriceChangePct, cfg.MediumChangePct))
			}
			if in.Confidence < cfg.MediumConfidenceThreshold {
				reasons = append(reasons, fmt.Sprintf("confidence %.2f is below %.2f", in.Confidence, cfg.MediumConfidenceThreshold))
			}
			if hasLowConfidence(in.Violations) {
				reasons = append(reasons, "low-confidence guardrail fired")
			}
			if math.Abs(in.MonthlyRevenueImpact) > cfg.RevenueMateriality {
				reasons = append(reasons, fmt.Sprintf("monthly revenue impact %s exceeds %s",
					pricing.FormatMoney(in.MonthlyRevenueImpact), pricing.FormatMoney(cfg.RevenueMateriality)))
			}
			if in.CurrentPrice > cfg.HighValueItemPrice {
				reasons = append(reasons, fmt.Sprintf("high-value item priced at %s", pricing.FormatMoney(in.CurrentPrice)))
			}
			return reasons
		},
	},
}

func hasLowConfidence(violations []pricing.GuardrailViolation) bool {
	for _, v := range violations {
		if v.Rule == guardrails.RuleLowConfidence {
			return true
		}
	}
	return false
}

// Classify assigns a risk level and the authority required to approve it.
func Classify(cfg config.RiskConfig, in RiskInput) Assessment {
	for _, tier := range riskTable {
		if reasons := tier.match(in, cfg); len(reasons) > 0 {
			return Assessment{Level: tier.level, Threshold: tier.threshold, Reasons: reasons}
		}
	}
	return Assessment{
		Level:     pricing.RiskLow,
		Threshold: pricing.RoleAnalyst,
		Reasons:   []string{"change is within routine bounds"},
	}
}

// ThresholdFor returns the approval authority the table pairs with level.
func ThresholdFor(level pricing.RiskLevel) pricing.Role {
	for _, tier := range riskTable {
		if tier.level == level {
			return tier.threshold
		}
	}
	return pricing.RoleAnalyst
}

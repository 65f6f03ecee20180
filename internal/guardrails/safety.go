package guardrails

import (
	"errors"
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Rule names emitted by the safety stage, in firing order.
const (
	RuleNonPositivePrice = "non_positive_price"
	RuleExtremeDrop      = "extreme_drop"
	RuleAbsoluteFloor    = "absolute_floor"
	RuleMinimumMarkup    = "minimum_markup"
	RuleMaximumSwing     = "maximum_swing"
	RuleMarginFloor      = "margin_floor"
	RuleMarginCeiling    = "margin_ceiling"
	RuleLowConfidence    = "low_confidence"
)

// marginEpsilon absorbs float noise when a price sits exactly on a margin
// bound that an earlier pass produced.
const marginEpsilon = 1e-9

// ErrNoProduct is returned when a recommendation has no product to clamp
// against.
var ErrNoProduct = errors.New("recommendation has no product")

// clampState is the price as it moves through the cascade.
type clampState struct {
	product    pricing.Product
	price      *float64
	confidence float64
	cfg        config.GuardrailConfig
}

// A safetyRule inspects the current price and, when it fires, returns the
// adjusted price (nil to leave it unchanged) and an explanation.
type safetyRule struct {
	name     string
	kind     pricing.ViolationKind
	severity pricing.RiskLevel
	check    func(s *clampState) (fired bool, adjusted *float64, reason string)
}

// ─── Price safety cascade (order matters; later bounds see earlier output) ───

var safetyRules = []safetyRule{
	{
		name:     RuleNonPositivePrice,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskCritical,
		check: func(s *clampState) (bool, *float64, string) {
			if s.price != nil && *s.price > 0 {
				return false, nil, ""
			}
			p := s.product
			safe := math.Max(p.CurrentPrice, math.Max(p.Cost*(1+s.cfg.NonPositiveMarkup), s.cfg.AbsoluteFloor))
			return true, &safe, fmt.Sprintf("Missing or non-positive price replaced with %s, the higher of current price and cost plus %.0f%%.",
				pricing.FormatMoney(safe), s.cfg.NonPositiveMarkup*100)
		},
	},
	{
		name:     RuleExtremeDrop,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskCritical,
		check: func(s *clampState) (bool, *float64, string) {
			p := s.product
			// A candidate exactly at the ratio (a 90% cut by default) counts.
			if *s.price > p.CurrentPrice*s.cfg.ExtremeDropRatio {
				return false, nil, ""
			}
			safe := math.Max(p.CurrentPrice*s.cfg.ExtremeDropRecovery,
				math.Max(p.Cost*s.cfg.MinMarkupMultiplier(), s.cfg.AbsoluteFloor))
			return true, &safe, fmt.Sprintf("Price %s is at or below %.0f%% of the current %s and is treated as an error; raised to %s.",
				pricing.FormatMoney(*s.price), s.cfg.ExtremeDropRatio*100, pricing.FormatMoney(p.CurrentPrice), pricing.FormatMoney(safe))
		},
	},
	{
		name:     RuleAbsoluteFloor,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskCritical,
		check: func(s *clampState) (bool, *float64, string) {
			if *s.price >= s.cfg.AbsoluteFloor {
				return false, nil, ""
			}
			safe := s.cfg.AbsoluteFloor
			return true, &safe, fmt.Sprintf("Price %s is below the absolute floor of %s.",
				pricing.FormatMoney(*s.price), pricing.FormatMoney(safe))
		},
	},
	{
		name:     RuleMinimumMarkup,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskHigh,
		check: func(s *clampState) (bool, *float64, string) {
			minPrice := s.product.Cost * s.cfg.MinMarkupMultiplier()
			if *s.price >= minPrice {
				return false, nil, ""
			}
			return true, &minPrice, fmt.Sprintf("Price %s is under the minimum %.0f%% markup over cost %s; raised to %s.",
				pricing.FormatMoney(*s.price), s.cfg.MinMarkup*100, pricing.FormatMoney(s.product.Cost), pricing.FormatMoney(minPrice))
		},
	},
	{
		name:     RuleMaximumSwing,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskMedium,
		check: func(s *clampState) (bool, *float64, string) {
			cur := s.product.CurrentPrice
			bound := cur * s.cfg.MaxSwing
			delta := *s.price - cur
			if math.Abs(delta) <= bound {
				return false, nil, ""
			}
			safe := cur + math.Copysign(bound, delta)
			// Pulling back an increase stops at the floor and the markup price.
			if delta > 0 {
				safe = math.Max(safe, s.hardFloor())
				if safe >= *s.price {
					return false, nil, ""
				}
			}
			return true, &safe, fmt.Sprintf("Change of %s exceeds the maximum swing of %.0f%% of the current price; limited to %s.",
				pricing.FormatMoney(delta), s.cfg.MaxSwing*100, pricing.FormatMoney(safe))
		},
	},
	{
		name:     RuleMarginFloor,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskMedium,
		check: func(s *clampState) (bool, *float64, string) {
			m := s.product.MarginPercent(*s.price)
			if m >= s.cfg.MinMarginPercent-marginEpsilon {
				return false, nil, ""
			}
			safe := priceForMargin(s.product.Cost, s.cfg.MinMarginPercent)
			return true, &safe, fmt.Sprintf("Margin %.1f%% is below the %.1f%% floor; price raised to %s.",
				m, s.cfg.MinMarginPercent, pricing.FormatMoney(safe))
		},
	},
	{
		name:     RuleMarginCeiling,
		kind:     pricing.KindAdjustment,
		severity: pricing.RiskLow,
		check: func(s *clampState) (bool, *float64, string) {
			// A zero-cost item has 100% margin at any price; there is no
			// price that satisfies the ceiling.
			if s.product.Cost <= 0 {
				return false, nil, ""
			}
			m := s.product.MarginPercent(*s.price)
			if m <= s.cfg.MaxMarginPercent+marginEpsilon {
				return false, nil, ""
			}
			safe := math.Max(priceForMargin(s.product.Cost, s.cfg.MaxMarginPercent), s.hardFloor())
			if safe >= *s.price {
				return false, nil, ""
			}
			return true, &safe, fmt.Sprintf("Margin %.1f%% is above the %.1f%% ceiling; price lowered to %s.",
				m, s.cfg.MaxMarginPercent, pricing.FormatMoney(safe))
		},
	},
	{
		name:     RuleLowConfidence,
		kind:     pricing.KindAdvisory,
		severity: pricing.RiskMedium,
		check: func(s *clampState) (bool, *float64, string) {
			if s.confidence >= s.cfg.LowConfidenceThreshold {
				return false, nil, ""
			}
			return true, nil, fmt.Sprintf("Confidence %.2f is below %.2f; the data behind this recommendation is insufficient and needs additional review.",
				s.confidence, s.cfg.LowConfidenceThreshold)
		},
	},
}

// hardFloor is the lowest price any downward clamp may produce: the
// absolute floor or the minimum markup over cost, whichever is higher.
func (s *clampState) hardFloor() float64 {
	return math.Max(s.cfg.AbsoluteFloor, s.product.Cost*s.cfg.MinMarkupMultiplier())
}

func priceForMargin(cost, marginPercent float64) float64 {
	return cost / (1 - marginPercent/100)
}

// SafetyGuard clamps candidate prices against hard business constraints.
type SafetyGuard struct {
	cfg config.GuardrailConfig
}

// NewSafetyGuard returns a guard bound to cfg.
func NewSafetyGuard(cfg config.GuardrailConfig) *SafetyGuard {
	return &SafetyGuard{cfg: cfg}
}

// Clamp runs the cascade over candidate and returns the final price together
// with one violation per rule that fired, in firing order.
func (g *SafetyGuard) Clamp(product pricing.Product, candidate *float64, confidence float64) (float64, []pricing.GuardrailViolation) {
	s := &clampState{
		product:    product,
		confidence: confidence,
		cfg:        g.cfg,
	}
	if candidate != nil {
		v := *candidate
		s.price = &v
	}

	var violations []pricing.GuardrailViolation
	for _, rule := range safetyRules {
		fired, adjusted, reason := rule.check(s)
		if !fired {
			continue
		}
		v := pricing.GuardrailViolation{
			Rule:     rule.name,
			Kind:     rule.kind,
			Message:  reason,
			Severity: rule.severity,
		}
		if adjusted != nil {
			if s.price != nil {
				v.OriginalValue = pricing.Float(*s.price)
			}
			v.AdjustedValue = pricing.Float(*adjusted)
			s.price = adjusted
		}
		violations = append(violations, v)
	}
	return *s.price, violations
}

// Apply clamps rec.RecommendedPrice against its primary product, appends
// the violations and records a reasoning note for each.
func (g *SafetyGuard) Apply(rec *pricing.Recommendation) error {
	product, ok := rec.PrimaryProduct()
	if !ok {
		return ErrNoProduct
	}
	price, violations := g.Clamp(product, rec.RecommendedPrice, rec.Confidence)
	for _, v := range violations {
		rec.AddViolation(v)
		var delta *float64
		if v.OriginalValue != nil && v.AdjustedValue != nil {
			delta = pricing.Float(*v.AdjustedValue - *v.OriginalValue)
		}
		rec.Reasoning = rec.Reasoning.Add(pricing.StageSafety, fmt.Sprintf("%s: %s", v.Rule, v.Message), delta)
	}
	rec.RecommendedPrice = pricing.Float(price)
	return nil
}

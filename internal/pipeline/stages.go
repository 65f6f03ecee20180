package pipeline

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/audit"
	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/metrics"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
	"github.com/kubilitics/kubilitics-pricing/internal/revenue"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

// Oracle confidence heuristic.
const (
	confidenceDefault       = 0.8
	confidenceFewProducts   = 0.6
	confidenceNoCompetitors = 0.7
)

// run executes the stages in order. Each stage returns false when it
// terminated the recommendation.
func (a *Agent) run(ctx context.Context, rec *pricing.Recommendation, req pricing.PricingRequest) {
	if !a.screen(ctx, rec, req) {
		return
	}
	if !a.retrieve(ctx, rec, req) {
		return
	}
	a.suggest(ctx, rec, req)
	if !a.checkRevenue(ctx, rec) {
		return
	}
	a.clamp(ctx, rec)
	a.assess(ctx, rec)
}

func (a *Agent) stage(ctx context.Context, name string) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "pipeline."+name)
}

// terminate marks rec as rejected by a policy stage. The entry skips
// pending and expires almost immediately.
func (a *Agent) terminate(rec *pricing.Recommendation, rej *pricing.Rejection, level pricing.RiskLevel) {
	rec.Status = pricing.StatusRejected
	rec.RejectedBy = rej.Stage
	rec.RiskLevel = level
	rec.ApprovalThreshold = approval.ThresholdFor(level)
	if rec.Summary == "" {
		rec.Summary = rej.Reason
	}
	exp := rec.CreatedAt.Add(a.expiry.RejectedExpiry)
	rec.ExpiresAt = &exp
	rec.Note(rej.Stage, "Rejected (%s): %s", rej.Rule, rej.Reason)
}

// screen runs the input guardrail.
func (a *Agent) screen(ctx context.Context, rec *pricing.Recommendation, req pricing.PricingRequest) bool {
	_, span := a.stage(ctx, "input_guardrail")
	defer span.End()

	rej := a.input.Validate(req)
	if rej == nil {
		rec.Note(pricing.StageInput, "Query accepted as a pricing request.")
		return true
	}
	span.SetAttributes(attribute.String("pricing.rule", rej.Rule))
	metrics.InputRejectionsTotal.WithLabelValues(rej.Rule).Inc()
	a.logger.Info("request rejected by input guardrail",
		zap.String("id", rec.ID), zap.String("rule", rej.Rule))

	rec.AddViolation(pricing.GuardrailViolation{
		Rule:     rej.Rule,
		Kind:     pricing.KindRejection,
		Message:  rej.Reason,
		Severity: pricing.RiskCritical,
	})
	a.terminate(rec, rej, pricing.RiskCritical)
	return false
}

// retrieve looks the products up. Nothing to price is not an error: the
// recommendation carries zero confidence and cannot be acted on.
func (a *Agent) retrieve(ctx context.Context, rec *pricing.Recommendation, req pricing.PricingRequest) bool {
	ctx, span := a.stage(ctx, "catalog")
	defer span.End()

	products, err := catalog.Find(ctx, a.catalog, req, a.maxResults)
	span.SetAttributes(attribute.Int("pricing.products", len(products)))
	if err == nil && len(products) > 0 {
		rec.Products = products
		ids := make([]string, len(products))
		for i, p := range products {
			ids[i] = p.ID
		}
		rec.Note(pricing.StageCatalog, "Retrieved %d product(s): %s.", len(products), strings.Join(ids, ", "))
		return true
	}

	reason := "No relevant products were found for this query."
	if err != nil {
		tracing.RecordError(span, err)
		a.logger.Warn("product lookup failed", zap.String("id", rec.ID), zap.Error(err))
		reason = "Product lookup failed: " + err.Error() + "."
	}
	rec.Confidence = 0
	rec.MarketContext = oracle.MarketContext(nil)
	rec.Summary = reason + " No price can be recommended without product data."
	a.terminate(rec, &pricing.Rejection{Stage: pricing.StageCatalog, Rule: "no_products", Reason: reason}, pricing.RiskLow)
	return false
}

// suggest asks the oracle for a candidate price, falling back to the
// rule-based suggester when it fails.
func (a *Agent) suggest(ctx context.Context, rec *pricing.Recommendation, req pricing.PricingRequest) {
	ctx, span := a.stage(ctx, "oracle")
	defer span.End()

	query := enrichedQuery(req)
	provider := a.oracle.Name()
	span.SetAttributes(attribute.String("pricing.provider", provider))

	start := time.Now()
	sugg, err := a.oracle.Suggest(ctx, query, rec.Products)
	metrics.OracleRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	confidence := heuristicConfidence(rec.Products)

	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues(provider, "error").Inc()
		tracing.RecordError(span, err)
		a.logger.Warn("price oracle failed, using rule-based fallback",
			zap.String("id", rec.ID), zap.String("provider", provider), zap.Error(err))
		rec.Note(pricing.StageFallback, "Price oracle %s failed (%v); using the rule-based suggestion.", provider, err)

		var ferr error
		sugg, ferr = a.fallback.Suggest(ctx, query, rec.Products)
		if ferr != nil {
			// Only possible with a custom fallback; the safety stage still
			// substitutes a conservative price.
			a.logger.Error("fallback suggester failed", zap.String("id", rec.ID), zap.Error(ferr))
			sugg = oracle.Suggestion{Provider: a.fallback.Name()}
		}
		metrics.OracleRequestsTotal.WithLabelValues(a.fallback.Name(), "fallback").Inc()
		if a.audit != nil {
			ev := audit.NewEvent(audit.EventOracleFallback).
				WithCorrelationID(rec.ID).
				WithUser(req.RequestedBy, req.Role.String()).
				WithAction(provider).
				WithDescription("Price oracle failed; rule-based suggestion used").
				WithError(err, "oracle_failed")
			if aerr := a.audit.Log(ctx, ev); aerr != nil {
				a.logger.Warn("failed to audit oracle fallback", zap.String("id", rec.ID), zap.Error(aerr))
			}
		}
	} else {
		metrics.OracleRequestsTotal.WithLabelValues(provider, "success").Inc()
	}
	if err != nil || sugg.Provider == oracle.ProviderRuleBased {
		confidence = a.fallbackConfidence
	}

	price := sugg.Price
	if price == nil {
		price = oracle.ExtractPrice(sugg.Rationale)
	}
	rec.Summary = sugg.Rationale
	rec.MarketContext = sugg.MarketContext
	if rec.MarketContext == "" {
		rec.MarketContext = oracle.MarketContext(rec.Products)
	}
	rec.Confidence = clampUnit(confidence)
	rec.RecommendedPrice = price

	if price == nil {
		rec.Note(pricing.StageOracle, "%s answered without a usable price (confidence %.2f).", sugg.Provider, rec.Confidence)
		return
	}
	rec.Note(pricing.StageOracle, "%s suggested %s (confidence %.2f).", sugg.Provider, pricing.FormatMoney(*price), rec.Confidence)
}

// heuristicConfidence scores an oracle answer by how much data backed it.
func heuristicConfidence(products []pricing.Product) float64 {
	if len(products) < 2 {
		return confidenceFewProducts
	}
	for _, p := range products {
		if len(p.CompetitorPrices) > 0 {
			return confidenceDefault
		}
	}
	return confidenceNoCompetitors
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// checkRevenue rejects candidates that lose revenue. A missing or
// non-positive candidate has nothing to project; the safety stage replaces
// it.
func (a *Agent) checkRevenue(ctx context.Context, rec *pricing.Recommendation) bool {
	_, span := a.stage(ctx, "revenue")
	defer span.End()

	if rec.RecommendedPrice == nil || *rec.RecommendedPrice <= 0 {
		rec.Note(pricing.StageRevenue, "No positive candidate price to project; skipped.")
		return true
	}
	product := rec.Products[0]
	candidate := *rec.RecommendedPrice
	impact, rej := a.revenue.Validate(product, candidate)
	span.SetAttributes(attribute.Float64("pricing.monthly_revenue_impact", impact.MonthlyRevenueImpact))
	rec.Impact = &impact
	if rej == nil {
		revenue.Describe(rec, impact)
		return true
	}

	metrics.RevenueRejectionsTotal.Inc()
	a.logger.Info("candidate rejected by revenue validator",
		zap.String("id", rec.ID),
		zap.String("sku", product.ID),
		zap.Float64("candidate", candidate),
		zap.Float64("monthly_revenue_impact", impact.MonthlyRevenueImpact),
	)
	rec.AddViolation(pricing.GuardrailViolation{
		Rule:          rej.Rule,
		Kind:          pricing.KindRejection,
		OriginalValue: pricing.Float(candidate),
		Message:       rej.Reason,
		Severity:      pricing.RiskHigh,
	})
	// Only clamped prices are ever stored.
	rec.RecommendedPrice = nil
	a.terminate(rec, rej, pricing.RiskHigh)
	return false
}

// clamp runs the safety cascade and re-projects the impact at the final
// price.
func (a *Agent) clamp(ctx context.Context, rec *pricing.Recommendation) {
	_, span := a.stage(ctx, "safety_guardrail")
	defer span.End()

	var candidate *float64
	if rec.RecommendedPrice != nil {
		candidate = pricing.Float(*rec.RecommendedPrice)
	}
	before := len(rec.Violations)
	if err := a.safety.Apply(rec); err != nil {
		tracing.RecordError(span, err)
		a.logger.Error("safety guardrail failed", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	for _, v := range rec.Violations[before:] {
		metrics.GuardrailViolationsTotal.WithLabelValues(v.Rule, string(v.Kind)).Inc()
	}
	span.SetAttributes(attribute.Int("pricing.violations", len(rec.Violations)-before))

	final := *rec.RecommendedPrice
	impact := a.revenue.Project(rec.Products[0], final)
	rec.Impact = &impact
	if candidate == nil || *candidate != final {
		rec.Note(pricing.StageRevenue, "Impact re-projected at the final price %s: monthly revenue change %s.",
			pricing.FormatMoney(final), pricing.FormatMoney(impact.MonthlyRevenueImpact))
	}
}

// assess classifies the final recommendation and opens it for approval.
func (a *Agent) assess(ctx context.Context, rec *pricing.Recommendation) {
	_, span := a.stage(ctx, "risk")
	defer span.End()

	as := a.engine.Classify(approval.InputFor(rec))
	rec.RiskLevel = as.Level
	rec.ApprovalThreshold = as.Threshold
	exp := rec.CreatedAt.Add(a.expiry.Expiry)
	rec.ExpiresAt = &exp
	rec.Note(pricing.StageRisk, "Risk %s; requires %s approval: %s.", as.Level, as.Threshold, strings.Join(as.Reasons, "; "))
	span.SetAttributes(
		attribute.String("pricing.risk_level", as.Level.String()),
		attribute.String("pricing.approval_threshold", as.Threshold.String()),
	)
}

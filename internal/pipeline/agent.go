// Package pipeline runs a pricing request through the guarded
// recommendation flow and hands finished recommendations to the approval
// engine.
//
// Recommendation flow:
//
//	PricingRequest
//	   ↓
//	1. Input guardrail      topic, scope, fraud      → rejected (critical, director)
//	   ↓
//	2. Catalog lookup       ids or free-text search  → no products: zero confidence, rejected
//	   ↓
//	3. Price oracle         LLM or rule-based        → failure: rule-based fallback, lower confidence
//	   ↓
//	4. Revenue validator    elasticity projection    → loss beyond tolerance: rejected (high, manager)
//	   ↓
//	5. Safety guardrail     clamp cascade            → violations recorded, price adjusted
//	   ↓
//	6. Risk classification  on the final price       → risk level + approval threshold
//	   ↓
//	7. Store                pending until an approver resolves it
//
// Policy rejections are ordinary results. Process only fails when the
// agent was never built.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/audit"
	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/guardrails"
	"github.com/kubilitics/kubilitics-pricing/internal/metrics"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
	"github.com/kubilitics/kubilitics-pricing/internal/revenue"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

// ErrNotInitialized is returned when a method is called on an agent that
// was not built with New.
var ErrNotInitialized = errors.New("pricing agent not initialized")

// RecommendationSink is told about every recommendation the agent stores
// and every recommendation an approval changes.
type RecommendationSink interface {
	RecommendationStored(ctx context.Context, rec *pricing.Recommendation)
}

// Agent is the pricing assistant. It is safe for concurrent use.
type Agent struct {
	input   *guardrails.InputGuard
	safety  *guardrails.SafetyGuard
	revenue *revenue.Validator
	engine  *approval.Engine

	catalog  catalog.Catalog
	oracle   oracle.Suggester
	fallback oracle.Suggester

	maxResults         int
	fallbackConfidence float64
	expiry             config.ApprovalConfig

	logger    *zap.Logger
	audit     audit.Logger
	tracer    trace.Tracer
	sinks     []RecommendationSink
	observers []approval.Observer
	now       func() time.Time
	newID     func() string
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithAuditLogger records every recommendation and approval attempt on the
// audit trail.
func WithAuditLogger(l audit.Logger) Option {
	return func(a *Agent) { a.audit = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithClock overrides time.Now for creation, expiry and approval times.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithIDGenerator overrides the recommendation id generator.
func WithIDGenerator(gen func() string) Option {
	return func(a *Agent) { a.newID = gen }
}

// WithSink registers s for stored recommendations.
func WithSink(s RecommendationSink) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, s) }
}

// WithApprovalObserver registers o for approval attempts.
func WithApprovalObserver(o approval.Observer) Option {
	return func(a *Agent) { a.observers = append(a.observers, o) }
}

// WithFallback replaces the rule-based suggester used when the oracle fails.
func WithFallback(s oracle.Suggester) Option {
	return func(a *Agent) { a.fallback = s }
}

// New builds an agent. A nil cfg means the defaults, a nil suggester means
// rule-based pricing only and a nil store means a fresh in-memory store.
func New(cfg *config.Config, cat catalog.Catalog, sug oracle.Suggester, store approval.Store, opts ...Option) (*Agent, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.Join(cfg.ValidatePipeline()); err != nil {
		return nil, err
	}
	input, err := guardrails.NewInputGuard(cfg.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("input guardrail: %w", err)
	}
	if store == nil {
		store = approval.NewMemoryStore()
	}

	a := &Agent{
		input:              input,
		safety:             guardrails.NewSafetyGuard(cfg.Guardrails),
		revenue:            revenue.NewValidator(cfg.Revenue),
		catalog:            cat,
		oracle:             sug,
		fallback:           oracle.NewRuleBased(),
		maxResults:         cfg.Catalog.MaxResults,
		fallbackConfidence: cfg.Oracle.FallbackConfidence,
		expiry:             cfg.Approval,
		logger:             zap.NewNop(),
		tracer:             tracing.Tracer(),
		now:                time.Now,
		newID:              uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.oracle == nil {
		a.oracle = a.fallback
	}
	if a.maxResults <= 0 {
		a.maxResults = catalog.DefaultMaxResults
	}
	if a.expiry.Expiry <= 0 {
		a.expiry = config.DefaultApproval()
	}

	engineOpts := []approval.Option{
		approval.WithClock(a.now),
		approval.WithObserver(approval.ObserverFunc(a.approvalRecorded)),
	}
	for _, o := range a.observers {
		engineOpts = append(engineOpts, approval.WithObserver(o))
	}
	a.engine = approval.NewEngine(store, cfg.Risk, engineOpts...)
	return a, nil
}

// Engine returns the approval engine.
func (a *Agent) Engine() *approval.Engine { return a.engine }

// Process runs req through the pipeline and stores the result. Rejections
// are returned as recommendations with status rejected.
func (a *Agent) Process(ctx context.Context, req pricing.PricingRequest) (*pricing.Recommendation, error) {
	if a == nil || a.engine == nil {
		return nil, ErrNotInitialized
	}
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(attribute.String("pricing.requested_by", req.RequestedBy)))
	defer span.End()

	rec := &pricing.Recommendation{
		ID:        a.newID(),
		Query:     req.Query,
		Status:    pricing.StatusPending,
		CreatedAt: a.now(),
		CreatedBy: req.RequestedBy,
	}
	ctx = audit.WithCorrelationID(ctx, rec.ID)
	a.run(ctx, rec, req)

	if err := a.engine.Store().Put(ctx, rec); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("store recommendation %s: %w", rec.ID, err)
	}
	for _, s := range a.sinks {
		s.RecommendationStored(ctx, rec.Clone())
	}

	a.record(ctx, rec, time.Since(start))
	span.SetAttributes(
		attribute.String("pricing.recommendation_id", rec.ID),
		attribute.String("pricing.status", string(rec.Status)),
		attribute.String("pricing.risk_level", rec.RiskLevel.String()),
	)
	return rec.Clone(), nil
}

// record emits metrics, the audit event and the app log line for a
// finished recommendation.
func (a *Agent) record(ctx context.Context, rec *pricing.Recommendation, elapsed time.Duration) {
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	metrics.RecommendationsTotal.WithLabelValues(string(rec.Status), rec.RiskLevel.String()).Inc()
	if rec.Status == pricing.StatusPending {
		metrics.PendingRecommendations.Inc()
	}

	if a.audit != nil {
		if err := a.audit.LogRecommendation(ctx, rec); err != nil {
			a.logger.Warn("failed to audit recommendation", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("risk_level", rec.RiskLevel.String()),
		zap.String("approval_threshold", rec.ApprovalThreshold.String()),
		zap.Float64("confidence", rec.Confidence),
		zap.Int("violations", len(rec.Violations)),
		zap.Duration("duration", elapsed),
	}
	if rec.RecommendedPrice != nil {
		fields = append(fields, zap.Float64("recommended_price", *rec.RecommendedPrice))
	}
	if rec.RejectedBy != "" {
		fields = append(fields, zap.String("rejected_by", string(rec.RejectedBy)))
	}
	a.logger.Info("recommendation processed", fields...)
}

// enrichedQuery appends the free-text request context the way it is shown
// to the oracle.
func enrichedQuery(req pricing.PricingRequest) string {
	q := strings.TrimSpace(req.Query)
	if c := strings.TrimSpace(req.Context); c != "" {
		q += " Context: " + c
	}
	return q
}

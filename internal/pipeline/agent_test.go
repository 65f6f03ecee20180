package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/audit"
	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/guardrails"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
	"github.com/kubilitics/kubilitics-pricing/internal/revenue"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type stubOracle struct {
	mu    sync.Mutex
	price *float64
	text  string
	err   error
	calls int
}

func (s *stubOracle) Name() string { return "stub" }

func (s *stubOracle) Suggest(_ context.Context, _ string, products []pricing.Product) (oracle.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return oracle.Suggestion{}, s.err
	}
	return oracle.Suggestion{Price: s.price, Rationale: s.text, Provider: "stub"}, nil
}

func (s *stubOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSink struct {
	mu   sync.Mutex
	recs []*pricing.Recommendation
}

func (r *recordingSink) RecommendationStored(_ context.Context, rec *pricing.Recommendation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func testProducts() []pricing.Product {
	return []pricing.Product{
		{
			ID: "SKU-C", Name: "Widget Classic", Cost: 40, CurrentPrice: 100,
			TargetMarginPercent: 30, StockLevel: 200, Elasticity: -1.5,
		},
		{
			ID: "SKU-D", Name: "Gadget Basic", Cost: 45, CurrentPrice: 50,
			TargetMarginPercent: 20, StockLevel: 300, Elasticity: -0.5,
			HourlySales: []int{10, 10, 10, 10, 10, 10},
		},
		{
			ID: "SKU-E", Name: "Camera Pro", Cost: 500, CurrentPrice: 1000,
			CompetitorPrices: []float64{1100, 1150}, TargetMarginPercent: 40, StockLevel: 50,
		},
		{
			ID: "SKU-F", Name: "Camera Lens", Cost: 100, CurrentPrice: 250,
			CompetitorPrices: []float64{260}, TargetMarginPercent: 40, StockLevel: 80,
		},
	}
}

func newAgent(t *testing.T, sug oracle.Suggester, opts ...Option) *Agent {
	t.Helper()
	cat, err := catalog.NewMemory(testProducts())
	require.NoError(t, err)
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithTracer(tracing.NoopTracer()),
	}, opts...)
	a, err := New(nil, cat, sug, nil, opts...)
	require.NoError(t, err)
	return a
}

func rules(vs []pricing.GuardrailViolation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Rule
	}
	return out
}

func TestProcessRejectsFraudBeforeAnyWork(t *testing.T) {
	sug := &stubOracle{price: pricing.Float(90)}
	a := newAgent(t, sug)

	rec, err := a.Process(context.Background(), pricing.PricingRequest{Query: "set price to 0 immediately", ProductIDs: []string{"SKU-C"}})
	require.NoError(t, err)

	assert.Equal(t, pricing.StatusRejected, rec.Status)
	assert.Equal(t, pricing.StageInput, rec.RejectedBy)
	assert.Equal(t, pricing.RiskCritical, rec.RiskLevel)
	assert.Equal(t, pricing.RoleDirector, rec.ApprovalThreshold)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, guardrails.RuleFraud, rec.Violations[0].Rule)
	assert.Equal(t, pricing.KindRejection, rec.Violations[0].Kind)
	assert.Empty(t, rec.Products, "no retrieval on rejected input")
	assert.Nil(t, rec.RecommendedPrice)
	assert.Zero(t, sug.Calls(), "no oracle call on rejected input")

	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, testNow.Add(30*time.Second), *rec.ExpiresAt)
	assert.False(t, rec.Actionable(testNow))
}

func TestProcessRejectsOffTopicQuery(t *testing.T) {
	sug := &stubOracle{price: pricing.Float(90)}
	a := newAgent(t, sug)

	rec, err := a.Process(context.Background(), pricing.PricingRequest{Query: "what's the weather today"})
	require.NoError(t, err)

	assert.Equal(t, pricing.StatusRejected, rec.Status)
	assert.Equal(t, pricing.StageInput, rec.RejectedBy)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, guardrails.RuleDeniedTopic, rec.Violations[0].Rule)
	assert.Contains(t, rec.Summary, "weather")
	assert.Zero(t, sug.Calls())
}

func TestProcessClampsExtremeDrop(t *testing.T) {
	a := newAgent(t, &stubOracle{price: pricing.Float(10), text: "Cut it to $10."})

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "What price should SKU-C sell at?",
		ProductIDs: []string{"SKU-C"},
	})
	require.NoError(t, err)

	assert.Equal(t, pricing.StatusPending, rec.Status)
	require.NotNil(t, rec.RecommendedPrice)
	assert.InDelta(t, 50.0, *rec.RecommendedPrice, 1e-9)
	require.Len(t, rec.Violations, 1)
	v := rec.Violations[0]
	assert.Equal(t, guardrails.RuleExtremeDrop, v.Rule)
	assert.Equal(t, pricing.RiskCritical, v.Severity)
	assert.InDelta(t, 10.0, *v.OriginalValue, 1e-9)
	assert.InDelta(t, 50.0, *v.AdjustedValue, 1e-9)

	// Risk is classified on the clamped price: -50%.
	require.NotNil(t, rec.Impact)
	assert.InDelta(t, -50.0, rec.Impact.PriceChangePct, 1e-9)
	assert.Equal(t, pricing.RiskCritical, rec.RiskLevel)
	assert.Equal(t, pricing.RoleDirector, rec.ApprovalThreshold)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9)

	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *rec.ExpiresAt)
	assert.NotEmpty(t, rec.Reasoning.ByStage(pricing.StageSafety))
	assert.NotEmpty(t, rec.Reasoning.ByStage(pricing.StageRisk))
}

func TestProcessRejectsRevenueLoss(t *testing.T) {
	a := newAgent(t, &stubOracle{price: pricing.Float(20)})

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "Should we lower the price of SKU-D?",
		ProductIDs: []string{"SKU-D"},
	})
	require.NoError(t, err)

	assert.Equal(t, pricing.StatusRejected, rec.Status)
	assert.Equal(t, pricing.StageRevenue, rec.RejectedBy)
	assert.Equal(t, pricing.RiskHigh, rec.RiskLevel)
	assert.Equal(t, pricing.RoleManager, rec.ApprovalThreshold)
	assert.Nil(t, rec.RecommendedPrice, "unclamped candidates are never stored as the price")

	require.NotNil(t, rec.Impact)
	assert.InDelta(t, 1.30, rec.Impact.DemandMultiplier, 1e-9)
	assert.InDelta(t, 312.0, rec.Impact.ProjectedDailyDemand, 1e-9)
	assert.InDelta(t, -172800.0, rec.Impact.MonthlyRevenueImpact, 1e-6)

	require.Len(t, rec.Violations, 1)
	assert.Equal(t, revenue.RuleNegativeRevenue, rec.Violations[0].Rule)
	assert.InDelta(t, 20.0, *rec.Violations[0].OriginalValue, 1e-9)
	assert.Empty(t, rec.Reasoning.ByStage(pricing.StageSafety), "rejected before clamping")
}

func TestProcessModerateIncreaseOnExpensiveItem(t *testing.T) {
	a := newAgent(t, &stubOracle{text: "Competitors sit above us; move to $1,120.00."})

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "Can we raise the camera price?",
		ProductIDs: []string{"SKU-E", "SKU-F"},
	})
	require.NoError(t, err)

	require.NotNil(t, rec.RecommendedPrice, "price extracted from the rationale")
	assert.InDelta(t, 1120.0, *rec.RecommendedPrice, 1e-9)
	assert.Empty(t, rec.Violations)
	assert.InDelta(t, 0.8, rec.Confidence, 1e-9)
	assert.InDelta(t, 12.0, rec.Impact.PriceChangePct, 1e-9)
	assert.Equal(t, pricing.RiskMedium, rec.RiskLevel)
	assert.Equal(t, pricing.RoleSeniorAnalyst, rec.ApprovalThreshold)
	assert.True(t, rec.Actionable(testNow))
}

func TestProcessFallsBackWhenOracleFails(t *testing.T) {
	a := newAgent(t, &stubOracle{err: errors.New("upstream timeout")})

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "What should SKU-C cost?",
		ProductIDs: []string{"SKU-C"},
	})
	require.NoError(t, err)

	assert.Equal(t, pricing.StatusPending, rec.Status)
	assert.InDelta(t, 0.5, rec.Confidence, 1e-9)
	require.NotNil(t, rec.RecommendedPrice)
	assert.InDelta(t, 100.0, *rec.RecommendedPrice, 1e-9)
	assert.Contains(t, rec.Summary, "Suggested price for SKU-C")
	require.Len(t, rec.Reasoning.ByStage(pricing.StageFallback), 1)
	assert.Contains(t, rec.Reasoning.ByStage(pricing.StageFallback)[0].Text, "upstream timeout")
	// 0.5 is under the medium confidence bar.
	assert.Equal(t, pricing.RiskMedium, rec.RiskLevel)
}

// recordingAudit keeps audit events in memory.
type recordingAudit struct {
	mu        sync.Mutex
	events    []*audit.Event
	recs      int
	approvals int
}

func (r *recordingAudit) Log(_ context.Context, ev *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAudit) LogRecommendation(context.Context, *pricing.Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs++
	return nil
}

func (r *recordingAudit) LogApproval(context.Context, pricing.ApprovalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals++
	return nil
}

func (r *recordingAudit) App() *zap.Logger { return zap.NewNop() }
func (r *recordingAudit) Sync() error      { return nil }
func (r *recordingAudit) Close() error     { return nil }

func TestProcessAuditsOracleFallback(t *testing.T) {
	rec := &recordingAudit{}
	a := newAgent(t, &stubOracle{err: errors.New("upstream timeout")}, WithAuditLogger(rec))

	out, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:       "What should SKU-C cost?",
		ProductIDs:  []string{"SKU-C"},
		RequestedBy: "ana",
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, audit.EventOracleFallback, ev.EventType)
	assert.Equal(t, audit.ResultFailure, ev.Result)
	assert.Equal(t, out.ID, ev.CorrelationID)
	assert.Equal(t, "ana", ev.User)
	assert.Contains(t, ev.Error, "upstream timeout")
	assert.Equal(t, 1, rec.recs)
}

// failingAudit rejects plain events and records everything else.
type failingAudit struct {
	recordingAudit
}

func (f *failingAudit) Log(context.Context, *audit.Event) error {
	return errors.New("audit disk full")
}

func TestProcessSurvivesFallbackAuditFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := newAgent(t, &stubOracle{err: errors.New("upstream timeout")},
		WithAuditLogger(&failingAudit{}), WithLogger(zap.New(core)))

	out, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "What should SKU-C cost?",
		ProductIDs: []string{"SKU-C"},
	})
	require.NoError(t, err)

	warned := logs.FilterMessage("failed to audit oracle fallback").All()
	require.Len(t, warned, 1)
	assert.Equal(t, out.ID, warned[0].ContextMap()["id"])
}

func TestProcessRuleBasedOracleUsesFallbackConfidence(t *testing.T) {
	a := newAgent(t, oracle.NewRuleBased())

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "Review camera pricing",
		ProductIDs: []string{"SKU-E", "SKU-F"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rec.Confidence, 1e-9)
	assert.Empty(t, rec.Reasoning.ByStage(pricing.StageFallback))
}

func TestProcessMissingCandidateIsReplaced(t *testing.T) {
	a := newAgent(t, &stubOracle{text: "Hard to say without more data."})

	rec, err := a.Process(context.Background(), pricing.PricingRequest{
		Query:      "What price for SKU-C?",
		ProductIDs: []string{"SKU-C"},
	})
	require.NoError(t, err)

	require.NotNil(t, rec.RecommendedPrice)
	assert.InDelta(t, 100.0, *rec.RecommendedPrice, 1e-9)
	assert.Equal(t, []string{guardrails.RuleNonPositivePrice}, rules(rec.Violations))
	// No price change, but 0.6 confidence from a single product is below
	// the medium bar.
	assert.Equal(t, pricing.RiskMedium, rec.RiskLevel)
	assert.Equal(t, pricing.RoleSeniorAnalyst, rec.ApprovalThreshold)
}

func TestProcessWithoutProducts(t *testing.T) {
	tests := []struct {
		name     string
		products []pricing.Product
		req      pricing.PricingRequest
		reason   string
	}{
		{
			name:   "unknown id",
			req:    pricing.PricingRequest{Query: "price for SKU-404?", ProductIDs: []string{"SKU-404"}},
			reason: "Product lookup failed",
		},
		{
			name:   "empty catalog",
			req:    pricing.PricingRequest{Query: "what price for our umbrellas?"},
			reason: "No relevant products",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sug := &stubOracle{price: pricing.Float(10)}
			var a *Agent
			if tt.name == "empty catalog" {
				cat, err := catalog.NewMemory(nil)
				require.NoError(t, err)
				a, err = New(nil, cat, sug, nil, WithTracer(tracing.NoopTracer()), WithClock(func() time.Time { return testNow }))
				require.NoError(t, err)
			} else {
				a = newAgent(t, sug)
			}

			rec, err := a.Process(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Zero(t, rec.Confidence)
			assert.Nil(t, rec.RecommendedPrice)
			assert.Equal(t, pricing.StatusRejected, rec.Status)
			assert.Equal(t, pricing.StageCatalog, rec.RejectedBy)
			assert.Contains(t, rec.Summary, tt.reason)
			assert.False(t, rec.Actionable(testNow))
			assert.Zero(t, sug.Calls())
		})
	}
}

func TestNotInitialized(t *testing.T) {
	var a *Agent
	_, err := a.Process(context.Background(), pricing.PricingRequest{Query: "price?"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = (&Agent{}).Process(context.Background(), pricing.PricingRequest{Query: "price?"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	ok, err := a.SubmitApproval(context.Background(), pricing.ApprovalAction{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = a.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = a.ListPending(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestNewRequiresCatalog(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Guardrails.MaxMarginPercent = cfg.Guardrails.MinMarginPercent
	cfg.Oracle.FallbackConfidence = 2

	cat, err := catalog.NewMemory(testProducts())
	require.NoError(t, err)

	_, err = New(cfg, cat, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_margin_percent")
	assert.Contains(t, err.Error(), "fallback_confidence")
}

func TestApprovalLifecycle(t *testing.T) {
	sink := &recordingSink{}
	var observed []pricing.ApprovalRecord
	var mu sync.Mutex
	a := newAgent(t, &stubOracle{price: pricing.Float(10)},
		WithSink(sink),
		WithApprovalObserver(approval.ObserverFunc(func(_ context.Context, r pricing.ApprovalRecord, _ *pricing.Recommendation) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, r)
		})),
	)
	ctx := context.Background()

	rec, err := a.Process(ctx, pricing.PricingRequest{Query: "price for SKU-C", ProductIDs: []string{"SKU-C"}})
	require.NoError(t, err)
	require.Equal(t, pricing.RoleDirector, rec.ApprovalThreshold)

	manager := pricing.RoleManager
	pending, err := a.ListPending(ctx, &manager)
	require.NoError(t, err)
	assert.Empty(t, pending, "managers cannot resolve director-level changes")

	pending, err = a.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := a.SubmitApproval(ctx, pricing.ApprovalAction{
		RecommendationID: rec.ID, ApproverID: "mia", ApproverRole: pricing.RoleManager, Decision: pricing.DecisionApproved,
	})
	assert.False(t, ok)
	var authErr *approval.AuthorityError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, pricing.RoleDirector, authErr.Required)
	assert.Equal(t, pricing.RoleManager, authErr.Actual)

	got, err := a.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusPending, got.Status, "failed attempts leave the entry untouched")

	ok, err = a.SubmitApproval(ctx, pricing.ApprovalAction{
		RecommendationID: rec.ID, ApproverID: "dora", ApproverRole: pricing.RoleDirector,
		Decision: pricing.DecisionApproved, Notes: "seasonal clearance",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = a.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusApproved, got.Status)
	assert.Equal(t, "dora", got.ApprovedBy)
	assert.Equal(t, "seasonal clearance", got.ApprovalNotes)
	require.NotNil(t, got.ApprovedAt)
	assert.Equal(t, testNow, *got.ApprovedAt)

	ok, err = a.SubmitApproval(ctx, pricing.ApprovalAction{
		RecommendationID: rec.ID, ApproverID: "dora", ApproverRole: pricing.RoleDirector, Decision: pricing.DecisionRejected,
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, approval.ErrNotPending)

	ok, err = a.SubmitApproval(ctx, pricing.ApprovalAction{
		RecommendationID: "missing", ApproverID: "dora", ApproverRole: pricing.RoleDirector, Decision: pricing.DecisionApproved,
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, approval.ErrNotFound)

	history := a.History(rec.ID)
	require.Len(t, history, 3)
	assert.False(t, history[0].Succeeded)
	assert.True(t, history[1].Succeeded)
	assert.False(t, history[2].Succeeded)

	mu.Lock()
	assert.Len(t, observed, 4)
	mu.Unlock()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.recs, 1)
	assert.Equal(t, rec.ID, sink.recs[0].ID)
}

func TestProcessConcurrentRequests(t *testing.T) {
	var n int
	var mu sync.Mutex
	a := newAgent(t, &stubOracle{price: pricing.Float(105)}, WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("rec-%03d", n)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Process(context.Background(), pricing.PricingRequest{Query: "price check", ProductIDs: []string{"SKU-C"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pending, err := a.ListPending(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, pending, 20)
}

func TestProcessReturnsCopy(t *testing.T) {
	a := newAgent(t, &stubOracle{price: pricing.Float(105)})
	rec, err := a.Process(context.Background(), pricing.PricingRequest{Query: "price check", ProductIDs: []string{"SKU-C"}})
	require.NoError(t, err)

	rec.Status = pricing.StatusApproved
	*rec.RecommendedPrice = 1

	got, err := a.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusPending, got.Status)
	assert.InDelta(t, 105.0, *got.RecommendedPrice, 1e-9)
}

func TestHeuristicConfidence(t *testing.T) {
	p := testProducts()
	assert.Equal(t, confidenceFewProducts, heuristicConfidence(p[:1]))
	assert.Equal(t, confidenceNoCompetitors, heuristicConfidence(p[:2]))
	assert.Equal(t, confidenceDefault, heuristicConfidence(p))
}

func TestEnrichedQuery(t *testing.T) {
	assert.Equal(t, "raise it", enrichedQuery(pricing.PricingRequest{Query: " raise it "}))
	assert.Equal(t, "raise it Context: holiday week",
		enrichedQuery(pricing.PricingRequest{Query: "raise it", Context: "holiday week"}))
}

package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/guardrails"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

func TestClassifyTable(t *testing.T) {
	cfg := config.DefaultRisk()
	tests := []struct {
		name      string
		in        RiskInput
		level     pricing.RiskLevel
		threshold pricing.Role
	}{
		{"routine", RiskInput{CurrentPrice: 100, PriceChangePct: 5, AbsoluteChange: 5, Confidence: 0.9}, pricing.RiskLow, pricing.RoleAnalyst},
		{"ten percent", RiskInput{CurrentPrice: 100, PriceChangePct: -10, AbsoluteChange: -10, Confidence: 0.9}, pricing.RiskMedium, pricing.RoleSeniorAnalyst},
		{"low confidence", RiskInput{CurrentPrice: 100, PriceChangePct: 1, Confidence: 0.6}, pricing.RiskMedium, pricing.RoleSeniorAnalyst},
		{"material revenue", RiskInput{CurrentPrice: 100, PriceChangePct: 2, Confidence: 0.9, MonthlyRevenueImpact: -6000}, pricing.RiskMedium, pricing.RoleSeniorAnalyst},
		{"high value item", RiskInput{CurrentPrice: 1500, PriceChangePct: 1, AbsoluteChange: 15, Confidence: 0.9}, pricing.RiskMedium, pricing.RoleSeniorAnalyst},
		{"high percent", RiskInput{CurrentPrice: 100, PriceChangePct: 25, AbsoluteChange: 25, Confidence: 0.9}, pricing.RiskHigh, pricing.RoleManager},
		{"high absolute", RiskInput{CurrentPrice: 4000, PriceChangePct: 15, AbsoluteChange: 600, Confidence: 0.9}, pricing.RiskHigh, pricing.RoleManager},
		{"critical", RiskInput{CurrentPrice: 100, PriceChangePct: -40, AbsoluteChange: -40, Confidence: 0.9}, pricing.RiskCritical, pricing.RoleDirector},
		{
			"low confidence violation",
			RiskInput{CurrentPrice: 100, PriceChangePct: 1, Confidence: 0.95, Violations: []pricing.GuardrailViolation{{Rule: guardrails.RuleLowConfidence}}},
			pricing.RiskMedium, pricing.RoleSeniorAnalyst,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Classify(cfg, tt.in)
			assert.Equal(t, tt.level, a.Level)
			assert.Equal(t, tt.threshold, a.Threshold)
			assert.NotEmpty(t, a.Reasons)
			assert.Equal(t, tt.threshold, ThresholdFor(tt.level))
		})
	}
}

// +12% on a $1,000 item with confidence 0.75 stops at the 10% branch.
func TestClassifyModerateIncreaseOnExpensiveItem(t *testing.T) {
	a := Classify(config.DefaultRisk(), RiskInput{
		CurrentPrice:   1000,
		PriceChangePct: 12,
		AbsoluteChange: 120,
		Confidence:     0.75,
	})
	assert.Equal(t, pricing.RiskMedium, a.Level)
	assert.Equal(t, pricing.RoleSeniorAnalyst, a.Threshold)
}

func newPending(id string, threshold pricing.Role, created time.Time) *pricing.Recommendation {
	return &pricing.Recommendation{
		ID:                id,
		Query:             "raise price",
		Products:          []pricing.Product{{ID: "SKU-1", CurrentPrice: 10, Cost: 5}},
		RecommendedPrice:  pricing.Float(11),
		RiskLevel:         pricing.RiskMedium,
		ApprovalThreshold: threshold,
		Status:            pricing.StatusPending,
		CreatedAt:         created,
	}
}

func TestSubmitAuthorityMatrix(t *testing.T) {
	for _, threshold := range pricing.Roles() {
		for _, role := range pricing.Roles() {
			t.Run(fmt.Sprintf("%s_by_%s", threshold, role), func(t *testing.T) {
				ctx := context.Background()
				store := NewMemoryStore()
				require.NoError(t, store.Put(ctx, newPending("r1", threshold, time.Now())))
				e := NewEngine(store, config.DefaultRisk())

				_, err := e.Submit(ctx, pricing.ApprovalAction{
					RecommendationID: "r1",
					ApproverID:       "u1",
					ApproverRole:     role,
					Decision:         pricing.DecisionApproved,
				})

				got, getErr := store.Get(ctx, "r1")
				require.NoError(t, getErr)
				if role >= threshold {
					require.NoError(t, err)
					assert.Equal(t, pricing.StatusApproved, got.Status)
				} else {
					var authErr *AuthorityError
					require.ErrorAs(t, err, &authErr)
					assert.Equal(t, threshold, authErr.Required)
					assert.Equal(t, role, authErr.Actual)
					assert.Equal(t, pricing.StatusPending, got.Status)
				}
				assert.Equal(t, 1, e.History().Len())
			})
		}
	}
}

func TestSubmitSetsApprovalFields(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleManager, now)))
	e := NewEngine(store, config.DefaultRisk(), WithClock(func() time.Time { return now }))

	rec, err := e.Submit(ctx, pricing.ApprovalAction{
		RecommendationID: "r1",
		ApproverID:       "dana",
		ApproverRole:     pricing.RoleDirector,
		Decision:         pricing.DecisionRejected,
		Notes:            "competitor promo ends Friday",
	})
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusRejected, rec.Status)
	assert.Equal(t, "dana", rec.ApprovedBy)
	assert.Equal(t, "competitor promo ends Friday", rec.ApprovalNotes)
	require.NotNil(t, rec.ApprovedAt)
	assert.True(t, rec.ApprovedAt.Equal(now))
	assert.Len(t, rec.Reasoning.ByStage(pricing.StageApproval), 1)
}

func TestSubmitUnknownID(t *testing.T) {
	e := NewEngine(NewMemoryStore(), config.DefaultRisk())
	_, err := e.Submit(context.Background(), pricing.ApprovalAction{
		RecommendationID: "missing",
		ApproverID:       "u1",
		ApproverRole:     pricing.RoleDirector,
		Decision:         pricing.DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	history := e.History().List()
	require.Len(t, history, 1)
	assert.False(t, history[0].Succeeded)
	assert.Contains(t, history[0].Error, "not found")
}

func TestSubmitInvalidAction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleAnalyst, time.Now())))
	e := NewEngine(store, config.DefaultRisk())

	actions := []pricing.ApprovalAction{
		{RecommendationID: "r1", ApproverID: "u1", ApproverRole: pricing.RoleDirector, Decision: "maybe"},
		{RecommendationID: "r1", ApproverRole: pricing.RoleDirector, Decision: pricing.DecisionApproved},
		{RecommendationID: "r1", ApproverID: "u1", Decision: pricing.DecisionApproved},
	}
	for _, a := range actions {
		_, err := e.Submit(ctx, a)
		assert.ErrorIs(t, err, ErrInvalidAction)
	}
	assert.Equal(t, 3, e.History().Len())
}

func TestSubmitTerminalEntryRejectsResubmission(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleAnalyst, time.Now())))
	e := NewEngine(store, config.DefaultRisk())

	action := pricing.ApprovalAction{
		RecommendationID: "r1",
		ApproverID:       "u1",
		ApproverRole:     pricing.RoleAnalyst,
		Decision:         pricing.DecisionApproved,
	}
	_, err := e.Submit(ctx, action)
	require.NoError(t, err)

	action.Decision = pricing.DecisionRejected
	action.ApproverRole = pricing.RoleDirector
	_, err = e.Submit(ctx, action)
	assert.ErrorIs(t, err, ErrNotPending)

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusApproved, rec.Status)
	assert.Len(t, e.History().For("r1"), 2)
}

func TestSubmitConcurrentSingleWinner(t *testing.T) {
	scenarios := []struct {
		name  string
		roles []pricing.Role
	}{
		{"both authorized", []pricing.Role{pricing.RoleManager, pricing.RoleDirector}},
		{"one authorized", []pricing.Role{pricing.RoleAnalyst, pricing.RoleDirector}},
		{"many authorized", []pricing.Role{
			pricing.RoleDirector, pricing.RoleDirector, pricing.RoleManager, pricing.RoleDirector,
			pricing.RoleManager, pricing.RoleDirector, pricing.RoleDirector, pricing.RoleManager,
		}},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			for round := 0; round < 50; round++ {
				ctx := context.Background()
				store := NewMemoryStore()
				require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleManager, time.Now())))
				e := NewEngine(store, config.DefaultRisk())

				var wins int32
				var wg sync.WaitGroup
				start := make(chan struct{})
				errs := make([]error, len(sc.roles))
				for i, role := range sc.roles {
					wg.Add(1)
					go func(i int, role pricing.Role) {
						defer wg.Done()
						<-start
						_, err := e.Submit(ctx, pricing.ApprovalAction{
							RecommendationID: "r1",
							ApproverID:       fmt.Sprintf("u%d", i),
							ApproverRole:     role,
							Decision:         pricing.DecisionApproved,
						})
						errs[i] = err
						if err == nil {
							atomic.AddInt32(&wins, 1)
						}
					}(i, role)
				}
				close(start)
				wg.Wait()

				require.EqualValues(t, 1, wins)
				for i, err := range errs {
					if err == nil {
						continue
					}
					var authErr *AuthorityError
					assert.True(t, errors.Is(err, ErrNotPending) || errors.As(err, &authErr), "submitter %d: %v", i, err)
				}
				assert.Equal(t, len(sc.roles), e.History().Len())
			}
		})
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleDirector, time.Now())))

	var mu sync.Mutex
	var seen []pricing.ApprovalRecord
	e := NewEngine(store, config.DefaultRisk(), WithObserver(ObserverFunc(
		func(_ context.Context, record pricing.ApprovalRecord, _ *pricing.Recommendation) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, record)
		})))

	_, _ = e.Submit(ctx, pricing.ApprovalAction{RecommendationID: "r1", ApproverID: "a", ApproverRole: pricing.RoleAnalyst, Decision: pricing.DecisionApproved})
	_, _ = e.Submit(ctx, pricing.ApprovalAction{RecommendationID: "r1", ApproverID: "d", ApproverRole: pricing.RoleDirector, Decision: pricing.DecisionApproved})

	require.Len(t, seen, 2)
	assert.False(t, seen[0].Succeeded)
	assert.Contains(t, seen[0].Error, "requires director")
	assert.True(t, seen[1].Succeeded)
}

func TestStoreListPendingByRole(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	for i, role := range pricing.Roles() {
		require.NoError(t, store.Put(ctx, newPending(role.String(), role, base.Add(time.Duration(i)*time.Second))))
	}
	done := newPending("done", pricing.RoleAnalyst, base)
	done.Status = pricing.StatusApproved
	require.NoError(t, store.Put(ctx, done))

	all, err := store.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "analyst", all[0].ID)

	for i, role := range pricing.Roles() {
		r := role
		got, err := store.ListPending(ctx, &r)
		require.NoError(t, err)
		assert.Len(t, got, i+1, "role %s", role)
		for _, rec := range got {
			assert.True(t, role.Covers(rec.ApprovalThreshold))
		}
	}
}

func TestStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := newPending("r1", pricing.RoleAnalyst, time.Now())
	require.NoError(t, store.Put(ctx, rec))

	rec.Status = pricing.StatusApproved
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusPending, got.Status)

	got.Status = pricing.StatusRejected
	again, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusPending, again.Status)

	assert.ErrorIs(t, store.Put(ctx, newPending("r1", pricing.RoleAnalyst, time.Now())), ErrDuplicateID)
	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.Len())
}

func TestStoreTransitionFailureLeavesEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, newPending("r1", pricing.RoleAnalyst, time.Now())))

	boom := errors.New("boom")
	_, err := store.Transition(ctx, "r1", func(r *pricing.Recommendation) error {
		r.Status = pricing.StatusApproved
		r.ApprovedBy = "half-done"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, pricing.StatusPending, got.Status)
	assert.Empty(t, got.ApprovedBy)
}

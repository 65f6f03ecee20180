// Package pricing holds the data model shared by every stage of the
// recommendation pipeline: products, requests, guardrail violations,
// recommendations and approval actions.
//
// Products are read-only snapshots. A Recommendation is the only mutable
// aggregate; after it is stored, only its approval fields change, and only
// through the approval engine.
package pricing

import (
	"errors"
	"fmt"
	"time"
)

// SalesWindowHours is the length of the recent sales window carried on a
// product. Daily demand is extrapolated from it.
const SalesWindowHours = 6

// Product is an immutable snapshot of one item's commercial attributes.
type Product struct {
	ID                  string    `json:"item_id" yaml:"item_id"`
	Name                string    `json:"item_name" yaml:"item_name"`
	Brand               string    `json:"brand,omitempty" yaml:"brand,omitempty"`
	Category            string    `json:"category,omitempty" yaml:"category,omitempty"`
	Cost                float64   `json:"cost_price" yaml:"cost_price"`
	CurrentPrice        float64   `json:"current_price" yaml:"current_price"`
	CompetitorPrices    []float64 `json:"competitor_prices" yaml:"competitor_prices"`
	TargetMarginPercent float64   `json:"target_margin_percent" yaml:"target_margin_percent"`
	StockLevel          int       `json:"stock_level" yaml:"stock_level"`
	HourlySales         []int     `json:"hourly_sales" yaml:"hourly_sales"`
	Elasticity          float64   `json:"price_elasticity" yaml:"price_elasticity"`
}

// Validate checks the product invariants.
func (p Product) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("item_id is required"))
	}
	if p.CurrentPrice <= 0 {
		errs = append(errs, fmt.Errorf("current_price must be positive, got %v", p.CurrentPrice))
	}
	if p.Cost < 0 {
		errs = append(errs, fmt.Errorf("cost_price must not be negative, got %v", p.Cost))
	}
	if p.StockLevel < 0 {
		errs = append(errs, fmt.Errorf("stock_level must not be negative, got %d", p.StockLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("product %q: %w", p.ID, errors.Join(errs...))
	}
	return nil
}

// RecentSales sums the hourly sales window.
func (p Product) RecentSales() int {
	total := 0
	for _, n := range p.HourlySales {
		total += n
	}
	return total
}

// BaselineDailyDemand extrapolates the 6 hour sales window to 24 hours.
func (p Product) BaselineDailyDemand() float64 {
	return float64(p.RecentSales()) * (24.0 / SalesWindowHours)
}

// MarginPercent is the gross margin of selling at price, as a percentage
// of price. Non-positive prices have no margin.
func (p Product) MarginPercent(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return (price - p.Cost) / price * 100
}

// AverageCompetitorPrice returns the mean competitor price, or the current
// price when no competitor data exists.
func (p Product) AverageCompetitorPrice() float64 {
	if len(p.CompetitorPrices) == 0 {
		return p.CurrentPrice
	}
	sum := 0.0
	for _, c := range p.CompetitorPrices {
		sum += c
	}
	return sum / float64(len(p.CompetitorPrices))
}

// PricingRequest is one inbound natural-language pricing question.
type PricingRequest struct {
	Query       string   `json:"query"`
	ProductIDs  []string `json:"product_ids,omitempty"`
	Context     string   `json:"context,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
	Role        Role     `json:"role,omitempty"`
}

// ViolationKind groups guardrail violations by what they did to the price.
type ViolationKind string

const (
	KindRejection  ViolationKind = "rejection"
	KindAdjustment ViolationKind = "adjustment"
	KindAdvisory   ViolationKind = "advisory"
)

// GuardrailViolation records one guardrail firing. OriginalValue and
// AdjustedValue are the price before and after the rule, nil where the
// rule does not concern a price.
type GuardrailViolation struct {
	Rule          string        `json:"rule"`
	Kind          ViolationKind `json:"kind"`
	OriginalValue *float64      `json:"original_value,omitempty"`
	AdjustedValue *float64      `json:"adjusted_value,omitempty"`
	Message       string        `json:"message"`
	Severity      RiskLevel     `json:"severity"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// FinancialImpact summarizes the projected effect of a price change.
type FinancialImpact struct {
	CurrentPrice         float64 `json:"current_price"`
	CandidatePrice       float64 `json:"candidate_price"`
	PriceChangePct       float64 `json:"price_change_pct"`
	AbsoluteChange       float64 `json:"absolute_change"`
	DemandChangePct      float64 `json:"demand_change_pct"`
	DemandMultiplier     float64 `json:"demand_multiplier"`
	BaselineDailyDemand  float64 `json:"baseline_daily_demand"`
	ProjectedDailyDemand float64 `json:"projected_daily_demand"`
	DailyRevenueBefore   float64 `json:"daily_revenue_before"`
	DailyRevenueAfter    float64 `json:"daily_revenue_after"`
	MonthlyRevenueImpact float64 `json:"monthly_revenue_impact"`
	DailyProfitChange    float64 `json:"daily_profit_change"`
	// BreakEvenVolume is the daily units needed at the candidate price to
	// keep today's gross profit. Zero when the candidate has no unit margin.
	BreakEvenVolume float64 `json:"break_even_volume"`
}

// Recommendation is the terminal artifact of the pipeline and the unit of
// approval.
type Recommendation struct {
	ID                string               `json:"id"`
	Query             string               `json:"query"`
	Products          []Product            `json:"products"`
	Summary           string               `json:"summary"`
	Reasoning         Notes                `json:"reasoning"`
	MarketContext     string               `json:"market_context"`
	Confidence        float64              `json:"confidence_score"`
	RecommendedPrice  *float64             `json:"recommended_price,omitempty"`
	RiskLevel         RiskLevel            `json:"risk_level"`
	ApprovalThreshold Role                 `json:"approval_threshold"`
	Violations        []GuardrailViolation `json:"violations"`
	Impact            *FinancialImpact     `json:"financial_impact,omitempty"`
	Status            Status               `json:"approval_status"`
	RejectedBy        Stage                `json:"rejected_by,omitempty"`
	ApprovalNotes     string               `json:"approval_notes,omitempty"`
	ApprovedBy        string               `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time           `json:"approved_at,omitempty"`
	ExpiresAt         *time.Time           `json:"expires_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	CreatedBy         string               `json:"created_by,omitempty"`
}

// PrimaryProduct returns the product the price applies to.
func (r *Recommendation) PrimaryProduct() (Product, bool) {
	if len(r.Products) == 0 {
		return Product{}, false
	}
	return r.Products[0], true
}

// Expired reports whether the recommendation is past its expiry. Expiry is
// advisory: it never changes Status.
func (r *Recommendation) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Actionable reports whether an approver can still act on r.
func (r *Recommendation) Actionable(now time.Time) bool {
	return r.Status == StatusPending && !r.Expired(now)
}

// AddViolation appends v in firing order.
func (r *Recommendation) AddViolation(v GuardrailViolation) {
	r.Violations = append(r.Violations, v)
}

// Note appends a reasoning note for stage.
func (r *Recommendation) Note(stage Stage, format string, args ...interface{}) {
	r.Reasoning = r.Reasoning.Add(stage, fmt.Sprintf(format, args...), nil)
}

// Clone returns a deep copy that shares no mutable state with r.
func (r *Recommendation) Clone() *Recommendation {
	if r == nil {
		return nil
	}
	c := *r
	if r.Products != nil {
		c.Products = make([]Product, len(r.Products))
		for i, p := range r.Products {
			c.Products[i] = p.clone()
		}
	}
	c.Reasoning = r.Reasoning.clone()
	if r.Violations != nil {
		c.Violations = make([]GuardrailViolation, len(r.Violations))
		for i, v := range r.Violations {
			c.Violations[i] = v.clone()
		}
	}
	c.RecommendedPrice = copyFloat(r.RecommendedPrice)
	if r.Impact != nil {
		impact := *r.Impact
		c.Impact = &impact
	}
	c.ApprovedAt = copyTime(r.ApprovedAt)
	c.ExpiresAt = copyTime(r.ExpiresAt)
	return &c
}

func (p Product) clone() Product {
	c := p
	if p.CompetitorPrices != nil {
		c.CompetitorPrices = append([]float64(nil), p.CompetitorPrices...)
	}
	if p.HourlySales != nil {
		c.HourlySales = append([]int(nil), p.HourlySales...)
	}
	return c
}

func (v GuardrailViolation) clone() GuardrailViolation {
	c := v
	c.OriginalValue = copyFloat(v.OriginalValue)
	c.AdjustedValue = copyFloat(v.AdjustedValue)
	return c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ApprovalAction is one attempt to resolve a recommendation.
type ApprovalAction struct {
	RecommendationID string    `json:"recommendation_id" validate:"required"`
	ApproverID       string    `json:"approver_id" validate:"required"`
	ApproverRole     Role      `json:"approver_role"`
	Decision         Decision  `json:"decision" validate:"required,oneof=approved rejected"`
	Notes            string    `json:"notes,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ApprovalRecord is an entry of the approval history log. Failed attempts
// are recorded too.
type ApprovalRecord struct {
	Action    ApprovalAction `json:"action"`
	Succeeded bool           `json:"succeeded"`
	Error     string         `json:"error,omitempty"`
}

// Rejection is a policy decision to stop a request. It is a business
// outcome, not an error.
type Rejection struct {
	Stage  Stage
	Rule   string
	Reason string
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s/%s: %s", r.Stage, r.Rule, r.Reason)
}

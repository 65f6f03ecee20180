// Package db persists the durable side of pricing decisions: archived
// recommendations, the approval history, and the approved price changes
// that downstream systems apply. The in-memory recommendation store stays
// authoritative for approval transitions; this package is a sink.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface.
type Store interface {
	// SaveRecommendation archives a finished recommendation. Saving the
	// same id again overwrites the snapshot.
	SaveRecommendation(ctx context.Context, rec *pricing.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*RecommendationRecord, error)

	AppendApproval(ctx context.Context, rec *ApprovalRecord) error
	ListApprovals(ctx context.Context, recommendationID string) ([]*ApprovalRecord, error)

	SaveApprovedChange(ctx context.Context, change *ApprovedChange) error
	ListApprovedChanges(ctx context.Context, limit int) ([]*ApprovedChange, error)

	Close() error
	Ping(ctx context.Context) error
}

// ─── Records ──────────────────────────────────────────────────────────────────

// RecommendationRecord is an archived recommendation. Payload holds the
// full JSON snapshot.
type RecommendationRecord struct {
	ID                string    `db:"id" json:"id"`
	SKU               string    `db:"sku" json:"sku"`
	Status            string    `db:"status" json:"status"`
	RiskLevel         string    `db:"risk_level" json:"risk_level"`
	ApprovalThreshold string    `db:"approval_threshold" json:"approval_threshold"`
	RecommendedPrice  *float64  `db:"recommended_price" json:"recommended_price,omitempty"`
	Confidence        float64   `db:"confidence" json:"confidence"`
	Payload           string    `db:"payload" json:"payload"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ApprovalRecord is one approval attempt.
type ApprovalRecord struct {
	ID               string    `db:"id" json:"id"`
	RecommendationID string    `db:"recommendation_id" json:"recommendation_id"`
	ApproverID       string    `db:"approver_id" json:"approver_id"`
	ApproverRole     string    `db:"approver_role" json:"approver_role"`
	Decision         string    `db:"decision" json:"decision"`
	Notes            string    `db:"notes" json:"notes"`
	Succeeded        bool      `db:"succeeded" json:"succeeded"`
	Error            string    `db:"error" json:"error,omitempty"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
}

// ApprovedChange is a price change cleared for application.
type ApprovedChange struct {
	ID               string    `db:"id" json:"-"`
	RecommendationID string    `db:"recommendation_id" json:"recommendation_id"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	SKU              string    `db:"sku" json:"sku"`
	OldPrice         float64   `db:"old_price" json:"old_price"`
	NewPrice         float64   `db:"new_price" json:"new_price"`
	Change           float64   `db:"change" json:"change"`
	ChangePct        float64   `db:"change_pct" json:"change_pct"`
	Confidence       float64   `db:"confidence" json:"confidence"`
	Status           string    `db:"status" json:"status"`
	ApprovedBy       string    `db:"approved_by" json:"approved_by,omitempty"`
}

// ChangeFor derives the approved change record of rec. ok is false when rec
// carries no product or price.
func ChangeFor(rec *pricing.Recommendation, at time.Time) (*ApprovedChange, bool) {
	p, ok := rec.PrimaryProduct()
	if !ok || rec.RecommendedPrice == nil {
		return nil, false
	}
	newPrice := pricing.RoundCents(*rec.RecommendedPrice)
	change := pricing.RoundCents(newPrice - p.CurrentPrice)
	pct := 0.0
	if p.CurrentPrice > 0 {
		pct = pricing.RoundCents(change / p.CurrentPrice * 100)
	}
	return &ApprovedChange{
		RecommendationID: rec.ID,
		Timestamp:        at.UTC(),
		SKU:              p.ID,
		OldPrice:         p.CurrentPrice,
		NewPrice:         newPrice,
		Change:           change,
		ChangePct:        pct,
		Confidence:       rec.Confidence,
		Status:           string(rec.Status),
		ApprovedBy:       rec.ApprovedBy,
	}, true
}

// Open returns the store for driver: "sqlite" or "postgres".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", driver)
	}
}

package db

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Sink mirrors pipeline output into a Store. Write failures are logged,
// never returned: the in-memory store already holds the decision.
type Sink struct {
	store  Store
	logger *zap.Logger
}

// NewSink creates a sink over store.
func NewSink(store Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, logger: logger}
}

// RecommendationStored archives rec.
func (s *Sink) RecommendationStored(ctx context.Context, rec *pricing.Recommendation) {
	if err := s.store.SaveRecommendation(ctx, rec); err != nil {
		s.logger.Error("failed to archive recommendation", zap.String("id", rec.ID), zap.Error(err))
	}
}

// ApprovalRecorded appends the attempt to the approval history and, for a
// successful approval, records the approved change. It satisfies
// approval.Observer.
func (s *Sink) ApprovalRecorded(ctx context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation) {
	a := record.Action
	row := &ApprovalRecord{
		RecommendationID: a.RecommendationID,
		ApproverID:       a.ApproverID,
		ApproverRole:     a.ApproverRole.String(),
		Decision:         string(a.Decision),
		Notes:            a.Notes,
		Succeeded:        record.Succeeded,
		Error:            record.Error,
		Timestamp:        a.Timestamp,
	}
	if err := s.store.AppendApproval(ctx, row); err != nil {
		s.logger.Error("failed to persist approval attempt",
			zap.String("recommendation_id", a.RecommendationID), zap.Error(err))
	}
	if !record.Succeeded || rec == nil {
		return
	}

	s.RecommendationStored(ctx, rec)
	if rec.Status != pricing.StatusApproved {
		return
	}
	change, ok := ChangeFor(rec, a.Timestamp)
	if !ok {
		return
	}
	if err := s.store.SaveApprovedChange(ctx, change); err != nil {
		s.logger.Error("failed to persist approved change",
			zap.String("recommendation_id", rec.ID), zap.String("sku", change.SKU), zap.Error(err))
		return
	}
	s.logger.Info("approved price change recorded",
		zap.String("recommendation_id", rec.ID),
		zap.String("sku", change.SKU),
		zap.Float64("old_price", change.OldPrice),
		zap.Float64("new_price", change.NewPrice),
	)
}

package pipeline

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/metrics"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

// SubmitApproval applies action to its recommendation. The boolean is true
// only when the recommendation was resolved; err tells why it was not
// (approval.ErrNotFound, approval.ErrNotPending, *approval.AuthorityError,
// approval.ErrInvalidAction).
func (a *Agent) SubmitApproval(ctx context.Context, action pricing.ApprovalAction) (bool, error) {
	if a == nil || a.engine == nil {
		return false, ErrNotInitialized
	}
	ctx, span := a.tracer.Start(ctx, "pipeline.SubmitApproval")
	defer span.End()
	span.SetAttributes(
		attribute.String("pricing.recommendation_id", action.RecommendationID),
		attribute.String("pricing.decision", string(action.Decision)),
		attribute.String("pricing.approver_role", action.ApproverRole.String()),
	)

	_, err := a.engine.Submit(ctx, action)
	metrics.ApprovalsTotal.WithLabelValues(string(action.Decision), approvalResult(err)).Inc()
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	metrics.PendingRecommendations.Dec()
	return true, nil
}

func approvalResult(err error) string {
	var authErr *approval.AuthorityError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &authErr):
		return "forbidden"
	case errors.Is(err, approval.ErrNotPending):
		return "not_pending"
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}

// approvalRecorded audits every attempt.
func (a *Agent) approvalRecorded(ctx context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation) {
	if a.audit != nil {
		if err := a.audit.LogApproval(ctx, record); err != nil {
			a.logger.Warn("failed to audit approval",
				zap.String("recommendation_id", record.Action.RecommendationID), zap.Error(err))
		}
	}
	if !record.Succeeded || rec == nil {
		return
	}
	a.logger.Info("recommendation resolved",
		zap.String("id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("approved_by", rec.ApprovedBy),
		zap.String("role", record.Action.ApproverRole.String()),
	)
}

// Get returns the stored recommendation with id, or approval.ErrNotFound.
func (a *Agent) Get(ctx context.Context, id string) (*pricing.Recommendation, error) {
	if a == nil || a.engine == nil {
		return nil, ErrNotInitialized
	}
	return a.engine.Store().Get(ctx, id)
}

// ListPending returns the pending recommendations, oldest first. With a
// role, only those the role may resolve.
func (a *Agent) ListPending(ctx context.Context, role *pricing.Role) ([]*pricing.Recommendation, error) {
	if a == nil || a.engine == nil {
		return nil, ErrNotInitialized
	}
	return a.engine.Store().ListPending(ctx, role)
}

// History returns the approval attempts made against id, oldest first.
func (a *Agent) History(id string) []pricing.ApprovalRecord {
	if a == nil || a.engine == nil {
		return nil
	}
	return a.engine.History().For(id)
}

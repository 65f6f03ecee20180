// Package approval classifies recommendations into risk tiers and runs the
// pending -> approved/rejected state machine over the recommendation store.
//
// Flow of an approval attempt:
//
//	Submit(action)
//	    │
//	    ├── action malformed ─────────────► ErrInvalidAction
//	    ├── id unknown ───────────────────► ErrNotFound
//	    │
//	    ▼  (per-entry lock held from here)
//	    ├── status != pending ────────────► ErrNotPending
//	    ├── !role.Covers(threshold) ──────► *AuthorityError (entry untouched)
//	    └── status, notes, approver, time set together
//	    │
//	    ▼
//	History.Append + observers   (every attempt, success or failure)
//
// Expiry is advisory: Submit does not look at ExpiresAt. Callers that care
// whether a recommendation is still actionable check
// Recommendation.Actionable.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Observer is told about every approval attempt after it is logged.
// rec is the stored recommendation after the attempt, nil when unknown.
type Observer interface {
	ApprovalRecorded(ctx context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation)

func (f ObserverFunc) ApprovalRecorded(ctx context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation) {
	f(ctx, record, rec)
}

// Engine owns risk classification and approval transitions.
type Engine struct {
	store     Store
	history   *History
	risk      config.RiskConfig
	observers []Observer
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers o for approval attempts.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistory shares an existing history log.
func WithHistory(h *History) Option {
	return func(e *Engine) { e.history = h }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, risk config.RiskConfig, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		history: NewHistory(),
		risk:    risk,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// History returns the approval history log.
func (e *Engine) History() *History { return e.history }

// AddObserver registers o after construction. Not safe to call
// concurrently with Submit.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Classify runs the risk table with the engine's thresholds.
func (e *Engine) Classify(in RiskInput) Assessment {
	return Classify(e.risk, in)
}

// Submit applies action to its recommendation. It returns the updated
// recommendation on success. Every attempt is appended to the history.
func (e *Engine) Submit(ctx context.Context, action pricing.ApprovalAction) (*pricing.Recommendation, error) {
	if action.Timestamp.IsZero() {
		action.Timestamp = e.now()
	}

	rec, err := e.apply(ctx, action)

	record := pricing.ApprovalRecord{Action: action, Succeeded: err == nil}
	if err != nil {
		record.Error = err.Error()
	}
	e.history.Append(record)
	for _, o := range e.observers {
		o.ApprovalRecorded(ctx, record, rec)
	}
	return rec, err
}

func (e *Engine) apply(ctx context.Context, action pricing.ApprovalAction) (*pricing.Recommendation, error) {
	status, err := action.Decision.Status()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if action.RecommendationID == "" {
		return nil, fmt.Errorf("%w: recommendation id is required", ErrInvalidAction)
	}
	if action.ApproverID == "" {
		return nil, fmt.Errorf("%w: approver id is required", ErrInvalidAction)
	}
	if !action.ApproverRole.Valid() {
		return nil, fmt.Errorf("%w: unknown approver role", ErrInvalidAction)
	}

	rec, err := e.store.Transition(ctx, action.RecommendationID, func(r *pricing.Recommendation) error {
		if r.Status != pricing.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, r.ID, r.Status)
		}
		if !action.ApproverRole.Covers(r.ApprovalThreshold) {
			return &AuthorityError{Required: r.ApprovalThreshold, Actual: action.ApproverRole}
		}
		at := action.Timestamp
		r.Status = status
		r.ApprovalNotes = action.Notes
		r.ApprovedBy = action.ApproverID
		r.ApprovedAt = &at
		r.Reasoning = r.Reasoning.Add(pricing.StageApproval,
			fmt.Sprintf("%s by %s (%s)", status, action.ApproverID, action.ApproverRole), nil)
		return nil
	})
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return rec, err
}

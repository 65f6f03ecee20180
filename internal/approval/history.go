package approval

import (
	"sync"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// History is the append-only log of approval attempts, successful or not.
type History struct {
	mu      sync.RWMutex
	records []pricing.ApprovalRecord
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append records one attempt.
func (h *History) Append(rec pricing.ApprovalRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

// List returns every record in append order.
func (h *History) List() []pricing.ApprovalRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]pricing.ApprovalRecord, len(h.records))
	copy(out, h.records)
	return out
}

// For returns the records of one recommendation in append order.
func (h *History) For(recommendationID string) []pricing.ApprovalRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []pricing.ApprovalRecord
	for _, r := range h.records {
		if r.Action.RecommendationID == recommendationID {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

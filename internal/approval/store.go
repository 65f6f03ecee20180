package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Store is the keyed collection of recommendations.
//
// Implementations hand out copies: callers never hold a pointer into the
// store. Transition is the only way to change an existing entry and is
// mutually exclusive per entry.
type Store interface {
	// Put inserts a new recommendation. The id must be fresh.
	Put(ctx context.Context, rec *pricing.Recommendation) error

	// Get returns the recommendation with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*pricing.Recommendation, error)

	// ListPending returns pending recommendations, oldest first. With a
	// role, only those the role is authorized to resolve.
	ListPending(ctx context.Context, role *pricing.Role) ([]*pricing.Recommendation, error)

	// Transition runs fn on a copy of the entry under the entry's lock and
	// stores the copy only if fn succeeds.
	Transition(ctx context.Context, id string, fn func(*pricing.Recommendation) error) (*pricing.Recommendation, error)

	// Len returns the number of stored recommendations.
	Len() int
}

// ErrDuplicateID is returned by Put when the id is already stored.
var ErrDuplicateID = errors.New("recommendation id already exists")

type entry struct {
	mu  sync.Mutex
	rec *pricing.Recommendation
}

// memoryStore keeps one lock for the map and one per entry, so approvals on
// different recommendations never contend.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore creates an empty in-memory store. Entries live as long as
// the process.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]*entry)}
}

func (s *memoryStore) Put(_ context.Context, rec *pricing.Recommendation) error {
	if rec == nil || rec.ID == "" {
		return errors.New("recommendation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	s.entries[rec.ID] = &entry{rec: rec.Clone()}
	return nil
}

func (s *memoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *memoryStore) Get(_ context.Context, id string) (*pricing.Recommendation, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (s *memoryStore) ListPending(_ context.Context, role *pricing.Role) ([]*pricing.Recommendation, error) {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	var out []*pricing.Recommendation
	for _, e := range snapshot {
		e.mu.Lock()
		rec := e.rec
		if rec.Status == pricing.StatusPending && (role == nil || role.Covers(rec.ApprovalThreshold)) {
			out = append(out, rec.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memoryStore) Transition(_ context.Context, id string, fn func(*pricing.Recommendation) error) (*pricing.Recommendation, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rec.Clone()
	if err := fn(next); err != nil {
		return e.rec.Clone(), err
	}
	e.rec = next
	return next.Clone(), nil
}

func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

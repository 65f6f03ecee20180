// Package catalog serves product snapshots to the pipeline.
//
// The in-memory catalog answers two kinds of lookups: explicit item ids,
// and a free-text search that matches ids, brands, categories and name
// keywords in that order. Catalog files are CSV or YAML.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// DefaultMaxResults bounds a search when the caller passes no limit.
const DefaultMaxResults = 5

// perTermLimit caps how many products a single brand or category term adds.
const perTermLimit = 3

// ErrUnknownProduct is returned by Lookup for an id not in the catalog.
var ErrUnknownProduct = errors.New("unknown product")

// Catalog retrieves products by id or free-text query.
type Catalog interface {
	// Lookup returns the products with ids, in the order given.
	Lookup(ctx context.Context, ids []string) ([]pricing.Product, error)

	// Search returns up to limit products relevant to query. An empty
	// result is not an error.
	Search(ctx context.Context, query string, limit int) ([]pricing.Product, error)
}

// Find resolves a request against c: explicit ids win over the query.
func Find(ctx context.Context, c Catalog, req pricing.PricingRequest, limit int) ([]pricing.Product, error) {
	if len(req.ProductIDs) > 0 {
		return c.Lookup(ctx, req.ProductIDs)
	}
	return c.Search(ctx, req.Query, limit)
}

// Memory is a catalog held in memory. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	products []pricing.Product
	byID     map[string]int
}

// NewMemory creates a catalog over products. Invalid products and
// duplicate ids are rejected.
func NewMemory(products []pricing.Product) (*Memory, error) {
	m := &Memory{}
	if err := m.Replace(products); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace swaps the catalog contents atomically.
func (m *Memory) Replace(products []pricing.Product) error {
	byID := make(map[string]int, len(products))
	var errs []error
	for i, p := range products {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(p.ID)
		if _, dup := byID[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate item_id %q", p.ID))
			continue
		}
		byID[key] = i
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append([]pricing.Product(nil), products...)
	m.byID = byID
	return nil
}

// Len returns the number of products.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.products)
}

// All returns every product in catalog order.
func (m *Memory) All() []pricing.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]pricing.Product(nil), m.products...)
}

// Lookup implements Catalog. Ids are matched case-insensitively.
func (m *Memory) Lookup(ctx context.Context, ids []string) ([]pricing.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pricing.Product, 0, len(ids))
	for _, id := range ids {
		i, ok := m.byID[strings.ToLower(strings.TrimSpace(id))]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
		}
		out = append(out, m.products[i])
	}
	return out, nil
}

// Search implements Catalog.
//
// Matching order: item ids mentioned in the query, then brands, then
// categories (at most three products per brand or category term). When
// none of those match, products are ranked by how many query words their
// name contains. Results are de-duplicated and cut to limit.
func (m *Memory) Search(ctx context.Context, query string, limit int) ([]pricing.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	q := strings.ToLower(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []int
	for i, p := range m.products {
		if containsTerm(q, strings.ToLower(p.ID)) {
			hits = append(hits, i)
		}
	}
	hits = append(hits, m.termHits(q, func(p pricing.Product) string { return brandOf(p) })...)
	hits = append(hits, m.termHits(q, func(p pricing.Product) string { return categoryOf(p) })...)
	if len(hits) == 0 {
		hits = m.keywordHits(q)
	}

	seen := make(map[int]bool, len(hits))
	out := make([]pricing.Product, 0, limit)
	for _, i := range hits {
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, m.products[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// termHits groups products by the attribute key returns and adds up to
// perTermLimit products for every term that occurs in q.
func (m *Memory) termHits(q string, key func(pricing.Product) string) []int {
	groups := make(map[string][]int)
	var terms []string
	for i, p := range m.products {
		term := strings.ToLower(key(p))
		if term == "" {
			continue
		}
		if _, ok := groups[term]; !ok {
			terms = append(terms, term)
		}
		groups[term] = append(groups[term], i)
	}
	sort.Strings(terms)

	var hits []int
	for _, term := range terms {
		if !containsTerm(q, term) {
			continue
		}
		idx := groups[term]
		if len(idx) > perTermLimit {
			idx = idx[:perTermLimit]
		}
		hits = append(hits, idx...)
	}
	return hits
}

func (m *Memory) keywordHits(q string) []int {
	words := keywords(q)
	if len(words) == 0 {
		return nil
	}
	type scored struct {
		index int
		score int
	}
	var ranked []scored
	for i, p := range m.products {
		name := strings.ToLower(p.Name)
		score := 0
		for _, w := range words {
			if strings.Contains(name, w) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{i, score})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	hits := make([]int, len(ranked))
	for i, r := range ranked {
		hits[i] = r.index
	}
	return hits
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "our": true, "should": true, "what": true,
	"price": true, "prices": true, "pricing": true, "with": true, "this": true, "that": true,
	"raise": true, "lower": true, "change": true, "set": true, "recommend": true,
}

func keywords(q string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '-' || r == '&' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// containsTerm reports whether term occurs in q on word boundaries.
func containsTerm(q, term string) bool {
	if term == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(q[from:], term)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(term)
		if (start == 0 || !isWordByte(q[start-1])) && (end == len(q) || !isWordByte(q[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// brandOf falls back to the first word of the name.
func brandOf(p pricing.Product) string {
	if p.Brand != "" {
		return p.Brand
	}
	if f := strings.Fields(p.Name); len(f) > 1 {
		return f[0]
	}
	return ""
}

// categoryOf falls back to the last word of the name.
func categoryOf(p pricing.Product) string {
	if p.Category != "" {
		return p.Category
	}
	if f := strings.Fields(p.Name); len(f) > 1 {
		return f[len(f)-1]
	}
	return ""
}

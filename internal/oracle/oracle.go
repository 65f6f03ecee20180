// Package oracle produces candidate prices for the recommendation pipeline.
//
// Two suggesters exist:
//   - OpenAIClient asks an OpenAI-compatible chat completions endpoint and
//     extracts the price from free text.
//   - RuleBased applies margin and inventory rules to the product data and
//     needs no network.
//
// A suggester never decides the final price. Whatever it returns, including
// a missing price, goes through the revenue and safety stages.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderRuleBased = "rule_based"
)

// ErrNoProducts is returned when a suggester is asked to price nothing.
var ErrNoProducts = errors.New("no products to price")

// Suggestion is a raw, unvalidated price proposal.
type Suggestion struct {
	// Price is nil when no price could be extracted from the answer.
	Price         *float64
	Rationale     string
	MarketContext string
	// Provider names the suggester that produced the answer.
	Provider string
}

// Suggester proposes a price for the first of products in answer to query.
type Suggester interface {
	Suggest(ctx context.Context, query string, products []pricing.Product) (Suggestion, error)
	Name() string
}

var priceRe = regexp.MustCompile(`\$([0-9][0-9,]*\.?[0-9]*)`)

// ExtractPrice returns the last dollar amount in text, or nil. Answers tend
// to restate the current price before concluding, so the last amount wins.
func ExtractPrice(text string) *float64 {
	matches := priceRe.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		raw := strings.ReplaceAll(matches[i][1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		return &v
	}
	return nil
}

// MarketContext summarizes competitor prices and stock for products.
func MarketContext(products []pricing.Product) string {
	if len(products) == 0 {
		return "No relevant products found."
	}
	var b strings.Builder
	for i, p := range products {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s (%s): price %s, cost %s, margin %.1f%% (target %.1f%%), stock %d, recent sales %d",
			p.Name, p.ID,
			pricing.FormatMoney(p.CurrentPrice), pricing.FormatMoney(p.Cost),
			p.MarginPercent(p.CurrentPrice), p.TargetMarginPercent,
			p.StockLevel, p.RecentSales())
		if len(p.CompetitorPrices) == 0 {
			b.WriteString(", no competitor data")
			continue
		}
		prices := append([]float64(nil), p.CompetitorPrices...)
		sort.Float64s(prices)
		avg := p.AverageCompetitorPrice()
		fmt.Fprintf(&b, ", competitors min %s avg %s max %s (%s)",
			pricing.FormatMoney(prices[0]), pricing.FormatMoney(avg), pricing.FormatMoney(prices[len(prices)-1]),
			position(p.CurrentPrice, avg))
	}
	return b.String()
}

func position(price, avgCompetitor float64) string {
	if avgCompetitor <= 0 {
		return "no reference"
	}
	diff := (price - avgCompetitor) / avgCompetitor * 100
	switch {
	case diff > -5 && diff < 5:
		return "competitive"
	case diff < 0:
		return fmt.Sprintf("underpriced %.1f%%", diff)
	default:
		return fmt.Sprintf("overpriced %+.1f%%", diff)
	}
}

// New builds the configured suggester. The openai provider without an API
// key degrades to RuleBased.
func New(provider, apiKey, baseURL, model string, timeout time.Duration) (Suggester, error) {
	switch provider {
	case ProviderRuleBased:
		return NewRuleBased(), nil
	case ProviderOpenAI, "":
		if apiKey == "" {
			return NewRuleBased(), nil
		}
		client, err := NewOpenAIClient(apiKey, model, WithBaseURL(baseURL), WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", provider)
	}
}

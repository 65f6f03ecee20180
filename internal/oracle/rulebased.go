package oracle

import (
	"context"
	"fmt"
	"math"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

const (
	lowStockUnits     = 100
	overstockUnits    = 1000
	competitorPremium = 1.05
	lowStockIncrease  = 1.10
	clearanceDiscount = 0.95
)

// RuleBased prices from margin and inventory alone. It is the fallback
// when the model is unavailable and the default without an API key.
type RuleBased struct{}

// NewRuleBased creates the rule-based suggester.
func NewRuleBased() *RuleBased { return &RuleBased{} }

// Name implements Suggester.
func (r *RuleBased) Name() string { return ProviderRuleBased }

// Suggest implements Suggester.
func (r *RuleBased) Suggest(_ context.Context, _ string, products []pricing.Product) (Suggestion, error) {
	if len(products) == 0 {
		return Suggestion{}, ErrNoProducts
	}
	p := products[0]
	price, why := ruleBasedPrice(p)
	return Suggestion{
		Price:         pricing.Float(price),
		Rationale:     fmt.Sprintf("%s. Suggested price for %s: %s", why, p.ID, pricing.FormatMoney(price)),
		MarketContext: MarketContext(products),
		Provider:      ProviderRuleBased,
	}, nil
}

func ruleBasedPrice(p pricing.Product) (float64, string) {
	margin := p.MarginPercent(p.CurrentPrice)
	hasCompetitors := len(p.CompetitorPrices) > 0
	avg := p.AverageCompetitorPrice()

	switch {
	case margin < p.TargetMarginPercent && p.StockLevel < lowStockUnits:
		price := p.CurrentPrice * lowStockIncrease
		if hasCompetitors {
			price = math.Min(avg*competitorPremium, price)
		}
		return price, fmt.Sprintf("Margin %.1f%% is below target %.1f%% and stock is low (%d units); raise toward the market",
			margin, p.TargetMarginPercent, p.StockLevel)
	case margin < p.TargetMarginPercent:
		return avg, fmt.Sprintf("Margin %.1f%% is below target %.1f%%; align with the average competitor price",
			margin, p.TargetMarginPercent)
	case p.StockLevel > overstockUnits:
		return p.CurrentPrice * clearanceDiscount, fmt.Sprintf("Margin is on target and stock is high (%d units); discount to move inventory",
			p.StockLevel)
	default:
		return p.CurrentPrice, "Margin is on target and stock is balanced; hold the current price"
	}
}

package pricing

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.English)

// RoundCents rounds an amount half away from zero to two decimals.
// Guardrail arithmetic stays in float64; rounding is applied only to
// prices handed to people or sinks.
func RoundCents(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// FormatMoney renders v as a dollar amount with thousands separators,
// e.g. -172800 -> "-$172,800.00".
func FormatMoney(v float64) string {
	d := decimal.NewFromFloat(v).Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	whole := d.Truncate(0).IntPart()
	cents := d.Sub(decimal.NewFromInt(whole)).Shift(2).IntPart()
	return sign + "$" + moneyPrinter.Sprintf("%d", whole) + moneyPrinter.Sprintf(".%02d", cents)
}

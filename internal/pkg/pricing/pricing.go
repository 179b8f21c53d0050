// Package pricing holds the decimal arithmetic shared by the ledger and the
// trailing-stop monitor. Prices and sizes arrive as float64 from exchanges and
// webhooks; comparisons and P&L are done through shopspring/decimal so that
// stop triggers do not depend on float rounding.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// FeeRate is the taker fee estimate applied to live (non-paper) executions:
// 0.1% of notional.
const FeeRate = 0.001

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

func dec(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func toFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func Compare(a, b float64) int { return dec(a).Cmp(dec(b)) }

func LTE(a, b float64) bool { return Compare(a, b) <= 0 }
func GTE(a, b float64) bool { return Compare(a, b) >= 0 }
func GT(a, b float64) bool  { return Compare(a, b) > 0 }

// RealizedPnL computes the realized profit for a closing leg.
// LONG: (exit-entry)*size. SHORT: (entry-exit)*size.
func RealizedPnL(side string, entry, exit, size float64) float64 {
	diff := dec(exit).Sub(dec(entry))
	if side == "SHORT" {
		diff = dec(entry).Sub(dec(exit))
	}
	return toFloat(diff.Mul(dec(size)))
}

// WeightedEntry returns the size-weighted average entry price after adding
// size units at price to an existing stance.
func WeightedEntry(oldEntry, oldSize, price, size float64) float64 {
	total := dec(oldSize).Add(dec(size))
	if total.IsZero() {
		return 0
	}
	notional := dec(oldEntry).Mul(dec(oldSize)).Add(dec(price).Mul(dec(size)))
	return toFloat(notional.Div(total))
}

// TrailingStop returns highest*(1 - pct/100) for a LONG trailing stop.
func TrailingStop(highest, trailingPercent float64) float64 {
	factor := decOne.Sub(dec(trailingPercent).Div(decHundred))
	return toFloat(dec(highest).Mul(factor))
}

// Fee returns the live-trade fee on price*size notional. Paper trades carry
// zero fees and must not call this.
func Fee(price, size float64) float64 {
	return toFloat(dec(price).Mul(dec(size)).Mul(dec(FeeRate)))
}

package tradingutils

import (
	"github.com/shopspring/decimal"
)

// tolerancePct is the relative half-width of the quantity tolerance band.
var tolerancePct = decimal.New(5, -3) // 0.5%

// RoundToStep floors a value to the nearest multiple of the exchange step
// size. The result is always an exact multiple of step and never exceeds
// value. A non-positive step is a programming-contract violation.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		panic("tradingutils: step must be positive")
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundPriceToStep aligns a price to the nearest tick.
func RoundPriceToStep(price, tick decimal.Decimal) decimal.Decimal {
	if tick.LessThanOrEqual(decimal.Zero) {
		panic("tradingutils: tick must be positive")
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// ToleranceBand returns the allowed absolute deviation for quantity
// comparisons: 0.5% of the position size or one quantity step, whichever
// is larger. Comparisons go through this band so step-size rounding noise
// never reads as drift.
func ToleranceBand(positionSize, qtyStep decimal.Decimal) decimal.Decimal {
	band := positionSize.Abs().Mul(tolerancePct)
	if qtyStep.GreaterThan(band) {
		return qtyStep
	}
	return band
}

// WithinTolerance reports whether actual is inside the tolerance band
// around expected for a position of the given size.
func WithinTolerance(expected, actual, positionSize, qtyStep decimal.Decimal) bool {
	return expected.Sub(actual).Abs().LessThanOrEqual(ToleranceBand(positionSize, qtyStep))
}

package condition

import (
	"github.com/shopspring/decimal"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// ATRPips returns the Wilder ATR of the final period bars expressed in pips.
// Returns 0 when the window is too short or the input contains bad values.
func ATRPips(bars []types.Bar, period int, pipSize decimal.Decimal) float64 {
	if pipSize.IsZero() || len(bars) < period+1 {
		return 0
	}
	highs, lows, closes, _, ok := unpack(bars)
	if !ok {
		return 0
	}
	atr := averageTrueRange(highs, lows, closes, period)
	pip, _ := pipSize.Float64()
	if pip == 0 {
		return 0
	}
	return atr / pip
}

// StructurePips returns the distance in pips from the entry price to the
// nearest protective structure level: the lowest low of the lookback window
// for longs, the highest high for shorts. Returns 0 when the level offers no
// protection (entry already beyond it).
func StructurePips(bars []types.Bar, lookback int, direction types.Direction, entry, pipSize decimal.Decimal) float64 {
	if pipSize.IsZero() || len(bars) == 0 {
		return 0
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}
	window := bars[len(bars)-lookback:]

	level := window[0].Low
	if direction == types.DirectionShort {
		level = window[0].High
	}
	for _, b := range window[1:] {
		if direction == types.DirectionLong && b.Low.LessThan(level) {
			level = b.Low
		}
		if direction == types.DirectionShort && b.High.GreaterThan(level) {
			level = b.High
		}
	}

	var dist decimal.Decimal
	if direction == types.DirectionLong {
		dist = entry.Sub(level)
	} else {
		dist = level.Sub(entry)
	}
	if !dist.IsPositive() {
		return 0
	}
	pips, _ := dist.Div(pipSize).Float64()
	return pips
}

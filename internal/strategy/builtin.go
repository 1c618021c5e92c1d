package strategy

import "github.com/meridianfx/trading-engine/pkg/types"

// BuiltinStrategies returns the stock strategy set used when the config file
// does not define its own. Each one covers a distinct regime corner so the
// selector has a non-zero candidate for most tradeable conditions.
func BuiltinStrategies() []Strategy {
	return []Strategy{
		{
			Name:    "trend_rider",
			Enabled: true,
			Weights: RegimeWeights{
				Trend:      map[types.Trend]float64{types.TrendBullish: 9, types.TrendBearish: 9, types.TrendRanging: 1},
				Volatility: map[types.Level]float64{types.LevelLow: 4, types.LevelMedium: 8, types.LevelHigh: 5},
				Liquidity:  map[types.Level]float64{types.LevelMedium: 6, types.LevelHigh: 9},
				Direction:  map[types.Direction]float64{types.DirectionLong: 7, types.DirectionShort: 7},
			},
			Risk: RiskParams{
				StopLoss:        StopLossSpec{Kind: StopATRMultiple, ATRMultiple: 1.5},
				TakeProfit:      TakeProfitSpec{RiskMultiples: []float64{1.0, 2.0}, PartialFraction: 0.5},
				RiskRewardRatio: 2.0,
				MaxSpreadPips:   3.0,
			},
		},
		{
			Name:    "range_fader",
			Enabled: true,
			Weights: RegimeWeights{
				Trend:      map[types.Trend]float64{types.TrendRanging: 9, types.TrendBullish: 2, types.TrendBearish: 2},
				Volatility: map[types.Level]float64{types.LevelLow: 8, types.LevelMedium: 5},
				Liquidity:  map[types.Level]float64{types.LevelMedium: 7, types.LevelHigh: 8},
				Direction:  map[types.Direction]float64{types.DirectionLong: 6, types.DirectionShort: 6},
			},
			Risk: RiskParams{
				StopLoss:        StopLossSpec{Kind: StopFixedPips, FixedPips: 15},
				TakeProfit:      TakeProfitSpec{RiskMultiples: []float64{1.5}},
				RiskRewardRatio: 1.5,
				MaxSpreadPips:   2.0,
			},
		},
		{
			Name:    "break_and_retest",
			Enabled: true,
			Weights: RegimeWeights{
				Trend:      map[types.Trend]float64{types.TrendBullish: 7, types.TrendBearish: 7, types.TrendRanging: 4},
				Volatility: map[types.Level]float64{types.LevelMedium: 7, types.LevelHigh: 8},
				Liquidity:  map[types.Level]float64{types.LevelHigh: 8, types.LevelMedium: 5},
				Direction:  map[types.Direction]float64{types.DirectionLong: 7, types.DirectionShort: 7},
			},
			Risk: RiskParams{
				StopLoss:        StopLossSpec{Kind: StopStructureBuffer, BufferPips: 2},
				TakeProfit:      TakeProfitSpec{RiskMultiples: []float64{1.0, 3.0}, PartialFraction: 0.5},
				RiskRewardRatio: 3.0,
				MaxSpreadPips:   3.5,
			},
		},
	}
}

package strategy

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// AxisWeights blends the four regime axes into a single score. Values come
// from the condition_weighting configuration section.
type AxisWeights struct {
	Trend      float64 `mapstructure:"trend"`
	Volatility float64 `mapstructure:"volatility"`
	Liquidity  float64 `mapstructure:"liquidity"`
	Direction  float64 `mapstructure:"direction"`
}

// DefaultAxisWeights returns an even blend slightly favoring trend.
func DefaultAxisWeights() AxisWeights {
	return AxisWeights{Trend: 0.4, Volatility: 0.25, Liquidity: 0.15, Direction: 0.2}
}

// Validate checks the axis weights are non-negative and sum to 1.
func (w AxisWeights) Validate() error {
	for _, v := range []float64{w.Trend, w.Volatility, w.Liquidity, w.Direction} {
		if v < 0 {
			return fmt.Errorf("axis weights must not be negative")
		}
	}
	sum := w.Trend + w.Volatility + w.Liquidity + w.Direction
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("axis weights must sum to 1, got %v", sum)
	}
	return nil
}

// Selection is the selector's verdict for one instrument cycle.
type Selection struct {
	Strategy  *Strategy       `json:"-"`
	Name      string          `json:"name"`
	Score     float64         `json:"score"`
	Direction types.Direction `json:"direction"`
}

// Selector ranks catalog strategies against a classified market condition.
// Selection is a pure function of its inputs: identical condition and catalog
// always yield the identical result, ties broken by declaration order.
type Selector struct {
	logger  *zap.Logger
	catalog *Catalog
	weights AxisWeights
}

// NewSelector creates a selector over the catalog.
func NewSelector(logger *zap.Logger, catalog *Catalog, weights AxisWeights) *Selector {
	return &Selector{
		logger:  logger.Named("selector"),
		catalog: catalog,
		weights: weights,
	}
}

// Select picks the best-scoring enabled strategy for the condition, or nil
// when the classifier reported unknown trend (the orchestration loop treats
// nil as "skip this instrument this cycle").
func (s *Selector) Select(cond types.MarketCondition) *Selection {
	if !cond.Tradeable() {
		return nil
	}

	direction := directionFor(cond.Trend)

	var best *Selection
	for _, strat := range s.catalog.Enabled() {
		score := s.score(strat, cond, direction)
		// Strict > keeps the first-registered winner on ties.
		if best == nil || score > best.Score {
			best = &Selection{
				Strategy:  strat,
				Name:      strat.Name,
				Score:     score,
				Direction: direction,
			}
		}
	}

	if best == nil || best.Score <= 0 {
		return nil
	}
	return best
}

func (s *Selector) score(strat *Strategy, cond types.MarketCondition, direction types.Direction) float64 {
	w := s.weights
	return w.Trend*strat.Weights.Trend[cond.Trend] +
		w.Volatility*strat.Weights.Volatility[cond.Volatility] +
		w.Liquidity*strat.Weights.Liquidity[cond.Liquidity] +
		w.Direction*strat.Weights.Direction[direction]
}

// directionFor maps a trend label to trade direction. Ranging markets trade
// long by convention; strategies suited to ranges rate both directions in
// their weight tables.
func directionFor(trend types.Trend) types.Direction {
	if trend == types.TrendBearish {
		return types.DirectionShort
	}
	return types.DirectionLong
}

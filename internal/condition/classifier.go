// Package condition classifies the prevailing market regime per instrument.
// It combines a directional-movement trend measure, ATR-relative volatility,
// and spread/volume liquidity into a labeled MarketCondition with a 0-100
// confidence score.
package condition

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// Config configures the classifier.
type Config struct {
	TrendLookback     int           `mapstructure:"trend_lookback"`     // bars for the trend window
	VolatilityWindow  int           `mapstructure:"volatility_window"`  // bars for ATR
	ADXTrendThreshold float64       `mapstructure:"adx_trend_threshold"`// ADX at or above this counts as trending
	ADXChopThreshold  float64       `mapstructure:"adx_chop_threshold"` // ADX below this in high vol counts as choppy
	VolLowThreshold   float64       `mapstructure:"vol_low_threshold"`  // ATR/price below this is low volatility
	VolHighThreshold  float64       `mapstructure:"vol_high_threshold"` // ATR/price at or above this is high volatility
	LiquidityThreshold float64      `mapstructure:"liquidity_threshold"`// combined spread/volume score cutoff
	Weights           Weights       `mapstructure:"weights"`
	MinTradingConfidence float64    `mapstructure:"min_trading_confidence"`
	CacheExpiry       time.Duration `mapstructure:"cache_expiry"`
}

// Weights are the confidence blend factors. They must sum to 1.0.
type Weights struct {
	Trend       float64 `mapstructure:"trend"`
	Volatility  float64 `mapstructure:"volatility"`
	Liquidity   float64 `mapstructure:"liquidity"`
	PriceAction float64 `mapstructure:"price_action"`
}

// Sum returns the total of all weight components.
func (w Weights) Sum() float64 {
	return w.Trend + w.Volatility + w.Liquidity + w.PriceAction
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Trend, w.Volatility, w.Liquidity, w.PriceAction} {
		if v < 0 {
			return fmt.Errorf("weights must not be negative")
		}
	}
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %v", w.Sum())
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TrendLookback:        100,
		VolatilityWindow:     20,
		ADXTrendThreshold:    25,
		ADXChopThreshold:     15,
		VolLowThreshold:      0.002,
		VolHighThreshold:     0.008,
		LiquidityThreshold:   0.5,
		Weights:              Weights{Trend: 0.35, Volatility: 0.25, Liquidity: 0.2, PriceAction: 0.2},
		MinTradingConfidence: 40,
		CacheExpiry:          300 * time.Second,
	}
}

// Classifier turns a window of recent bars into a MarketCondition.
// Classification degrades to unknown/0 on malformed input; it never panics,
// since its output feeds a live trading decision.
type Classifier struct {
	logger *zap.Logger
	config Config
	cache  *Cache
	now    func() time.Time
}

// NewClassifier creates a classifier with its own condition cache.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	return &Classifier{
		logger: logger.Named("classifier"),
		config: config,
		cache:  NewCache(config.CacheExpiry),
		now:    time.Now,
	}
}

// Classify returns the market condition for the instrument. A cache hit
// within the configured TTL short-circuits recomputation.
func (c *Classifier) Classify(instrument string, bars []types.Bar, quote types.Quote, pipSize decimal.Decimal) types.MarketCondition {
	now := c.now()
	if cached, ok := c.cache.Get(instrument, now); ok {
		return cached
	}

	cond := c.compute(instrument, bars, quote, pipSize, now)
	c.cache.Put(instrument, cond)
	return cond
}

// Invalidate drops the cached condition for an instrument.
func (c *Classifier) Invalidate(instrument string) {
	c.cache.Invalidate(instrument)
}

func (c *Classifier) compute(instrument string, bars []types.Bar, quote types.Quote, pipSize decimal.Decimal, now time.Time) types.MarketCondition {
	// DMI smoothing needs two volatility windows plus a seed bar; the trend
	// lookback stretches the window beyond that when configured longer.
	window := 2*c.config.VolatilityWindow + 1
	if c.config.TrendLookback > window {
		window = c.config.TrendLookback
	}
	if len(bars) < window {
		c.logger.Debug("Window too short, degrading to unknown",
			zap.String("instrument", instrument),
			zap.Int("bars", len(bars)),
			zap.Int("required", window))
		return unknownCondition(instrument, now)
	}
	bars = bars[len(bars)-window:]

	highs, lows, closes, volumes, ok := unpack(bars)
	if !ok {
		c.logger.Warn("Malformed window, degrading to unknown",
			zap.String("instrument", instrument))
		return unknownCondition(instrument, now)
	}

	adx, plusDI, minusDI := dmi(highs, lows, closes, c.config.VolatilityWindow)
	atr := averageTrueRange(highs, lows, closes, c.config.VolatilityWindow)
	lastClose := closes[len(closes)-1]

	atrPct := 0.0
	if lastClose > 0 {
		atrPct = atr / lastClose
	}

	trend, trendScore := c.classifyTrend(adx, plusDI, minusDI, atrPct)
	volatility, volScore := c.classifyVolatility(atrPct)
	liquidity, liqScore := c.classifyLiquidity(quote, pipSize, atr, volumes)
	paScore := priceActionScore(bars)

	w := c.config.Weights
	confidence := 100 * (w.Trend*trendScore + w.Volatility*volScore + w.Liquidity*liqScore + w.PriceAction*paScore)
	confidence = clamp(confidence, 0, 100)

	if confidence < c.config.MinTradingConfidence {
		trend = types.TrendUnknown
	}

	return types.MarketCondition{
		Instrument: instrument,
		Trend:      trend,
		Volatility: volatility,
		Liquidity:  liquidity,
		Confidence: confidence,
		ComputedAt: now,
	}
}

// classifyTrend buckets the directional-movement readings. The score is the
// normalized strength of whichever label won.
func (c *Classifier) classifyTrend(adx, plusDI, minusDI, atrPct float64) (types.Trend, float64) {
	switch {
	case adx >= c.config.ADXTrendThreshold && plusDI > minusDI:
		return types.TrendBullish, clamp(adx/50, 0, 1)
	case adx >= c.config.ADXTrendThreshold && minusDI > plusDI:
		return types.TrendBearish, clamp(adx/50, 0, 1)
	case adx < c.config.ADXChopThreshold && atrPct >= c.config.VolHighThreshold:
		// Directionless but violent: worst environment for entries.
		return types.TrendChoppy, 0.2
	default:
		return types.TrendRanging, clamp(1-adx/c.config.ADXTrendThreshold, 0, 1) * 0.8
	}
}

func (c *Classifier) classifyVolatility(atrPct float64) (types.Level, float64) {
	switch {
	case atrPct <= 0:
		return types.LevelUnknown, 0
	case atrPct < c.config.VolLowThreshold:
		return types.LevelLow, 0.6
	case atrPct >= c.config.VolHighThreshold:
		return types.LevelHigh, 0.4
	default:
		// Medium volatility is the most tradeable bucket.
		return types.LevelMedium, 1.0
	}
}

// classifyLiquidity scores spread relative to recent range and volume
// relative to its rolling baseline.
func (c *Classifier) classifyLiquidity(quote types.Quote, pipSize decimal.Decimal, atr float64, volumes []float64) (types.Level, float64) {
	ps, _ := pipSize.Float64()
	if quote.Bid.IsZero() || quote.Ask.IsZero() || len(volumes) == 0 || ps <= 0 {
		return types.LevelUnknown, 0
	}

	spread, _ := quote.Ask.Sub(quote.Bid).Float64()
	spreadPips := spread / ps

	// Majors quote inside a pip or two; the score fades as the spread
	// widens toward five pips.
	spreadScore := clamp(1-(spreadPips-1)/4, 0, 1)
	if atr > 0 {
		// A spread that eats a large share of the true range marks thin
		// books even when it is narrow in absolute terms.
		atrPips := atr / ps
		spreadScore = math.Min(spreadScore, clamp(1-(spreadPips/atrPips)*4, 0, 1))
	}

	baseline := mean(volumes[:len(volumes)-1])
	volumeScore := 0.5
	if baseline > 0 {
		volumeScore = clamp(volumes[len(volumes)-1]/(2*baseline), 0, 1)
	}

	score := 0.5*spreadScore + 0.5*volumeScore
	switch {
	case score >= c.config.LiquidityThreshold:
		return types.LevelHigh, score
	case score >= c.config.LiquidityThreshold/2:
		return types.LevelMedium, score
	default:
		return types.LevelLow, score
	}
}

func unknownCondition(instrument string, now time.Time) types.MarketCondition {
	return types.MarketCondition{
		Instrument: instrument,
		Trend:      types.TrendUnknown,
		Volatility: types.LevelUnknown,
		Liquidity:  types.LevelUnknown,
		Confidence: 0,
		ComputedAt: now,
	}
}

// unpack converts bars to float slices, rejecting non-positive prices and
// inverted high/low pairs.
func unpack(bars []types.Bar) (highs, lows, closes, volumes []float64, ok bool) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	volumes = make([]float64, len(bars))
	for i, b := range bars {
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		cl, _ := b.Close.Float64()
		v, _ := b.Volume.Float64()
		if h <= 0 || l <= 0 || cl <= 0 || h < l {
			return nil, nil, nil, nil, false
		}
		highs[i], lows[i], closes[i], volumes[i] = h, l, cl, v
	}
	return highs, lows, closes, volumes, true
}

// priceActionScore measures directional conviction of the last few candles:
// the average body-to-range ratio, 0 for all-wick chop, 1 for full-body bars.
func priceActionScore(bars []types.Bar) float64 {
	n := 5
	if len(bars) < n {
		n = len(bars)
	}
	if n == 0 {
		return 0
	}
	total := 0.0
	for _, b := range bars[len(bars)-n:] {
		o, _ := b.Open.Float64()
		cl, _ := b.Close.Float64()
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		rng := h - l
		if rng <= 0 {
			continue
		}
		total += math.Abs(cl-o) / rng
	}
	return clamp(total/float64(n), 0, 1)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

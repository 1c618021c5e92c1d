package sizing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testTiers(t *testing.T) *TierSet {
	t.Helper()
	ts, err := NewTierSet([]types.AccountTier{
		{Label: "micro", MinBalance: dec(0), MaxBalance: dec(500), MaxLotSize: dec(0.02), RiskPercentPerTrade: dec(1), MaxConcurrentTrades: 1},
		{Label: "mini", MinBalance: dec(500), MaxBalance: dec(5000), MaxLotSize: dec(0.05), RiskPercentPerTrade: dec(1.5), MaxConcurrentTrades: 2},
		{Label: "standard", MinBalance: dec(5000), MaxLotSize: dec(1), RiskPercentPerTrade: dec(2), MaxConcurrentTrades: 5},
	})
	require.NoError(t, err)
	return ts
}

func eurusd() types.Instrument {
	return types.Instrument{
		Symbol:         "EURUSD",
		PipSize:        dec(0.0001),
		PipValuePerLot: dec(1), // mini-lot pip value for the test account
	}
}

func fixedStopRisk(pips float64) strategy.RiskParams {
	return strategy.RiskParams{
		StopLoss:        strategy.StopLossSpec{Kind: strategy.StopFixedPips, FixedPips: pips},
		TakeProfit:      strategy.TakeProfitSpec{RiskMultiples: []float64{2}},
		RiskRewardRatio: 2,
		MaxSpreadPips:   5,
	}
}

func TestTierPartitionValidation(t *testing.T) {
	// gap between tiers
	_, err := NewTierSet([]types.AccountTier{
		{Label: "a", MinBalance: dec(0), MaxBalance: dec(400), MaxLotSize: dec(0.1), RiskPercentPerTrade: dec(1), MaxConcurrentTrades: 1},
		{Label: "b", MinBalance: dec(500), MaxLotSize: dec(1), RiskPercentPerTrade: dec(1), MaxConcurrentTrades: 1},
	})
	assert.Error(t, err)

	// bounded last tier
	_, err = NewTierSet([]types.AccountTier{
		{Label: "a", MinBalance: dec(0), MaxBalance: dec(400), MaxLotSize: dec(0.1), RiskPercentPerTrade: dec(1), MaxConcurrentTrades: 1},
	})
	assert.Error(t, err)

	// first tier must start at zero
	_, err = NewTierSet([]types.AccountTier{
		{Label: "a", MinBalance: dec(100), MaxLotSize: dec(0.1), RiskPercentPerTrade: dec(1), MaxConcurrentTrades: 1},
	})
	assert.Error(t, err)
}

func TestTierForSelectsByEquity(t *testing.T) {
	ts := testTiers(t)
	assert.Equal(t, "micro", ts.TierFor(dec(0)).Label)
	assert.Equal(t, "micro", ts.TierFor(dec(499.99)).Label)
	assert.Equal(t, "mini", ts.TierFor(dec(500)).Label)
	assert.Equal(t, "mini", ts.TierFor(dec(1000)).Label)
	assert.Equal(t, "standard", ts.TierFor(dec(1000000)).Label)
}

// $1,000 equity in the mini tier (maxLot 0.05,
// risk 1.5%), 15 pip stop, $1 pip value. Raw size 1.0 lots, clamped to 0.05.
func TestSizeClampsToTierMaxLot(t *testing.T) {
	ts := testTiers(t)
	s := NewSizer(zap.NewNop(), DefaultConfig())

	res, err := s.Size(Request{
		Instrument:        eurusd(),
		Equity:            dec(1000),
		Tier:              ts.TierFor(dec(1000)),
		Risk:              fixedStopRisk(15),
		CurrentSpreadPips: 1,
		AverageSpreadPips: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.Size.Equal(dec(0.05)), "got %s", res.Size)
	assert.Equal(t, 15.0, res.StopDistancePips)
	// risk after clamp: 0.05 lots * $1/pip * 15 pips
	assert.True(t, res.RiskAmount.Equal(dec(0.75)), "got %s", res.RiskAmount)
}

func TestSizeWithinBoundsAndVanishesWithStop(t *testing.T) {
	ts := testTiers(t)
	s := NewSizer(zap.NewNop(), DefaultConfig())
	tier := ts.TierFor(dec(2000))

	prev := math.Inf(1)
	for _, stop := range []float64{10, 100, 1000, 100000} {
		res, err := s.Size(Request{
			Instrument:        eurusd(),
			Equity:            dec(2000),
			Tier:              tier,
			Risk:              fixedStopRisk(stop),
			CurrentSpreadPips: 1,
			AverageSpreadPips: 1,
		})
		if err != nil {
			// Stop so wide the size rounds to zero: reported, never negative.
			assert.ErrorIs(t, err, ErrUntradeable)
			continue
		}
		sz := res.Size.InexactFloat64()
		assert.GreaterOrEqual(t, sz, 0.0)
		assert.LessOrEqual(t, sz, tier.MaxLotSize.InexactFloat64())
		assert.LessOrEqual(t, sz, prev)
		assert.False(t, math.IsNaN(sz))
		prev = sz
	}
}

func TestSizeUntradeableAccount(t *testing.T) {
	ts := testTiers(t)
	s := NewSizer(zap.NewNop(), DefaultConfig())

	// $20 account, 200 pip stop: raw size 0.001 lots, below the lot step.
	_, err := s.Size(Request{
		Instrument:        eurusd(),
		Equity:            dec(20),
		Tier:              ts.TierFor(dec(20)),
		Risk:              fixedStopRisk(200),
		CurrentSpreadPips: 1,
		AverageSpreadPips: 1,
	})
	assert.ErrorIs(t, err, ErrUntradeable)
}

func TestSpreadGate(t *testing.T) {
	ts := testTiers(t)
	s := NewSizer(zap.NewNop(), DefaultConfig()) // multiplier 2.0

	req := Request{
		Instrument:        eurusd(),
		Equity:            dec(1000),
		Tier:              ts.TierFor(dec(1000)),
		Risk:              fixedStopRisk(15),
		CurrentSpreadPips: 2.5,
		AverageSpreadPips: 1,
	}
	_, err := s.Size(req)
	assert.ErrorIs(t, err, ErrSpreadTooWide)

	// Strategy's own cap applies even with a calm average.
	req.CurrentSpreadPips = 6
	req.AverageSpreadPips = 6
	_, err = s.Size(req)
	assert.ErrorIs(t, err, ErrSpreadTooWide)
}

func TestSizeATRMultipleStop(t *testing.T) {
	ts := testTiers(t)
	s := NewSizer(zap.NewNop(), DefaultConfig())

	risk := fixedStopRisk(0)
	risk.StopLoss = strategy.StopLossSpec{Kind: strategy.StopATRMultiple, ATRMultiple: 2}

	res, err := s.Size(Request{
		Instrument:        eurusd(),
		Equity:            dec(10000),
		Tier:              ts.TierFor(dec(10000)),
		Risk:              risk,
		ATRPips:           10,
		CurrentSpreadPips: 1,
		AverageSpreadPips: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.StopDistancePips)
	// (10000 * 2%) / (20 * $1) = 10 lots, clamped to 1.0
	assert.True(t, res.Size.Equal(dec(1)), "got %s", res.Size)
}

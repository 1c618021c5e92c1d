package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func testTier() types.AccountTier {
	return types.AccountTier{
		Label:               "standard",
		MinBalance:          decimal.Zero,
		MaxBalance:          decimal.Zero,
		MaxLotSize:          decimal.NewFromInt(1),
		RiskPercentPerTrade: decimal.NewFromFloat(1.5),
		MaxConcurrentTrades: 3,
	}
}

func testInstruments() []types.Instrument {
	return []types.Instrument{
		{Symbol: "EURUSD", CorrelationGroup: "eur-bloc"},
		{Symbol: "GBPUSD", CorrelationGroup: "eur-bloc"},
		{Symbol: "USDJPY", CorrelationGroup: "usd-yen"},
	}
}

func newTestLedger(t *testing.T, equity int64) *Ledger {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig(), events.NewBus(zap.NewNop(), 16), decimal.NewFromInt(equity), testInstruments())
}

func openPosition(id string, risk float64) *types.Position {
	return &types.Position{
		ID:         id,
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		Size:       decimal.NewFromFloat(0.1),
		RiskAmount: decimal.NewFromFloat(risk),
		Status:     types.StatusOpen,
		OpenedAt:   time.Now(),
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxDailyLossPercent = decimal.Zero
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.DrawdownRecoveryHysteresis = bad.MaxDrawdownPercent
	assert.Error(t, bad.Validate())
}

func TestConcurrentTradeLimit(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()

	for i := 0; i < tier.MaxConcurrentTrades; i++ {
		ok, reason := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
		require.True(t, ok, reason)
		l.RecordOpen(openPosition(fmt.Sprintf("p%d", i), 10))
	}

	ok, reason := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.False(t, ok)
	assert.Contains(t, reason, "concurrent trade limit")

	l.RecordClose("p0", decimal.NewFromInt(20), types.CloseTakeProfit)
	ok, _ = l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.True(t, ok)
}

func TestConcurrentTradeLimitIsPerInstrument(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()
	tier.MaxConcurrentTrades = 1

	l.RecordOpen(openPosition("eur", 10))

	ok, reason := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.False(t, ok)
	assert.Contains(t, reason, "EURUSD")

	// Exposure on one instrument does not consume another's slots.
	ok, _ = l.CanAdmit(tier, "USDJPY", decimal.NewFromInt(10))
	assert.True(t, ok)
}

func TestSnapshotAggregatesByInstrumentAndGroup(t *testing.T) {
	l := newTestLedger(t, 10000)

	l.RecordOpen(openPosition("a", 100))
	gbp := openPosition("b", 50)
	gbp.Instrument = "GBPUSD"
	l.RecordOpen(gbp)
	jpy := openPosition("c", 25)
	jpy.Instrument = "USDJPY"
	l.RecordOpen(jpy)

	snap := l.Snapshot()
	assert.Equal(t, map[string]int{"EURUSD": 1, "GBPUSD": 1, "USDJPY": 1}, snap.OpenByInstrument)
	assert.True(t, snap.OpenRiskByGroup["eur-bloc"].Equal(decimal.NewFromInt(150)), snap.OpenRiskByGroup["eur-bloc"].String())
	assert.True(t, snap.OpenRiskByGroup["usd-yen"].Equal(decimal.NewFromInt(25)))

	l.RecordClose("a", decimal.NewFromInt(10), types.CloseTakeProfit)
	snap = l.Snapshot()
	assert.NotContains(t, snap.OpenByInstrument, "EURUSD")
	assert.True(t, snap.OpenRiskByGroup["eur-bloc"].Equal(decimal.NewFromInt(50)))
}

func TestDailyRiskBudget(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()
	tier.MaxConcurrentTrades = 100

	// Budget is 6% of day-start equity = 600. Two open trades at 250
	// leave only 100 headroom.
	l.RecordOpen(openPosition("a", 250))
	l.RecordOpen(openPosition("b", 250))

	ok, _ := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(100))
	assert.True(t, ok)

	ok, reason := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(101))
	assert.False(t, ok)
	assert.Contains(t, reason, "daily risk budget")

	// Realized losses also consume the budget.
	l.RecordClose("a", decimal.NewFromInt(-250), types.CloseStopLoss)
	ok, reason = l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(101))
	assert.False(t, ok)
	assert.Contains(t, reason, "daily risk budget")
}

func TestDailyLossBreakerLatchesUntilNextDay(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()

	current := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	l.day = utcDay(current)

	// 5% daily loss limit on 10000 trips at -500.
	l.RecordOpen(openPosition("x", 500))
	l.RecordClose("x", decimal.NewFromInt(-500), types.CloseStopLoss)

	halted, reason := l.Halted()
	require.True(t, halted)
	assert.Contains(t, reason, "daily loss")

	ok, _ := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.False(t, ok)

	// Still latched later the same day, and Resume refuses to clear it.
	current = current.Add(8 * time.Hour)
	halted, _ = l.Halted()
	assert.True(t, halted)
	assert.Error(t, l.Resume())

	// Clears at the UTC day rollover.
	current = current.Add(3 * time.Hour)
	halted, _ = l.Halted()
	assert.False(t, halted)

	ok, _ = l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.True(t, ok)
}

func TestDrawdownBreakerScenario(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()

	// Equity falls 15% from the high-water mark.
	l.SetEquity(decimal.NewFromInt(8500))

	halted, reason := l.Halted()
	require.True(t, halted)
	assert.Contains(t, reason, "drawdown")

	ok, _ := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.False(t, ok)

	// Recovery to 14% drawdown is inside the hysteresis band and stays
	// latched; 12% clears it.
	l.SetEquity(decimal.NewFromInt(8600))
	halted, _ = l.Halted()
	assert.True(t, halted)

	l.SetEquity(decimal.NewFromInt(8800))
	halted, _ = l.Halted()
	assert.False(t, halted)
}

func TestHighWaterMarkOnlyRises(t *testing.T) {
	l := newTestLedger(t, 10000)

	l.SetEquity(decimal.NewFromInt(12000))
	assert.True(t, l.Snapshot().HighWaterMark.Equal(decimal.NewFromInt(12000)))

	l.SetEquity(decimal.NewFromInt(11000))
	assert.True(t, l.Snapshot().HighWaterMark.Equal(decimal.NewFromInt(12000)))
}

func TestManualHaltAndResume(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()

	l.Halt("operator stop")
	ok, reason := l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.False(t, ok)
	assert.Contains(t, reason, "manual")

	require.NoError(t, l.Resume())
	ok, _ = l.CanAdmit(tier, "EURUSD", decimal.NewFromInt(10))
	assert.True(t, ok)
}

func TestPartialCloseReleasesRisk(t *testing.T) {
	l := newTestLedger(t, 10000)

	l.RecordOpen(openPosition("p", 100))
	l.RecordPartialClose("p", decimal.NewFromFloat(0.5), decimal.NewFromInt(40))

	snap := l.Snapshot()
	assert.True(t, snap.OpenRisk.Equal(decimal.NewFromInt(50)), snap.OpenRisk.String())
	assert.True(t, snap.DailyRealized.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 1, snap.OpenPositions)

	pos, ok := l.Position("p")
	require.True(t, ok)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(40)))
	assert.True(t, pos.RiskAmount.Equal(decimal.NewFromInt(50)))
}

func TestAdmissionSerializedUnderConcurrency(t *testing.T) {
	l := newTestLedger(t, 10000)
	tier := testTier()
	tier.MaxConcurrentTrades = 1000

	// Budget is 600. Each admitted trade commits 50, so at most 12 of the
	// 64 racing goroutines may be admitted.
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.TryAdmit(tier, openPosition(fmt.Sprintf("c%d", i), 50)) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 12, admitted)
	snap := l.Snapshot()
	assert.Equal(t, 12, snap.OpenPositions)
	assert.True(t, snap.OpenRisk.LessThanOrEqual(decimal.NewFromInt(600)))
}

func TestOpenExposureShape(t *testing.T) {
	l := newTestLedger(t, 10000)

	p := openPosition("e", 10)
	p.Instrument = "GBPUSD"
	p.Direction = types.DirectionShort
	l.RecordOpen(p)

	exp := l.OpenExposure()
	require.Len(t, exp, 1)
	assert.Equal(t, "GBPUSD", exp[0].Instrument)
	assert.Equal(t, types.DirectionShort, exp[0].Direction)
}

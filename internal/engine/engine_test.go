package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/condition"
	"github.com/meridianfx/trading-engine/internal/correlation"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/lifecycle"
	"github.com/meridianfx/trading-engine/internal/metrics"
	"github.com/meridianfx/trading-engine/internal/sizing"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/workers"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type stubFeed struct {
	mu     sync.Mutex
	quotes map[string]types.Quote
	bars   map[string][]types.Bar
}

func (f *stubFeed) LatestQuote(_ context.Context, symbol string) (types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes[symbol], nil
}

func (f *stubFeed) RecentBars(_ context.Context, symbol string, _ types.Timeframe, count int) ([]types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars := f.bars[symbol]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

type stubExec struct {
	mu    sync.Mutex
	opens []broker.OpenRequest
}

func (e *stubExec) OpenPosition(_ context.Context, req broker.OpenRequest) (types.FillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, req)
	return types.FillResult{Outcome: types.FillOutcomeFilled, Price: dec(1.1501), Size: req.Size, Timestamp: time.Now()}, nil
}

func (e *stubExec) ClosePosition(_ context.Context, req broker.CloseRequest) (types.FillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := req.Size
	if size.IsZero() {
		// A full close carries no size; fill whatever was opened.
		for _, open := range e.opens {
			if open.PositionID == req.PositionID {
				size = open.Size
			}
		}
	}
	return types.FillResult{Outcome: types.FillOutcomeFilled, Price: dec(1.1544), Size: size, Timestamp: time.Now()}, nil
}

func (e *stubExec) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opens)
}

type stubAccount struct{ equity decimal.Decimal }

func (a *stubAccount) Equity(context.Context) (decimal.Decimal, error) { return a.equity, nil }

// trendingBars produces a clean uptrend so directional movement is
// unambiguous: every bar closes higher than it opened.
func trendingBars(n int, start float64) []types.Bar {
	bars := make([]types.Bar, n)
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	price := start
	for i := range bars {
		open := price
		close := open + 0.0005
		bars[i] = types.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
			Open:      dec(open),
			High:      dec(close + 0.0001),
			Low:       dec(open - 0.0001),
			Close:     dec(close),
			Volume:    decimal.NewFromInt(1000),
		}
		price = close
	}
	return bars
}

func testInstrument() types.Instrument {
	return types.Instrument{
		Symbol:           "EURUSD",
		PipSize:          dec(0.0001),
		PipValuePerLot:   decimal.NewFromInt(10),
		CorrelationGroup: "eur-bloc",
	}
}

func testStrategy() strategy.Strategy {
	all := func(v float64) map[types.Level]float64 {
		return map[types.Level]float64{types.LevelLow: v, types.LevelMedium: v, types.LevelHigh: v, types.LevelUnknown: v}
	}
	return strategy.Strategy{
		Name:    "trend",
		Enabled: true,
		Weights: strategy.RegimeWeights{
			Trend:      map[types.Trend]float64{types.TrendBullish: 10, types.TrendBearish: 10, types.TrendRanging: 8},
			Volatility: all(10),
			Liquidity:  all(10),
			Direction:  map[types.Direction]float64{types.DirectionLong: 10, types.DirectionShort: 10},
		},
		Risk: strategy.RiskParams{
			StopLoss:        strategy.StopLossSpec{Kind: strategy.StopFixedPips, FixedPips: 20},
			TakeProfit:      strategy.TakeProfitSpec{RiskMultiples: []float64{2.0}},
			RiskRewardRatio: 2,
			MaxSpreadPips:   5,
		},
	}
}

// lenientClassifierConfig keeps the classification deterministic on the
// synthetic uptrend: any directional reading counts as a trend.
func lenientClassifierConfig() condition.Config {
	cfg := condition.DefaultConfig()
	cfg.TrendLookback = 50
	cfg.VolatilityWindow = 14
	cfg.ADXTrendThreshold = 5
	cfg.ADXChopThreshold = 1
	cfg.MinTradingConfidence = 0
	cfg.CacheExpiry = 0
	return cfg
}

func testInstruments() []types.Instrument {
	return []types.Instrument{
		testInstrument(),
		{Symbol: "GBPUSD", PipSize: dec(0.0001), PipValuePerLot: decimal.NewFromInt(10), CorrelationGroup: "eur-bloc"},
	}
}

type harness struct {
	engine *Engine
	exec   *stubExec
	ledger *ledger.Ledger
	bus    *events.Bus
	feed   *stubFeed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	inst := testInstrument()
	feed := &stubFeed{
		quotes: map[string]types.Quote{
			"EURUSD": {Symbol: "EURUSD", Bid: dec(1.1499), Ask: dec(1.1500), Timestamp: time.Now()},
		},
		bars: map[string][]types.Bar{"EURUSD": trendingBars(120, 1.0900)},
	}
	exec := &stubExec{}
	bus := events.NewBus(logger, 64)
	led := ledger.New(logger, ledger.DefaultConfig(), bus, decimal.NewFromInt(10000), testInstruments())

	cat := strategy.NewCatalog(logger)
	require.NoError(t, cat.Register(testStrategy()))

	tiers, err := sizing.NewTierSet([]types.AccountTier{{
		Label:               "standard",
		MinBalance:          decimal.Zero,
		MaxBalance:          decimal.Zero,
		MaxLotSize:          dec(2.0),
		RiskPercentPerTrade: decimal.NewFromInt(2),
		MaxConcurrentTrades: 3,
	}})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond

	eng := New(logger, cfg, []types.Instrument{inst}, Deps{
		Classifier:  condition.NewClassifier(logger, lenientClassifierConfig()),
		Selector:    strategy.NewSelector(logger, cat, strategy.DefaultAxisWeights()),
		Correlation: correlation.NewManager(logger, correlation.DefaultConfig(), testInstruments()),
		Tiers:       tiers,
		Sizer:       sizing.NewSizer(logger, sizing.DefaultConfig()),
		Ledger:      led,
		Lifecycle:   lifecycle.NewManager(logger, lifecycle.DefaultConfig(), exec, led, bus),
		Feed:        feed,
		Account:     &stubAccount{equity: decimal.NewFromInt(10000)},
		Pool:        workers.NewPool(logger, workers.DefaultConfig("test")),
		Bus:         bus,
		Metrics:     metrics.New(),
	})

	return &harness{engine: eng, exec: exec, ledger: led, bus: bus, feed: feed}
}

func TestCycleOpensPositionWhenAllGatesPass(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))

	assert.Equal(t, 1, h.exec.openCount())
	snap := h.ledger.Snapshot()
	assert.Equal(t, 1, snap.OpenPositions)
	assert.True(t, snap.OpenRisk.IsPositive())

	req := h.exec.opens[0]
	assert.Equal(t, "EURUSD", req.Instrument)
	assert.Equal(t, types.DirectionLong, req.Direction)
	// Fixed 20-pip stop below the ask-side entry.
	assert.True(t, req.StopLoss.Equal(dec(1.1480)), "got %s", req.StopLoss)
	require.Len(t, req.TakeProfits, 1)
	assert.True(t, req.TakeProfits[0].Equal(dec(1.1540)), "got %s", req.TakeProfits[0])
}

func TestCycleSkipsEntryWhilePositionOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))

	assert.Equal(t, 1, h.exec.openCount())
	assert.Equal(t, 1, h.ledger.Snapshot().OpenPositions)
}

func TestCycleDoesNothingWhileStopped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	assert.Equal(t, 0, h.exec.openCount())

	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))
	h.engine.StopTrading()
	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	assert.Equal(t, 0, h.exec.openCount())
}

func TestHaltedLedgerBlocksEntriesButKeepsEvaluating(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))

	// Open first, then halt: the open position must stay managed while no
	// new entries are admitted.
	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	require.Equal(t, 1, h.exec.openCount())

	h.ledger.Halt("operator halt")

	// Move the quote through the take-profit so evaluation has work to do.
	h.feed.mu.Lock()
	h.feed.quotes["EURUSD"] = types.Quote{Symbol: "EURUSD", Bid: dec(1.1545), Ask: dec(1.1546), Timestamp: time.Now()}
	h.feed.mu.Unlock()

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))

	snap := h.ledger.Snapshot()
	assert.Equal(t, 0, snap.OpenPositions, "take-profit close must run while halted")
	assert.True(t, snap.DailyRealized.IsPositive())
	assert.Equal(t, 1, h.exec.openCount(), "no new entry while halted")
}

func TestToggleInstrumentDisablesEntries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))
	require.NoError(t, h.engine.ToggleInstrument("EURUSD", false))

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	assert.Equal(t, 0, h.exec.openCount())

	assert.Error(t, h.engine.ToggleInstrument("XAUUSD", false))
}

func TestStartTradingRejectsUnknownInstrument(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.engine.StartTrading([]string{"XAUUSD"}, RiskBalanced))
}

func TestConservativeRiskHalvesPositionRisk(t *testing.T) {
	balanced := newHarness(t)
	require.NoError(t, balanced.engine.StartTrading(nil, RiskBalanced))
	require.NoError(t, balanced.engine.cycle(context.Background(), "EURUSD"))

	conservative := newHarness(t)
	require.NoError(t, conservative.engine.StartTrading(nil, RiskConservative))
	require.NoError(t, conservative.engine.cycle(context.Background(), "EURUSD"))

	full := balanced.ledger.Snapshot().OpenRisk
	half := conservative.ledger.Snapshot().OpenRisk
	require.True(t, full.IsPositive())
	require.True(t, half.IsPositive())
	assert.True(t, half.LessThan(full), "conservative %s vs balanced %s", half, full)
}

func TestCorrelationGateRejectsSameGroupExposure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskBalanced))

	// A pre-existing opposite-direction position in the same correlation
	// group blocks the new entry.
	h.ledger.RecordOpen(&types.Position{
		ID:         "existing",
		Instrument: "GBPUSD",
		Direction:  types.DirectionShort,
		RiskAmount: decimal.NewFromInt(10),
		Status:     types.StatusOpen,
	})
	// No measured history yet: the matrix falls back to the group constant.
	h.engine.correlation.Refresh(time.Now())

	rejections := 0
	h.bus.Subscribe(events.EventTypeAdmission, func(events.Event) { rejections++ })

	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))
	assert.Equal(t, 0, h.exec.openCount())
	assert.Equal(t, 1, rejections)
}

func TestStatusReflectsEngineState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.StartTrading(nil, RiskConservative))
	require.NoError(t, h.engine.cycle(context.Background(), "EURUSD"))

	status := h.engine.Status()
	assert.True(t, status.Running)
	assert.Equal(t, RiskConservative, status.RiskLevel)
	require.Len(t, status.Instruments, 1)

	is := status.Instruments[0]
	assert.Equal(t, "EURUSD", is.Symbol)
	assert.True(t, is.Active)
	assert.Equal(t, types.TrendBullish, is.Condition.Trend)
	assert.True(t, is.HasOpen)
	require.NotNil(t, is.Selection)
	assert.Equal(t, "trend", is.Selection.Name)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}
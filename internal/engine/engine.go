// Package engine runs the orchestration loop: one evaluation cycle per
// instrument per tick, fanned out on a worker pool, with every trade passing
// the correlation, ledger, and sizing gates before an order is placed.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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

// Config contains loop timing and lookback windows.
type Config struct {
	TickInterval      time.Duration   `mapstructure:"tick_interval" json:"tickInterval"`
	Timeframe         types.Timeframe `mapstructure:"timeframe" json:"timeframe"`
	BarLookback       int             `mapstructure:"bar_lookback" json:"barLookback"`
	StructureLookback int             `mapstructure:"structure_lookback" json:"structureLookback"`
}

// DefaultConfig returns engine defaults. The bar lookback must cover the
// classifier's largest window.
func DefaultConfig() Config {
	return Config{
		TickInterval:      15 * time.Second,
		Timeframe:         types.Timeframe1m,
		BarLookback:       150,
		StructureLookback: 20,
	}
}

// RiskLevel scales the per-trade risk below the tier's ceiling. It never
// raises it.
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskBalanced     RiskLevel = "balanced"
)

func (r RiskLevel) multiplier() decimal.Decimal {
	if r == RiskConservative {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(1)
}

// Engine wires the components together and drives the tick loop.
type Engine struct {
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics

	classifier  *condition.Classifier
	selector    *strategy.Selector
	correlation *correlation.Manager
	tiers       *sizing.TierSet
	sizer       *sizing.Sizer
	ledger      *ledger.Ledger
	lifecycle   *lifecycle.Manager
	feed        broker.MarketFeed
	account     broker.AccountClient
	pool        *workers.Pool
	bus         *events.Bus

	instruments map[string]types.Instrument

	mu        sync.Mutex
	running   bool
	riskLevel RiskLevel
	active    map[string]bool
	lastCond  map[string]types.MarketCondition
	lastSel   map[string]strategy.Selection
	lastClose map[string]decimal.Decimal
	avgSpread map[string]float64
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Classifier  *condition.Classifier
	Selector    *strategy.Selector
	Correlation *correlation.Manager
	Tiers       *sizing.TierSet
	Sizer       *sizing.Sizer
	Ledger      *ledger.Ledger
	Lifecycle   *lifecycle.Manager
	Feed        broker.MarketFeed
	Account     broker.AccountClient
	Pool        *workers.Pool
	Bus         *events.Bus
	Metrics     *metrics.Metrics
}

// New creates the engine over already-constructed components.
func New(logger *zap.Logger, config Config, instruments []types.Instrument, deps Deps) *Engine {
	byName := make(map[string]types.Instrument, len(instruments))
	active := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		byName[inst.Symbol] = inst
		active[inst.Symbol] = true
	}
	return &Engine{
		logger:      logger.Named("engine"),
		config:      config,
		metrics:     deps.Metrics,
		classifier:  deps.Classifier,
		selector:    deps.Selector,
		correlation: deps.Correlation,
		tiers:       deps.Tiers,
		sizer:       deps.Sizer,
		ledger:      deps.Ledger,
		lifecycle:   deps.Lifecycle,
		feed:        deps.Feed,
		account:     deps.Account,
		pool:        deps.Pool,
		bus:         deps.Bus,
		instruments: byName,
		riskLevel:   RiskBalanced,
		active:      active,
		lastCond:    make(map[string]types.MarketCondition),
		lastSel:     make(map[string]strategy.Selection),
		lastClose:   make(map[string]decimal.Decimal),
		avgSpread:   make(map[string]float64),
	}
}

// Run drives the tick loop until the context is canceled. Open positions keep
// being evaluated even while trading is stopped, so halting never abandons
// open risk.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start()
	defer e.pool.Stop()

	go e.correlation.Run(ctx)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.logger.Info("Orchestration loop started",
		zap.Duration("tickInterval", e.config.TickInterval),
		zap.Int("instruments", len(e.instruments)))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Orchestration loop stopping")
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick fans one cycle per instrument out to the pool and refreshes the
// ledger gauges.
func (e *Engine) tick(ctx context.Context) {
	e.reconcileEquity(ctx)

	for symbol := range e.instruments {
		sym := symbol
		err := e.pool.Submit(func(taskCtx context.Context) error {
			start := time.Now()
			defer func() {
				e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
			}()
			return e.cycle(taskCtx, sym)
		})
		if err != nil {
			e.logger.Warn("Cycle not scheduled", zap.String("instrument", sym), zap.Error(err))
		}
	}

	snap := e.ledger.Snapshot()
	equity, _ := snap.Equity.Float64()
	daily, _ := snap.DailyRealized.Float64()
	dd, _ := snap.DrawdownPct.Float64()
	e.metrics.Equity.Set(equity)
	e.metrics.DailyPnL.Set(daily)
	e.metrics.DrawdownPct.Set(dd)
	e.metrics.OpenPositions.Set(float64(snap.OpenPositions))
	if snap.Halted {
		e.metrics.CircuitBreaker.Set(1)
	} else {
		e.metrics.CircuitBreaker.Set(0)
	}
}

// reconcileEquity folds the broker-reported equity into the ledger.
func (e *Engine) reconcileEquity(ctx context.Context) {
	equity, err := e.account.Equity(ctx)
	if err != nil {
		e.logger.Warn("Account equity unavailable", zap.Error(err))
		return
	}
	e.ledger.SetEquity(equity)
}

// cycle is one instrument's evaluation pass.
func (e *Engine) cycle(ctx context.Context, symbol string) error {
	inst := e.instruments[symbol]
	e.metrics.CyclesTotal.WithLabelValues(symbol).Inc()

	quote, err := e.feed.LatestQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("engine: quote %s: %w", symbol, err)
	}
	bars, err := e.feed.RecentBars(ctx, symbol, e.config.Timeframe, e.config.BarLookback)
	if err != nil {
		return fmt.Errorf("engine: bars %s: %w", symbol, err)
	}

	e.observeReturn(symbol, bars)
	spreadNow := e.observeSpread(symbol, quote, inst)

	// Open positions are always managed, even stopped or halted.
	e.lifecycle.Evaluate(ctx, symbol, quote)

	cond := e.classifier.Classify(symbol, bars, quote, inst.PipSize)

	e.mu.Lock()
	prev, had := e.lastCond[symbol]
	e.lastCond[symbol] = cond
	running := e.running
	active := e.active[symbol]
	riskMult := e.riskLevel.multiplier()
	e.mu.Unlock()

	if !had || prev.Trend != cond.Trend || prev.Volatility != cond.Volatility {
		e.bus.Publish(events.New(events.EventTypeCondition, events.SeverityInfo, symbol,
			fmt.Sprintf("%s/%s vol, confidence %.0f", cond.Trend, cond.Volatility, cond.Confidence), cond))
	}

	e.reviewOpenPositions(ctx, symbol, cond, quote)

	if !running || !active {
		return nil
	}

	if halted, _ := e.ledger.Halted(); halted {
		// Close-only mode: evaluation above already ran.
		e.skip(symbol, "halted")
		return nil
	}

	if !cond.Tradeable() {
		e.skip(symbol, "condition_unknown")
		return nil
	}

	if e.lifecycle.HasOpen(symbol) {
		e.skip(symbol, "position_open")
		return nil
	}

	sel := e.selector.Select(cond)
	if sel == nil {
		e.skip(symbol, "no_strategy")
		return nil
	}
	e.mu.Lock()
	e.lastSel[symbol] = *sel
	e.mu.Unlock()

	if ok, reason := e.correlation.CanOpen(symbol, sel.Direction, e.openExposure()); !ok {
		e.reject(symbol, "correlation", reason)
		return nil
	}

	return e.enter(ctx, inst, quote, bars, sel, spreadNow, riskMult)
}

// enter sizes, admits, and opens a new position.
func (e *Engine) enter(ctx context.Context, inst types.Instrument, quote types.Quote, bars []types.Bar, sel *strategy.Selection, spreadNow float64, riskMult decimal.Decimal) error {
	symbol := inst.Symbol

	entry := quote.Ask
	if sel.Direction == types.DirectionShort {
		entry = quote.Bid
	}

	atrPips := condition.ATRPips(bars, 14, inst.PipSize)
	structPips := condition.StructurePips(bars, e.config.StructureLookback, sel.Direction, entry, inst.PipSize)

	equity := e.ledger.Equity()
	tier := e.tiers.TierFor(equity)
	tier.RiskPercentPerTrade = tier.RiskPercentPerTrade.Mul(riskMult)

	e.mu.Lock()
	avgSpread := e.avgSpread[symbol]
	e.mu.Unlock()

	result, err := e.sizer.Size(sizing.Request{
		Instrument:        inst,
		Equity:            equity,
		Tier:              tier,
		Risk:              sel.Strategy.Risk,
		ATRPips:           atrPips,
		StructurePips:     structPips,
		CurrentSpreadPips: spreadNow,
		AverageSpreadPips: avgSpread,
	})
	if err != nil {
		e.reject(symbol, "sizing", err.Error())
		return nil
	}

	stopDist := decimal.NewFromFloat(result.StopDistancePips).Mul(inst.PipSize)
	stop := entry.Sub(stopDist)
	if sel.Direction == types.DirectionShort {
		stop = entry.Add(stopDist)
	}

	pos := &types.Position{
		ID:          uuid.New().String(),
		Instrument:  symbol,
		Strategy:    sel.Name,
		Direction:   sel.Direction,
		EntryPrice:  entry,
		Size:        result.Size,
		StopLoss:    stop,
		TakeProfits: sel.Strategy.Risk.TakeProfitLevels(entry, stopDist, sel.Direction),
		RiskAmount:  result.RiskAmount,
		Status:      types.StatusPendingEntry,
	}

	// Admission and risk commitment are one critical section; the entry is
	// only placed once the budget is reserved.
	if !e.ledger.TryAdmit(tier, copyForLedger(pos)) {
		_, reason := e.ledger.CanAdmit(tier, symbol, pos.RiskAmount)
		e.reject(symbol, "ledger", reason)
		return nil
	}

	partial := decimal.NewFromFloat(sel.Strategy.Risk.TakeProfit.PartialFraction)
	if err := e.lifecycle.Open(ctx, pos, inst, partial); err != nil {
		e.metrics.OrdersTotal.WithLabelValues("open", "failed").Inc()
		return nil
	}
	e.metrics.OrdersTotal.WithLabelValues("open", "filled").Inc()
	return nil
}

// reviewOpenPositions closes positions whose direction the regime has turned
// against. Reviews run on the lifecycle's cadence, not every tick.
func (e *Engine) reviewOpenPositions(ctx context.Context, symbol string, cond types.MarketCondition, quote types.Quote) {
	for _, pos := range e.lifecycle.ReviewDue(symbol) {
		if !regimeAgainst(pos.Direction, cond.Trend) {
			continue
		}
		if err := e.lifecycle.Close(ctx, pos.ID, types.CloseStrategyReversal, quote); err != nil {
			e.logger.Warn("Reversal close failed", zap.String("id", pos.ID), zap.Error(err))
		}
	}
}

func regimeAgainst(dir types.Direction, trend types.Trend) bool {
	switch trend {
	case types.TrendBullish:
		return dir == types.DirectionShort
	case types.TrendBearish:
		return dir == types.DirectionLong
	default:
		return false
	}
}

// observeReturn feeds the newest bar-over-bar log return to the correlation
// manager.
func (e *Engine) observeReturn(symbol string, bars []types.Bar) {
	if len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1].Close

	e.mu.Lock()
	prev, ok := e.lastClose[symbol]
	e.lastClose[symbol] = last
	e.mu.Unlock()

	if !ok || !prev.IsPositive() || !last.IsPositive() || prev.Equal(last) {
		return
	}
	ratio, _ := last.Div(prev).Float64()
	if ratio > 0 {
		e.correlation.AddReturn(symbol, math.Log(ratio))
	}
}

// observeSpread updates the instrument's spread EWMA and returns the current
// spread in pips.
func (e *Engine) observeSpread(symbol string, quote types.Quote, inst types.Instrument) float64 {
	now, _ := quote.SpreadPips(inst.PipSize).Float64()

	e.mu.Lock()
	defer e.mu.Unlock()
	avg, ok := e.avgSpread[symbol]
	if !ok {
		e.avgSpread[symbol] = now
		return now
	}
	e.avgSpread[symbol] = avg*0.9 + now*0.1
	return now
}

func (e *Engine) openExposure() []correlation.OpenExposure {
	raw := e.ledger.OpenExposure()
	out := make([]correlation.OpenExposure, len(raw))
	for i, r := range raw {
		out[i] = correlation.OpenExposure{Instrument: r.Instrument, Direction: r.Direction}
	}
	return out
}

func (e *Engine) skip(symbol, reason string) {
	e.metrics.CyclesSkipped.WithLabelValues(reason).Inc()
	e.logger.Debug("Cycle skipped", zap.String("instrument", symbol), zap.String("reason", reason))
	e.bus.Publish(events.New(events.EventTypeCycleSkipped, events.SeverityInfo, symbol, reason, nil))
}

func (e *Engine) reject(symbol, gate, reason string) {
	e.metrics.AdmissionRejected.WithLabelValues(gate).Inc()
	e.logger.Info("Admission rejected",
		zap.String("instrument", symbol),
		zap.String("gate", gate),
		zap.String("reason", reason))
	e.bus.Publish(events.New(events.EventTypeAdmission, events.SeverityWarning, symbol,
		fmt.Sprintf("%s: %s", gate, reason), nil))
}

func copyForLedger(pos *types.Position) *types.Position {
	c := *pos
	c.TakeProfits = append([]decimal.Decimal(nil), pos.TakeProfits...)
	return &c
}

// StartTrading enables new entries. An empty instrument list enables all
// configured instruments; the risk level only scales risk down, never up.
func (e *Engine) StartTrading(instruments []string, level RiskLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(instruments) > 0 {
		requested := make(map[string]bool, len(instruments))
		for _, sym := range instruments {
			if _, ok := e.instruments[sym]; !ok {
				return fmt.Errorf("engine: unknown instrument %s", sym)
			}
			requested[sym] = true
		}
		for sym := range e.active {
			e.active[sym] = requested[sym]
		}
	} else {
		for sym := range e.active {
			e.active[sym] = true
		}
	}

	if level != "" {
		e.riskLevel = level
	}
	e.running = true

	e.logger.Info("Trading started",
		zap.Strings("instruments", instruments),
		zap.String("riskLevel", string(e.riskLevel)))
	return nil
}

// StopTrading disables new entries. Open positions stay managed.
func (e *Engine) StopTrading() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logger.Info("Trading stopped, managing open positions only")
}

// ToggleInstrument flips one instrument's enablement flag.
func (e *Engine) ToggleInstrument(symbol string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instruments[symbol]; !ok {
		return fmt.Errorf("engine: unknown instrument %s", symbol)
	}
	e.active[symbol] = active
	e.logger.Info("Instrument toggled", zap.String("instrument", symbol), zap.Bool("active", active))
	return nil
}

// InstrumentStatus is one instrument's slice of the status feed.
type InstrumentStatus struct {
	Symbol    string                `json:"symbol"`
	Active    bool                  `json:"active"`
	Condition types.MarketCondition `json:"condition"`
	Selection *strategy.Selection   `json:"selection,omitempty"`
	HasOpen   bool                  `json:"hasOpenPosition"`
}

// Status is the read-only state exposed to the dashboard.
type Status struct {
	Running     bool               `json:"running"`
	RiskLevel   RiskLevel          `json:"riskLevel"`
	Instruments []InstrumentStatus `json:"instruments"`
	Ledger      ledger.Snapshot    `json:"ledger"`
	Pool        workers.Stats      `json:"pool"`
}

// Status assembles the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	instruments := make([]InstrumentStatus, 0, len(e.instruments))
	for sym := range e.instruments {
		is := InstrumentStatus{
			Symbol:    sym,
			Active:    e.active[sym],
			Condition: e.lastCond[sym],
			HasOpen:   e.lifecycle.HasOpen(sym),
		}
		if sel, ok := e.lastSel[sym]; ok {
			selCopy := sel
			is.Selection = &selCopy
		}
		instruments = append(instruments, is)
	}
	sort.Slice(instruments, func(i, j int) bool {
		return instruments[i].Symbol < instruments[j].Symbol
	})

	return Status{
		Running:     e.running,
		RiskLevel:   e.riskLevel,
		Instruments: instruments,
		Ledger:      e.ledger.Snapshot(),
		Pool:        e.pool.Stats(),
	}
}

// Package ledger tracks account risk state and enforces the circuit breakers
// gating new trade admission.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// HaltKind identifies why trading was halted.
type HaltKind string

const (
	HaltNone      HaltKind = ""
	HaltDailyLoss HaltKind = "daily_loss"
	HaltDrawdown  HaltKind = "drawdown"
	HaltManual    HaltKind = "manual"
)

// Config contains ledger limits. Percent fields are expressed as whole
// percentages (5 means 5%).
type Config struct {
	MaxDailyLossPercent       decimal.Decimal `mapstructure:"max_daily_loss_percent" json:"maxDailyLossPercent"`
	MaxDrawdownPercent        decimal.Decimal `mapstructure:"max_drawdown_percent" json:"maxDrawdownPercent"`
	MaxDailyRiskPercent       decimal.Decimal `mapstructure:"max_daily_risk_percent" json:"maxDailyRiskPercent"`
	DrawdownRecoveryHysteresis decimal.Decimal `mapstructure:"drawdown_recovery_hysteresis" json:"drawdownRecoveryHysteresis"`
}

// DefaultConfig returns conservative ledger limits.
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPercent:        decimal.NewFromInt(5),
		MaxDrawdownPercent:         decimal.NewFromInt(15),
		MaxDailyRiskPercent:        decimal.NewFromInt(6),
		DrawdownRecoveryHysteresis: decimal.NewFromInt(2),
	}
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	if c.MaxDailyLossPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max_daily_loss_percent must be positive")
	}
	if c.MaxDrawdownPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max_drawdown_percent must be positive")
	}
	if c.MaxDailyRiskPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max_daily_risk_percent must be positive")
	}
	if c.DrawdownRecoveryHysteresis.IsNegative() {
		return fmt.Errorf("drawdown_recovery_hysteresis must not be negative")
	}
	if c.DrawdownRecoveryHysteresis.GreaterThanOrEqual(c.MaxDrawdownPercent) {
		return fmt.Errorf("drawdown_recovery_hysteresis must be below max_drawdown_percent")
	}
	return nil
}

// Ledger is the single source of truth for account risk state. All mutation
// goes through one mutex so that admission checks and trade records are
// serialized: two concurrent cycle goroutines cannot both pass an admission
// check that only one of them should survive.
type Ledger struct {
	logger *zap.Logger
	config Config
	bus    *events.Bus

	mu sync.Mutex

	equity         decimal.Decimal
	highWaterMark  decimal.Decimal
	dayStartEquity decimal.Decimal
	dailyRealized  decimal.Decimal
	day            time.Time

	open     map[string]*types.Position
	openRisk decimal.Decimal
	groupOf  map[string]string // instrument -> correlation group

	halt       HaltKind
	haltReason string
	haltedAt   time.Time

	now func() time.Time
}

// New creates a ledger seeded with the current account equity. The instrument
// definitions supply correlation group membership for the per-group risk
// aggregates.
func New(logger *zap.Logger, config Config, bus *events.Bus, equity decimal.Decimal, instruments []types.Instrument) *Ledger {
	groupOf := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		if inst.CorrelationGroup != "" {
			groupOf[inst.Symbol] = inst.CorrelationGroup
		}
	}
	l := &Ledger{
		logger:         logger.Named("ledger"),
		config:         config,
		bus:            bus,
		equity:         equity,
		highWaterMark:  equity,
		dayStartEquity: equity,
		open:           make(map[string]*types.Position),
		groupOf:        groupOf,
		now:            time.Now,
	}
	l.day = utcDay(l.now())
	return l
}

// utcDay truncates a time to its UTC calendar day.
func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// maybeReset rolls the daily counters when the UTC day has changed. A
// daily-loss halt clears at the rollover; a drawdown halt only clears once
// equity has recovered.
func (l *Ledger) maybeReset(now time.Time) {
	today := utcDay(now)
	if !today.After(l.day) {
		return
	}
	l.day = today
	l.dailyRealized = decimal.Zero
	l.dayStartEquity = l.equity

	if l.halt == HaltDailyLoss {
		l.clearHalt("daily loss window reset")
	}
	l.logger.Info("Daily risk counters reset",
		zap.Time("day", today),
		zap.String("dayStartEquity", l.equity.String()))
}

// CanAdmit reports whether a new trade on the instrument with the proposed
// risk amount may be opened under the given tier. The returned reason is
// empty on admission.
func (l *Ledger) CanAdmit(tier types.AccountTier, instrument string, proposedRisk decimal.Decimal) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAdmitLocked(tier, instrument, proposedRisk)
}

func (l *Ledger) canAdmitLocked(tier types.AccountTier, instrument string, proposedRisk decimal.Decimal) (bool, string) {
	l.maybeReset(l.now())

	if l.halt != HaltNone {
		return false, fmt.Sprintf("trading halted (%s): %s", l.halt, l.haltReason)
	}

	// The concurrent limit is per instrument; total exposure is bounded by
	// the daily risk budget below.
	count := 0
	for _, p := range l.open {
		if p.Instrument == instrument {
			count++
		}
	}
	if count >= tier.MaxConcurrentTrades {
		return false, fmt.Sprintf("concurrent trade limit for %s reached (%d/%d)", instrument, count, tier.MaxConcurrentTrades)
	}

	// Daily risk budget covers losses already realized today plus risk
	// still committed to open positions.
	realizedLoss := decimal.Zero
	if l.dailyRealized.IsNegative() {
		realizedLoss = l.dailyRealized.Neg()
	}
	committed := realizedLoss.Add(l.openRisk).Add(proposedRisk)
	budget := l.dayStartEquity.Mul(l.config.MaxDailyRiskPercent).Div(decimal.NewFromInt(100))
	if committed.GreaterThan(budget) {
		return false, fmt.Sprintf("daily risk budget exceeded (%s committed, %s allowed)",
			committed.StringFixed(2), budget.StringFixed(2))
	}

	return true, ""
}

// TryAdmit runs the admission check and, on success, registers the position
// in one critical section. Cycle goroutines racing for the last slot of the
// risk budget must use this instead of CanAdmit followed by RecordOpen.
func (l *Ledger) TryAdmit(tier types.AccountTier, pos *types.Position) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ok, _ := l.canAdmitLocked(tier, pos.Instrument, pos.RiskAmount); !ok {
		return false
	}
	l.recordOpenLocked(pos)
	return true
}

// RecordOpen registers a newly opened position and its committed risk.
func (l *Ledger) RecordOpen(pos *types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordOpenLocked(pos)
}

func (l *Ledger) recordOpenLocked(pos *types.Position) {
	l.open[pos.ID] = pos
	l.openRisk = l.openRisk.Add(pos.RiskAmount)

	l.logger.Info("Position registered",
		zap.String("id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("riskAmount", pos.RiskAmount.String()),
		zap.Int("openCount", len(l.open)))
}

// RecordPartialClose applies realized profit from a partial take-profit fill
// and releases the matching share of committed risk.
func (l *Ledger) RecordPartialClose(id string, closedFraction, pnl decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[id]
	if !ok {
		l.logger.Warn("Partial close for unknown position", zap.String("id", id))
		return
	}

	released := pos.RiskAmount.Mul(closedFraction)
	pos.RiskAmount = pos.RiskAmount.Sub(released)
	l.openRisk = l.openRisk.Sub(released)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

	l.applyRealized(pnl)
}

// RecordClose removes a position and applies its final realized result.
func (l *Ledger) RecordClose(id string, pnl decimal.Decimal, reason types.CloseReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[id]
	if ok {
		l.openRisk = l.openRisk.Sub(pos.RiskAmount)
		delete(l.open, id)
	}

	l.applyRealized(pnl)

	l.logger.Info("Position settled",
		zap.String("id", id),
		zap.String("reason", string(reason)),
		zap.String("pnl", pnl.String()),
		zap.String("dailyRealized", l.dailyRealized.String()))
}

// applyRealized updates equity and checks the circuit breakers. Caller holds
// the mutex.
func (l *Ledger) applyRealized(pnl decimal.Decimal) {
	l.maybeReset(l.now())

	l.dailyRealized = l.dailyRealized.Add(pnl)
	l.equity = l.equity.Add(pnl)

	if l.equity.GreaterThan(l.highWaterMark) {
		l.highWaterMark = l.equity
	}

	l.checkBreakers()
}

// SetEquity reconciles ledger equity with the broker account balance.
func (l *Ledger) SetEquity(equity decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.equity = equity
	if l.equity.GreaterThan(l.highWaterMark) {
		l.highWaterMark = l.equity
	}
	l.checkBreakers()
}

// checkBreakers trips or clears the automatic halts. Caller holds the mutex.
func (l *Ledger) checkBreakers() {
	hundred := decimal.NewFromInt(100)

	if l.halt == HaltNone && l.dayStartEquity.IsPositive() {
		lossLimit := l.dayStartEquity.Mul(l.config.MaxDailyLossPercent).Div(hundred)
		if l.dailyRealized.Neg().GreaterThanOrEqual(lossLimit) {
			l.tripHalt(HaltDailyLoss, fmt.Sprintf("daily loss %s reached limit %s",
				l.dailyRealized.StringFixed(2), lossLimit.Neg().StringFixed(2)))
			return
		}
	}

	if !l.highWaterMark.IsPositive() {
		return
	}
	drawdownPct := l.highWaterMark.Sub(l.equity).Div(l.highWaterMark).Mul(hundred)

	switch l.halt {
	case HaltNone:
		if drawdownPct.GreaterThanOrEqual(l.config.MaxDrawdownPercent) {
			l.tripHalt(HaltDrawdown, fmt.Sprintf("drawdown %s%% reached limit %s%%",
				drawdownPct.StringFixed(2), l.config.MaxDrawdownPercent.String()))
		}
	case HaltDrawdown:
		// Latched until equity recovers past the hysteresis band, so a
		// small bounce cannot flap the breaker.
		recoverAt := l.config.MaxDrawdownPercent.Sub(l.config.DrawdownRecoveryHysteresis)
		if drawdownPct.LessThan(recoverAt) {
			l.clearHalt(fmt.Sprintf("drawdown recovered to %s%%", drawdownPct.StringFixed(2)))
		}
	}
}

// tripHalt latches a halt and publishes the circuit breaker event. Caller
// holds the mutex.
func (l *Ledger) tripHalt(kind HaltKind, reason string) {
	l.halt = kind
	l.haltReason = reason
	l.haltedAt = l.now()

	l.logger.Error("Circuit breaker tripped",
		zap.String("kind", string(kind)),
		zap.String("reason", reason))

	if l.bus != nil {
		l.bus.Publish(events.New(events.EventTypeCircuitBreaker, events.SeverityCritical, "",
			reason, map[string]any{"kind": string(kind)}))
	}
}

// clearHalt releases a latched halt. Caller holds the mutex.
func (l *Ledger) clearHalt(reason string) {
	prev := l.halt
	l.halt = HaltNone
	l.haltReason = ""
	l.haltedAt = time.Time{}

	l.logger.Info("Circuit breaker cleared",
		zap.String("kind", string(prev)),
		zap.String("reason", reason))

	if l.bus != nil {
		l.bus.Publish(events.New(events.EventTypeCircuitBreaker, events.SeverityInfo, "",
			"trading resumed: "+reason, map[string]any{"kind": string(prev)}))
	}
}

// Halt latches a manual halt. New admissions are rejected until Resume.
func (l *Ledger) Halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tripHalt(HaltManual, reason)
}

// Resume clears a manual halt. Automatic halts stay latched: a daily-loss
// halt clears at the next UTC day and a drawdown halt clears on recovery.
func (l *Ledger) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.halt {
	case HaltNone:
		return nil
	case HaltManual:
		l.clearHalt("manual resume")
		return nil
	default:
		return fmt.Errorf("cannot resume: %s halt is latched (%s)", l.halt, l.haltReason)
	}
}

// Halted reports the current halt state and reason.
func (l *Ledger) Halted() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeReset(l.now())
	return l.halt != HaltNone, l.haltReason
}

// Position returns the open position with the given ID, if any.
func (l *Ledger) Position(id string) (types.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[id]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// OpenPositions returns a copy of all open positions.
func (l *Ledger) OpenPositions() []types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	return out
}

// OpenExposure lists instrument and direction for every open position,
// shaped for correlation admission checks.
func (l *Ledger) OpenExposure() []struct {
	Instrument string
	Direction  types.Direction
} {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]struct {
		Instrument string
		Direction  types.Direction
	}, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, struct {
			Instrument string
			Direction  types.Direction
		}{p.Instrument, p.Direction})
	}
	return out
}

// Snapshot captures the ledger state for the status API.
type Snapshot struct {
	Equity           decimal.Decimal            `json:"equity"`
	HighWaterMark    decimal.Decimal            `json:"highWaterMark"`
	DrawdownPct      decimal.Decimal            `json:"drawdownPercent"`
	DailyRealized    decimal.Decimal            `json:"dailyRealizedPnL"`
	OpenPositions    int                        `json:"openPositions"`
	OpenByInstrument map[string]int             `json:"openPositionsByInstrument"`
	OpenRisk         decimal.Decimal            `json:"openRisk"`
	OpenRiskByGroup  map[string]decimal.Decimal `json:"openRiskByCorrelationGroup"`
	Halted           bool                       `json:"halted"`
	HaltKind         HaltKind                   `json:"haltKind,omitempty"`
	HaltReason       string                     `json:"haltReason,omitempty"`
	HaltedAt         time.Time                  `json:"haltedAt,omitempty"`
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeReset(l.now())

	drawdown := decimal.Zero
	if l.highWaterMark.IsPositive() {
		drawdown = l.highWaterMark.Sub(l.equity).Div(l.highWaterMark).Mul(decimal.NewFromInt(100))
	}

	byInstrument := make(map[string]int, len(l.open))
	byGroup := make(map[string]decimal.Decimal)
	for _, p := range l.open {
		byInstrument[p.Instrument]++
		if group := l.groupOf[p.Instrument]; group != "" {
			byGroup[group] = byGroup[group].Add(p.RiskAmount)
		}
	}

	return Snapshot{
		Equity:           l.equity,
		HighWaterMark:    l.highWaterMark,
		DrawdownPct:      drawdown,
		DailyRealized:    l.dailyRealized,
		OpenPositions:    len(l.open),
		OpenByInstrument: byInstrument,
		OpenRisk:         l.openRisk,
		OpenRiskByGroup:  byGroup,
		Halted:           l.halt != HaltNone,
		HaltKind:         l.halt,
		HaltReason:       l.haltReason,
		HaltedAt:         l.haltedAt,
	}
}

// Equity returns the current ledger equity.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equity
}

// Package lifecycle drives each position through its state machine: pending
// entry, open with periodic re-evaluation, closing, closed. Positions are
// owned here; the ledger and the API only ever see copies.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// Config contains lifecycle timing and retry policy.
type Config struct {
	ReEvaluationInterval time.Duration `mapstructure:"re_evaluation_interval" json:"reEvaluationInterval"`
	MaxPositionAge       time.Duration `mapstructure:"max_position_age" json:"maxPositionAge"`
	FillTimeout          time.Duration `mapstructure:"fill_timeout" json:"fillTimeout"`
	RetryAttempts        int           `mapstructure:"retry_attempts" json:"retryAttempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay" json:"retryDelay"`
}

// DefaultConfig returns lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		ReEvaluationInterval: 5 * time.Minute,
		MaxPositionAge:       48 * time.Hour,
		FillTimeout:          10 * time.Second,
		RetryAttempts:        3,
		RetryDelay:           2 * time.Second,
	}
}

// tracked is the manager's private record for one position.
type tracked struct {
	pos             *types.Position
	instrument      types.Instrument
	partialFraction decimal.Decimal
	targetsTaken    int
}

// Manager owns all live positions.
type Manager struct {
	logger *zap.Logger
	config Config
	exec   broker.ExecutionClient
	ledger *ledger.Ledger
	bus    *events.Bus

	mu        sync.Mutex
	positions map[string]*tracked

	now func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(logger *zap.Logger, config Config, exec broker.ExecutionClient, led *ledger.Ledger, bus *events.Bus) *Manager {
	return &Manager{
		logger:    logger.Named("lifecycle"),
		config:    config,
		exec:      exec,
		ledger:    led,
		bus:       bus,
		positions: make(map[string]*tracked),
		now:       time.Now,
	}
}

// Open drives a pending-entry position to open. The position must already be
// registered with the ledger so its risk is committed before any order is
// placed; on entry failure the position goes straight to closed with reason
// entry_failed and the committed risk is released.
func (m *Manager) Open(ctx context.Context, pos *types.Position, instrument types.Instrument, partialFraction decimal.Decimal) error {
	pos.Status = types.StatusPendingEntry

	req := broker.OpenRequest{
		PositionID:  pos.ID,
		Instrument:  pos.Instrument,
		Direction:   pos.Direction,
		Size:        pos.Size,
		StopLoss:    pos.StopLoss,
		TakeProfits: pos.TakeProfits,
	}

	fill, err := m.placeWithRetry(ctx, func(attemptCtx context.Context) (types.FillResult, error) {
		return m.exec.OpenPosition(attemptCtx, req)
	})
	if err != nil || fill.Outcome != types.FillOutcomeFilled {
		reason := "entry attempts exhausted"
		if err != nil {
			reason = err.Error()
		} else if fill.Reason != "" {
			reason = fill.Reason
		}
		m.failEntry(pos, reason)
		return fmt.Errorf("lifecycle: entry failed for %s: %s", pos.Instrument, reason)
	}

	now := m.now()
	pos.Status = types.StatusOpen
	pos.EntryPrice = fill.Price
	pos.Size = fill.Size
	pos.OpenedAt = now
	pos.AgeingDeadline = now.Add(m.config.MaxPositionAge)
	pos.ReEvaluationDeadline = now.Add(m.config.ReEvaluationInterval)

	// Snapshot before registration; once in the map the position may only
	// be read or written under the lock.
	snapshot := copyPosition(pos)

	m.mu.Lock()
	m.positions[pos.ID] = &tracked{
		pos:             pos,
		instrument:      instrument,
		partialFraction: partialFraction,
	}
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("id", snapshot.ID),
		zap.String("instrument", snapshot.Instrument),
		zap.String("strategy", snapshot.Strategy),
		zap.String("entry", fill.Price.String()),
		zap.String("size", fill.Size.String()))

	m.bus.Publish(events.New(events.EventTypePosition, events.SeverityInfo, snapshot.Instrument,
		"position opened", snapshot))

	return nil
}

// failEntry settles a position that never got filled.
func (m *Manager) failEntry(pos *types.Position, reason string) {
	now := m.now()
	pos.Status = types.StatusClosed
	pos.CloseReason = types.CloseEntryFailed
	pos.ClosedAt = now

	m.ledger.RecordClose(pos.ID, decimal.Zero, types.CloseEntryFailed)

	m.logger.Warn("Entry failed",
		zap.String("id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("reason", reason))

	m.bus.Publish(events.New(events.EventTypePosition, events.SeverityWarning, pos.Instrument,
		"entry failed: "+reason, copyPosition(pos)))
}

// Evaluate reassesses every due position on the instrument against the
// current quote: stop-loss, take-profit levels, and ageing.
func (m *Manager) Evaluate(ctx context.Context, symbol string, quote types.Quote) {
	now := m.now()

	m.mu.Lock()
	due := make([]*tracked, 0, 2)
	for _, tr := range m.positions {
		if tr.pos.Instrument != symbol {
			continue
		}
		// Open positions get their exits checked every pass; a position
		// stuck closing from an earlier fatal error gets another close
		// attempt every pass.
		if tr.pos.Status == types.StatusOpen || tr.pos.Status == types.StatusClosing {
			due = append(due, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range due {
		m.evaluateOne(ctx, tr, quote, now)
	}
}

// ReviewDue returns copies of the open positions whose strategy-fit review
// interval has elapsed and schedules their next review. Exit levels are
// monitored every pass regardless; the review cadence only gates the more
// expensive regime re-check by the caller.
func (m *Manager) ReviewDue(symbol string) []types.Position {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.Position
	for _, tr := range m.positions {
		if tr.pos.Instrument != symbol || tr.pos.Status != types.StatusOpen {
			continue
		}
		if now.Before(tr.pos.ReEvaluationDeadline) {
			continue
		}
		tr.pos.ReEvaluationDeadline = now.Add(m.config.ReEvaluationInterval)
		due = append(due, *copyPosition(tr.pos))
	}
	return due
}

func (m *Manager) evaluateOne(ctx context.Context, tr *tracked, quote types.Quote, now time.Time) {
	// Decisions run against a snapshot so the position is never read while
	// another goroutine holds the lock to mutate it.
	m.mu.Lock()
	pos := *copyPosition(tr.pos)
	taken := tr.targetsTaken
	m.mu.Unlock()

	if pos.Status == types.StatusClosing {
		m.close(ctx, tr, pos.CloseReason, quote)
		return
	}

	// Exit price the position would actually get right now.
	exit := quote.Bid
	if pos.Direction == types.DirectionShort {
		exit = quote.Ask
	}

	if stopHit(&pos, exit) {
		m.close(ctx, tr, types.CloseStopLoss, quote)
		return
	}

	if taken < len(pos.TakeProfits) && targetHit(&pos, exit, pos.TakeProfits[taken]) {
		last := taken == len(pos.TakeProfits)-1
		if last || !tr.partialFraction.IsPositive() {
			m.close(ctx, tr, types.CloseTakeProfit, quote)
			return
		}
		m.takePartial(ctx, tr, quote)
		return
	}

	if !pos.AgeingDeadline.IsZero() && now.After(pos.AgeingDeadline) {
		m.close(ctx, tr, types.CloseAged, quote)
	}
}

// stopHit reports whether the exit price has crossed the stop.
func stopHit(pos *types.Position, exit decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Direction == types.DirectionLong {
		return exit.LessThanOrEqual(pos.StopLoss)
	}
	return exit.GreaterThanOrEqual(pos.StopLoss)
}

// targetHit reports whether the exit price has reached the take-profit level.
func targetHit(pos *types.Position, exit, target decimal.Decimal) bool {
	if pos.Direction == types.DirectionLong {
		return exit.GreaterThanOrEqual(target)
	}
	return exit.LessThanOrEqual(target)
}

// takePartial closes the configured fraction at the current target and keeps
// the rest running toward the next one.
func (m *Manager) takePartial(ctx context.Context, tr *tracked, quote types.Quote) {
	m.mu.Lock()
	req := broker.CloseRequest{
		PositionID: tr.pos.ID,
		Instrument: tr.pos.Instrument,
		Direction:  tr.pos.Direction,
		Size:       tr.pos.Size.Mul(tr.partialFraction).Round(2),
	}
	if !req.Size.IsPositive() {
		req.Size = tr.pos.Size
	}
	entry := tr.pos.EntryPrice
	m.mu.Unlock()

	fill, err := m.placeWithRetry(ctx, func(attemptCtx context.Context) (types.FillResult, error) {
		return m.exec.ClosePosition(attemptCtx, req)
	})
	if err != nil || fill.Outcome != types.FillOutcomeFilled {
		m.fatal(ctx, tr, "partial close failed", quote)
		return
	}

	pnl := realized(tr.instrument, req.Direction, entry, fill.Price, fill.Size)

	m.mu.Lock()
	tr.pos.Size = tr.pos.Size.Sub(fill.Size)
	tr.pos.RealizedPnL = tr.pos.RealizedPnL.Add(pnl)
	tr.targetsTaken++
	target := tr.targetsTaken
	snapshot := copyPosition(tr.pos)
	m.mu.Unlock()

	m.ledger.RecordPartialClose(req.PositionID, tr.partialFraction, pnl)

	m.logger.Info("Partial take-profit",
		zap.String("id", req.PositionID),
		zap.String("instrument", req.Instrument),
		zap.Int("target", target),
		zap.String("closedSize", fill.Size.String()),
		zap.String("pnl", pnl.String()))

	m.bus.Publish(events.New(events.EventTypePosition, events.SeverityInfo, req.Instrument,
		"partial take-profit", snapshot))
}

// close drives open → closing → closed.
func (m *Manager) close(ctx context.Context, tr *tracked, reason types.CloseReason, quote types.Quote) {
	m.mu.Lock()
	tr.pos.Status = types.StatusClosing
	tr.pos.CloseReason = reason
	req := broker.CloseRequest{
		PositionID: tr.pos.ID,
		Instrument: tr.pos.Instrument,
		Direction:  tr.pos.Direction,
	}
	m.mu.Unlock()

	fill, err := m.placeWithRetry(ctx, func(attemptCtx context.Context) (types.FillResult, error) {
		return m.exec.ClosePosition(attemptCtx, req)
	})
	if err != nil || fill.Outcome != types.FillOutcomeFilled {
		m.fatal(ctx, tr, "close failed", quote)
		return
	}

	m.settle(tr, fill, reason)
}

// settle finalizes a confirmed close fill.
func (m *Manager) settle(tr *tracked, fill types.FillResult, reason types.CloseReason) {
	m.mu.Lock()
	pnl := realized(tr.instrument, tr.pos.Direction, tr.pos.EntryPrice, fill.Price, fill.Size)
	tr.pos.Status = types.StatusClosed
	tr.pos.ClosedAt = m.now()
	tr.pos.RealizedPnL = tr.pos.RealizedPnL.Add(pnl)
	tr.pos.Size = decimal.Zero
	snapshot := copyPosition(tr.pos)
	delete(m.positions, tr.pos.ID)
	m.mu.Unlock()

	m.ledger.RecordClose(snapshot.ID, pnl, reason)

	m.logger.Info("Position closed",
		zap.String("id", snapshot.ID),
		zap.String("instrument", snapshot.Instrument),
		zap.String("reason", string(reason)),
		zap.String("exit", fill.Price.String()),
		zap.String("pnl", snapshot.RealizedPnL.String()))

	m.bus.Publish(events.New(events.EventTypePosition, events.SeverityInfo, snapshot.Instrument,
		"position closed: "+string(reason), snapshot))
}

// fatal handles exhausted retries on a money-touching request: surface the
// risk event and make one forced at-market close attempt. If that also fails
// the position stays in closing and is retried on the next evaluation pass.
func (m *Manager) fatal(ctx context.Context, tr *tracked, what string, quote types.Quote) {
	m.mu.Lock()
	tr.pos.Status = types.StatusClosing
	// A partial close that went fatal never set a close reason; record one
	// now so the retry path and the eventual settle carry it.
	if tr.pos.CloseReason == "" {
		tr.pos.CloseReason = types.CloseManual
	}
	reason := tr.pos.CloseReason
	req := broker.CloseRequest{
		PositionID: tr.pos.ID,
		Instrument: tr.pos.Instrument,
		Direction:  tr.pos.Direction,
	}
	snapshot := copyPosition(tr.pos)
	m.mu.Unlock()

	m.logger.Error("Execution fatal",
		zap.String("id", req.PositionID),
		zap.String("instrument", req.Instrument),
		zap.String("error", what))

	m.bus.Publish(events.New(events.EventTypeExecutionFatal, events.SeverityCritical, req.Instrument,
		fmt.Sprintf("%s on position %s, forcing market close", what, req.PositionID), snapshot))

	fill, err := m.exec.ClosePosition(ctx, req)
	if err == nil && fill.Outcome == types.FillOutcomeFilled {
		m.settle(tr, fill, reason)
		return
	}

	m.logger.Error("Forced close failed, position remains monitored",
		zap.String("id", req.PositionID))
}

// Close requests a close for an open position, for operator commands and
// strategy reversals.
func (m *Manager) Close(ctx context.Context, id string, reason types.CloseReason, quote types.Quote) error {
	m.mu.Lock()
	tr, ok := m.positions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("lifecycle: no open position %s", id)
	}
	m.close(ctx, tr, reason, quote)
	return nil
}

// CloseAll requests closes for every open position, used when entering
// close-only mode.
func (m *Manager) CloseAll(ctx context.Context, reason types.CloseReason) {
	m.mu.Lock()
	all := make([]*tracked, 0, len(m.positions))
	for _, tr := range m.positions {
		all = append(all, tr)
	}
	m.mu.Unlock()

	for _, tr := range all {
		m.close(ctx, tr, reason, types.Quote{})
	}
}

// Open positions currently tracked, as copies.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, tr := range m.positions {
		out = append(out, *copyPosition(tr.pos))
	}
	return out
}

// HasOpen reports whether the instrument has a live position.
func (m *Manager) HasOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.positions {
		if tr.pos.Instrument == symbol {
			return true
		}
	}
	return false
}

// placeWithRetry runs one order request with per-attempt timeout, retrying
// timeouts with a fixed delay. Rejections are not retried.
func (m *Manager) placeWithRetry(ctx context.Context, place func(context.Context) (types.FillResult, error)) (types.FillResult, error) {
	attempts := m.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last types.FillResult
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.config.FillTimeout)
		fill, err := place(attemptCtx)
		cancel()
		if err != nil {
			return types.FillResult{}, err
		}
		last = fill

		switch fill.Outcome {
		case types.FillOutcomeFilled, types.FillOutcomeRejected:
			return fill, nil
		case types.FillOutcomeTimeout:
			if i == attempts-1 {
				return last, nil
			}
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(m.config.RetryDelay):
			}
		}
	}
	return last, nil
}

// realized converts a price move into account currency.
func realized(inst types.Instrument, dir types.Direction, entry, exit, size decimal.Decimal) decimal.Decimal {
	if inst.PipSize.IsZero() {
		return decimal.Zero
	}
	move := exit.Sub(entry)
	if dir == types.DirectionShort {
		move = move.Neg()
	}
	pips := move.Div(inst.PipSize)
	return pips.Mul(inst.PipValuePerLot).Mul(size)
}

func copyPosition(pos *types.Position) *types.Position {
	c := *pos
	c.TakeProfits = append([]decimal.Decimal(nil), pos.TakeProfits...)
	return &c
}

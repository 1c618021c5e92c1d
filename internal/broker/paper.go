package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// PaperConfig configures the fill simulator.
type PaperConfig struct {
	SlippagePips  decimal.Decimal `mapstructure:"slippage_pips" json:"slippagePips"`
	FillLatency   time.Duration   `mapstructure:"fill_latency" json:"fillLatency"`
	RejectionRate float64         `mapstructure:"rejection_rate" json:"rejectionRate"`
	Seed          int64           `mapstructure:"seed" json:"seed"`
}

// DefaultPaperConfig returns simulator defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippagePips:  decimal.NewFromFloat(0.2),
		FillLatency:   50 * time.Millisecond,
		RejectionRate: 0.01,
	}
}

// Paper simulates fills against the live feed. It tracks simulated equity so
// the ledger can reconcile against it the same way it would against a real
// account.
type Paper struct {
	logger      *zap.Logger
	config      PaperConfig
	feed        MarketFeed
	instruments map[string]types.Instrument

	mu     sync.Mutex
	rng    *rand.Rand
	equity decimal.Decimal
	book   map[string]*paperPosition
}

// paperPosition is the simulator's own record of an open fill, kept so a
// close can realize its PnL against the simulated account.
type paperPosition struct {
	instrument types.Instrument
	direction  types.Direction
	entry      decimal.Decimal
	size       decimal.Decimal
}

// NewPaper creates a paper broker with the given starting equity.
func NewPaper(logger *zap.Logger, config PaperConfig, feed MarketFeed, instruments []types.Instrument, equity decimal.Decimal) *Paper {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	byName := make(map[string]types.Instrument, len(instruments))
	for _, inst := range instruments {
		byName[inst.Symbol] = inst
	}
	return &Paper{
		logger:      logger.Named("paper-broker"),
		config:      config,
		feed:        feed,
		instruments: byName,
		rng:         rand.New(rand.NewSource(seed)),
		equity:      equity,
		book:        make(map[string]*paperPosition),
	}
}

// OpenPosition simulates a market entry. Long entries fill at the ask plus
// slippage, short entries at the bid minus slippage.
func (p *Paper) OpenPosition(ctx context.Context, req OpenRequest) (types.FillResult, error) {
	if err := p.wait(ctx); err != nil {
		return types.FillResult{Outcome: types.FillOutcomeTimeout, Reason: err.Error(), Timestamp: time.Now()}, nil
	}

	inst, ok := p.instruments[req.Instrument]
	if !ok {
		return types.FillResult{}, ErrUnknownInstrument
	}

	p.mu.Lock()
	rejected := p.rng.Float64() < p.config.RejectionRate
	p.mu.Unlock()
	if rejected {
		p.logger.Warn("Simulated rejection", zap.String("instrument", req.Instrument))
		return types.FillResult{
			Outcome:   types.FillOutcomeRejected,
			Reason:    "simulated broker rejection",
			Timestamp: time.Now(),
		}, nil
	}

	quote, err := p.feed.LatestQuote(ctx, req.Instrument)
	if err != nil {
		return types.FillResult{}, err
	}

	slip := p.config.SlippagePips.Mul(inst.PipSize)
	var price decimal.Decimal
	if req.Direction == types.DirectionLong {
		price = quote.Ask.Add(slip)
	} else {
		price = quote.Bid.Sub(slip)
	}

	p.mu.Lock()
	p.book[req.PositionID] = &paperPosition{
		instrument: inst,
		direction:  req.Direction,
		entry:      price,
		size:       req.Size,
	}
	p.mu.Unlock()

	p.logger.Info("Paper fill",
		zap.String("positionId", req.PositionID),
		zap.String("instrument", req.Instrument),
		zap.String("direction", string(req.Direction)),
		zap.String("price", price.String()),
		zap.String("size", req.Size.String()))

	return types.FillResult{
		Outcome:   types.FillOutcomeFilled,
		Price:     price,
		Size:      req.Size,
		Timestamp: time.Now(),
	}, nil
}

// ClosePosition simulates a market exit at the opposite side of the spread
// and realizes the result against the simulated account.
func (p *Paper) ClosePosition(ctx context.Context, req CloseRequest) (types.FillResult, error) {
	if err := p.wait(ctx); err != nil {
		return types.FillResult{Outcome: types.FillOutcomeTimeout, Reason: err.Error(), Timestamp: time.Now()}, nil
	}

	inst, ok := p.instruments[req.Instrument]
	if !ok {
		return types.FillResult{}, ErrUnknownInstrument
	}

	quote, err := p.feed.LatestQuote(ctx, req.Instrument)
	if err != nil {
		return types.FillResult{}, err
	}

	slip := p.config.SlippagePips.Mul(inst.PipSize)
	var price decimal.Decimal
	if req.Direction == types.DirectionLong {
		price = quote.Bid.Sub(slip)
	} else {
		price = quote.Ask.Add(slip)
	}

	p.mu.Lock()
	var size, pnl decimal.Decimal
	if open, ok := p.book[req.PositionID]; ok {
		size = req.Size
		if size.IsZero() || size.GreaterThan(open.size) {
			size = open.size
		}
		pnl = paperRealized(open, price, size)
		p.equity = p.equity.Add(pnl)

		open.size = open.size.Sub(size)
		if !open.size.IsPositive() {
			delete(p.book, req.PositionID)
		}
	}
	p.mu.Unlock()

	p.logger.Info("Paper close",
		zap.String("positionId", req.PositionID),
		zap.String("instrument", req.Instrument),
		zap.String("price", price.String()),
		zap.String("size", size.String()),
		zap.String("pnl", pnl.String()))

	return types.FillResult{
		Outcome:   types.FillOutcomeFilled,
		Price:     price,
		Size:      size,
		Timestamp: time.Now(),
	}, nil
}

// paperRealized converts the closed slice's price move into account currency.
func paperRealized(open *paperPosition, exit, size decimal.Decimal) decimal.Decimal {
	if open.instrument.PipSize.IsZero() {
		return decimal.Zero
	}
	move := exit.Sub(open.entry)
	if open.direction == types.DirectionShort {
		move = move.Neg()
	}
	pips := move.Div(open.instrument.PipSize)
	return pips.Mul(open.instrument.PipValuePerLot).Mul(size)
}

// wait models fill latency while honoring cancellation.
func (p *Paper) wait(ctx context.Context) error {
	if p.config.FillLatency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.config.FillLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Equity returns the simulated account equity.
func (p *Paper) Equity(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

// Package sizing maps account equity, account tier and strategy risk
// parameters to a concrete position size and stop distance.
package sizing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
)

var (
	// ErrUntradeable means the computed size clamped to zero: the account is
	// too small relative to the stop distance.
	ErrUntradeable = errors.New("sizing: position untradeable at this stop distance")
	// ErrSpreadTooWide means current spread failed the spread gate.
	ErrSpreadTooWide = errors.New("sizing: spread exceeds allowed multiple of average")
)

// lotStep is the smallest tradeable lot increment.
var lotStep = decimal.NewFromFloat(0.01)

// Config configures the sizer.
type Config struct {
	MaxSpreadMultiplier float64 `mapstructure:"max_spread_multiplier"` // reject when spread > average * this
}

// DefaultConfig returns sizer defaults.
func DefaultConfig() Config {
	return Config{MaxSpreadMultiplier: 2.0}
}

// TierSet is the validated, ordered set of account tiers. Tiers must
// partition the balance axis: contiguous, non-overlapping, ending unbounded.
type TierSet struct {
	tiers []types.AccountTier
}

// NewTierSet validates and orders the tiers.
func NewTierSet(tiers []types.AccountTier) (*TierSet, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("sizing: at least one account tier is required")
	}

	sorted := make([]types.AccountTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinBalance.LessThan(sorted[j].MinBalance)
	})

	if !sorted[0].MinBalance.IsZero() {
		return nil, fmt.Errorf("sizing: first tier %q must start at balance 0", sorted[0].Label)
	}
	for i, t := range sorted {
		if t.MaxLotSize.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("sizing: tier %q has non-positive max lot size", t.Label)
		}
		if t.RiskPercentPerTrade.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("sizing: tier %q has non-positive risk percent", t.Label)
		}
		if t.MaxConcurrentTrades <= 0 {
			return nil, fmt.Errorf("sizing: tier %q has non-positive max concurrent trades", t.Label)
		}

		last := i == len(sorted)-1
		if last {
			if !t.MaxBalance.IsZero() {
				return nil, fmt.Errorf("sizing: last tier %q must be unbounded", t.Label)
			}
			continue
		}
		if t.MaxBalance.IsZero() {
			return nil, fmt.Errorf("sizing: only the last tier may be unbounded, %q is not last", t.Label)
		}
		if !t.MaxBalance.Equal(sorted[i+1].MinBalance) {
			return nil, fmt.Errorf("sizing: gap or overlap between tiers %q and %q", t.Label, sorted[i+1].Label)
		}
	}

	return &TierSet{tiers: sorted}, nil
}

// TierFor returns the tier containing the given equity. The partition
// invariant guarantees exactly one match for any non-negative balance.
func (ts *TierSet) TierFor(equity decimal.Decimal) types.AccountTier {
	for _, t := range ts.tiers {
		if t.Contains(equity) {
			return t
		}
	}
	// Negative equity falls through; treat it as the smallest tier.
	return ts.tiers[0]
}

// Tiers returns the ordered tiers.
func (ts *TierSet) Tiers() []types.AccountTier {
	out := make([]types.AccountTier, len(ts.tiers))
	copy(out, ts.tiers)
	return out
}

// Request carries everything one sizing decision needs.
type Request struct {
	Instrument        types.Instrument
	Equity            decimal.Decimal
	Tier              types.AccountTier
	Risk              strategy.RiskParams
	ATRPips           float64 // current ATR in pips, for ATR-multiple stops
	StructurePips     float64 // distance to the protective structure level in pips
	CurrentSpreadPips float64
	AverageSpreadPips float64
}

// Result is a sized position ready to be opened.
type Result struct {
	Size             decimal.Decimal `json:"size"` // lots
	StopDistancePips float64         `json:"stopDistancePips"`
	RiskAmount       decimal.Decimal `json:"riskAmount"` // account currency lost if stopped out
}

// Sizer computes position sizes.
type Sizer struct {
	logger *zap.Logger
	config Config
}

// NewSizer creates a sizer.
func NewSizer(logger *zap.Logger, config Config) *Sizer {
	return &Sizer{logger: logger.Named("sizer"), config: config}
}

// Size computes the lot size for the request:
//
//	size = (equity * riskPct) / (stopPips * pipValue)
//
// clamped to [0, tier.MaxLotSize]. A zero clamp is ErrUntradeable rather
// than a zero-size position. The spread gate is enforced regardless of the
// computed size.
func (s *Sizer) Size(req Request) (Result, error) {
	if req.AverageSpreadPips > 0 && req.CurrentSpreadPips > req.AverageSpreadPips*s.config.MaxSpreadMultiplier {
		s.logger.Debug("Spread gate rejected sizing",
			zap.String("instrument", req.Instrument.Symbol),
			zap.Float64("spread", req.CurrentSpreadPips),
			zap.Float64("average", req.AverageSpreadPips))
		return Result{}, ErrSpreadTooWide
	}
	if req.Risk.MaxSpreadPips > 0 && req.CurrentSpreadPips > req.Risk.MaxSpreadPips {
		return Result{}, ErrSpreadTooWide
	}

	stopPips := req.Risk.StopLoss.StopDistance(req.ATRPips, req.StructurePips)
	if stopPips <= 0 {
		return Result{}, ErrUntradeable
	}

	pipValue := req.Instrument.PipValuePerLot
	if pipValue.LessThanOrEqual(decimal.Zero) || req.Equity.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrUntradeable
	}

	riskAmount := req.Equity.Mul(req.Tier.RiskPercentPerTrade).Div(decimal.NewFromInt(100))
	size := riskAmount.Div(decimal.NewFromFloat(stopPips).Mul(pipValue))

	if size.GreaterThan(req.Tier.MaxLotSize) {
		size = req.Tier.MaxLotSize
	}
	// Round down to the lot step; anything below one step is untradeable.
	size = size.Div(lotStep).Floor().Mul(lotStep)
	if size.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrUntradeable
	}

	// Actual risk after clamping and rounding.
	actualRisk := size.Mul(pipValue).Mul(decimal.NewFromFloat(stopPips))

	return Result{
		Size:             size,
		StopDistancePips: stopPips,
		RiskAmount:       actualRisk,
	}, nil
}

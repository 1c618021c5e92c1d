// Package strategy provides the strategy catalog and the regime-driven
// selector. Strategies are read-only configuration entities registered at
// startup; nothing mutates them at runtime.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// StopLossKind discriminates the sealed set of stop-loss specs.
type StopLossKind string

const (
	StopFixedPips       StopLossKind = "fixed_pips"
	StopATRMultiple     StopLossKind = "atr_multiple"
	StopStructureBuffer StopLossKind = "structure_buffer"
)

// StopLossSpec describes how a strategy places its stop. Exactly the fields
// for its Kind are meaningful; Validate enforces that at load time.
type StopLossSpec struct {
	Kind        StopLossKind `mapstructure:"kind"`
	FixedPips   float64      `mapstructure:"fixed_pips"`   // StopFixedPips
	ATRMultiple float64      `mapstructure:"atr_multiple"` // StopATRMultiple
	BufferPips  float64      `mapstructure:"buffer_pips"`  // StopStructureBuffer, added beyond the structure level
}

// Validate checks the spec is internally consistent for its kind.
func (s StopLossSpec) Validate() error {
	switch s.Kind {
	case StopFixedPips:
		if s.FixedPips <= 0 {
			return fmt.Errorf("fixed_pips stop requires fixed_pips > 0, got %v", s.FixedPips)
		}
	case StopATRMultiple:
		if s.ATRMultiple <= 0 {
			return fmt.Errorf("atr_multiple stop requires atr_multiple > 0, got %v", s.ATRMultiple)
		}
	case StopStructureBuffer:
		if s.BufferPips < 0 {
			return fmt.Errorf("structure_buffer stop requires buffer_pips >= 0, got %v", s.BufferPips)
		}
	default:
		return fmt.Errorf("unknown stop-loss kind %q", s.Kind)
	}
	return nil
}

// StopDistance resolves the spec to a concrete stop distance in pips.
// atrPips is the current ATR expressed in pips; structurePips is the distance
// to the nearest structure level in pips (swing high/low).
func (s StopLossSpec) StopDistance(atrPips, structurePips float64) float64 {
	switch s.Kind {
	case StopFixedPips:
		return s.FixedPips
	case StopATRMultiple:
		return s.ATRMultiple * atrPips
	case StopStructureBuffer:
		return structurePips + s.BufferPips
	default:
		return 0
	}
}

// TakeProfitSpec describes profit targets as risk multiples. The first target
// closes PartialFraction of the position; the final target closes the rest.
type TakeProfitSpec struct {
	RiskMultiples   []float64 `mapstructure:"risk_multiples"`   // e.g. [1.0, 2.0]
	PartialFraction float64   `mapstructure:"partial_fraction"` // fraction closed at the first target
}

// Validate checks targets are ordered and the partial fraction is sane.
func (s TakeProfitSpec) Validate() error {
	if len(s.RiskMultiples) == 0 {
		return fmt.Errorf("take-profit spec requires at least one risk multiple")
	}
	prev := 0.0
	for i, m := range s.RiskMultiples {
		if m <= prev {
			return fmt.Errorf("risk_multiples must be positive and strictly increasing, index %d", i)
		}
		prev = m
	}
	if len(s.RiskMultiples) > 1 && (s.PartialFraction <= 0 || s.PartialFraction >= 1) {
		return fmt.Errorf("partial_fraction must be in (0,1) when multiple targets are set, got %v", s.PartialFraction)
	}
	return nil
}

// RiskParams bundles a strategy's execution risk settings.
type RiskParams struct {
	StopLoss        StopLossSpec   `mapstructure:"stop_loss"`
	TakeProfit      TakeProfitSpec `mapstructure:"take_profit"`
	RiskRewardRatio float64        `mapstructure:"risk_reward_ratio"`
	MaxSpreadPips   float64        `mapstructure:"max_spread_pips"`
}

// Validate checks all nested specs.
func (p RiskParams) Validate() error {
	if err := p.StopLoss.Validate(); err != nil {
		return fmt.Errorf("stop loss: %w", err)
	}
	if err := p.TakeProfit.Validate(); err != nil {
		return fmt.Errorf("take profit: %w", err)
	}
	if p.RiskRewardRatio <= 0 {
		return fmt.Errorf("risk_reward_ratio must be > 0, got %v", p.RiskRewardRatio)
	}
	if p.MaxSpreadPips <= 0 {
		return fmt.Errorf("max_spread_pips must be > 0, got %v", p.MaxSpreadPips)
	}
	return nil
}

// TakeProfitLevels converts risk multiples to absolute price targets for a
// position entered at entry with the given stop distance in price terms.
func (p RiskParams) TakeProfitLevels(entry, stopDistance decimal.Decimal, direction types.Direction) []decimal.Decimal {
	levels := make([]decimal.Decimal, 0, len(p.TakeProfit.RiskMultiples))
	for _, m := range p.TakeProfit.RiskMultiples {
		offset := stopDistance.Mul(decimal.NewFromFloat(m))
		if direction == types.DirectionLong {
			levels = append(levels, entry.Add(offset))
		} else {
			levels = append(levels, entry.Sub(offset))
		}
	}
	return levels
}

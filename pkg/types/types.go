// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents bar timeframes.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Bar represents a single OHLCV candlestick.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Quote represents the current bid/ask for an instrument.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// SpreadPips returns the bid/ask spread expressed in pips for the given pip size.
func (q Quote) SpreadPips(pipSize decimal.Decimal) decimal.Decimal {
	if pipSize.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(pipSize)
}

// Instrument describes a tradable symbol: currency pair or synthetic index.
type Instrument struct {
	Symbol           string          `mapstructure:"symbol" json:"symbol"`
	PipSize          decimal.Decimal `mapstructure:"pip_size" json:"pipSize"`                  // smallest quoted increment, e.g. 0.0001
	PipValuePerLot   decimal.Decimal `mapstructure:"pip_value_per_lot" json:"pipValuePerLot"`  // account-currency value of one pip per 1.0 lot
	CorrelationGroup string          `mapstructure:"correlation_group" json:"correlationGroup"` // predefined group membership, may be empty
}

// Direction represents long or short exposure.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Trend classification buckets.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendRanging Trend = "ranging"
	TrendChoppy  Trend = "choppy"
	TrendUnknown Trend = "unknown"
)

// Level buckets volatility and liquidity readings.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelUnknown Level = "unknown"
)

// MarketCondition is the classified regime for one instrument.
// Immutable once produced; a fresh instance replaces the prior one.
type MarketCondition struct {
	Instrument string    `json:"instrument"`
	Trend      Trend     `json:"trend"`
	Volatility Level     `json:"volatility"`
	Liquidity  Level     `json:"liquidity"`
	Confidence float64   `json:"confidence"` // 0-100
	ComputedAt time.Time `json:"computedAt"`
}

// Tradeable reports whether the condition allows opening new trades at all.
func (mc MarketCondition) Tradeable() bool {
	return mc.Trend != TrendUnknown
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "pending_entry"
	StatusOpen         PositionStatus = "open"
	StatusClosing      PositionStatus = "closing"
	StatusClosed       PositionStatus = "closed"
)

// CloseReason records why a position left the open state.
type CloseReason string

const (
	CloseTakeProfit       CloseReason = "take_profit"
	CloseStopLoss         CloseReason = "stop_loss"
	CloseAged             CloseReason = "aged"
	CloseManual           CloseReason = "manual"
	CloseStrategyReversal CloseReason = "strategy_reversal"
	CloseEntryFailed      CloseReason = "entry_failed"
)

// Position represents one trade through its lifecycle. Owned exclusively by
// the lifecycle manager; everyone else sees copies.
type Position struct {
	ID                   string            `json:"id"`
	Instrument           string            `json:"instrument"`
	Strategy             string            `json:"strategy"`
	Direction            Direction         `json:"direction"`
	EntryPrice           decimal.Decimal   `json:"entryPrice"`
	Size                 decimal.Decimal   `json:"size"` // lots
	StopLoss             decimal.Decimal   `json:"stopLoss"`
	TakeProfits          []decimal.Decimal `json:"takeProfits"`
	RiskAmount           decimal.Decimal   `json:"riskAmount"` // account currency at stake if stopped out
	Status               PositionStatus    `json:"status"`
	CloseReason          CloseReason       `json:"closeReason,omitempty"`
	RealizedPnL          decimal.Decimal   `json:"realizedPnl"`
	OpenedAt             time.Time         `json:"openedAt"`
	ClosedAt             time.Time         `json:"closedAt,omitempty"`
	AgeingDeadline       time.Time         `json:"ageingDeadline"`
	ReEvaluationDeadline time.Time         `json:"reEvaluationDeadline"`
}

// AccountTier is a balance-range bucket determining size and risk limits.
// Configured tiers partition the balance axis with no gaps or overlaps.
type AccountTier struct {
	Label               string          `mapstructure:"label" json:"label"`
	MinBalance          decimal.Decimal `mapstructure:"min_balance" json:"minBalance"` // inclusive
	MaxBalance          decimal.Decimal `mapstructure:"max_balance" json:"maxBalance"` // exclusive, zero means unbounded
	MaxLotSize          decimal.Decimal `mapstructure:"max_lot_size" json:"maxLotSize"`
	RiskPercentPerTrade decimal.Decimal `mapstructure:"risk_percent_per_trade" json:"riskPercentPerTrade"` // 1.5 means 1.5%
	MaxConcurrentTrades int             `mapstructure:"max_concurrent_trades" json:"maxConcurrentTrades"`
}

// Contains reports whether the balance falls inside this tier.
func (t AccountTier) Contains(balance decimal.Decimal) bool {
	if balance.LessThan(t.MinBalance) {
		return false
	}
	return t.MaxBalance.IsZero() || balance.LessThan(t.MaxBalance)
}

// FillOutcome is the execution collaborator's answer to an order request.
type FillOutcome string

const (
	FillOutcomeFilled   FillOutcome = "filled"
	FillOutcomeTimeout  FillOutcome = "timeout"
	FillOutcomeRejected FillOutcome = "rejected"
)

// FillResult is returned by the execution collaborator for opens and closes.
type FillResult struct {
	Outcome   FillOutcome     `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Package broker defines the execution and market data boundary. The engine
// only ever talks to these interfaces; the paper simulator in this package is
// the default implementation.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// ErrUnknownInstrument is returned when a symbol has no market data.
var ErrUnknownInstrument = errors.New("broker: unknown instrument")

// OpenRequest asks the broker to open a market position.
type OpenRequest struct {
	PositionID  string
	Instrument  string
	Direction   types.Direction
	Size        decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal
}

// CloseRequest asks the broker to close part or all of a position. A zero
// Size closes the full remaining size.
type CloseRequest struct {
	PositionID string
	Instrument string
	Direction  types.Direction
	Size       decimal.Decimal
}

// ExecutionClient places and closes positions. Implementations return a
// FillResult for every outcome, including rejections and timeouts; an error
// means the request itself could not be carried out.
type ExecutionClient interface {
	OpenPosition(ctx context.Context, req OpenRequest) (types.FillResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (types.FillResult, error)
}

// MarketFeed provides quotes and recent bars.
type MarketFeed interface {
	LatestQuote(ctx context.Context, symbol string) (types.Quote, error)
	RecentBars(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.Bar, error)
}

// AccountClient exposes the broker-side account state.
type AccountClient interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

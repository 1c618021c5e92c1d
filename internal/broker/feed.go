package broker

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// SyntheticFeed is a random-walk market data source for paper trading. Each
// instrument walks independently from its configured starting price; bars are
// generated on demand so the feed has history available from the first call.
type SyntheticFeed struct {
	mu          sync.Mutex
	rng         *rand.Rand
	instruments map[string]*syntheticSeries
	barInterval time.Duration
	historyCap  int
}

type syntheticSeries struct {
	instrument types.Instrument
	spreadPips decimal.Decimal
	last       decimal.Decimal
	bars       []types.Bar
}

// SyntheticStart seeds one instrument of the feed.
type SyntheticStart struct {
	Instrument types.Instrument
	StartPrice decimal.Decimal
	SpreadPips decimal.Decimal
}

// NewSyntheticFeed creates a feed producing one-minute random-walk bars.
func NewSyntheticFeed(seed int64, starts []SyntheticStart) *SyntheticFeed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &SyntheticFeed{
		rng:         rand.New(rand.NewSource(seed)),
		instruments: make(map[string]*syntheticSeries, len(starts)),
		barInterval: time.Minute,
		historyCap:  500,
	}
	for _, s := range starts {
		f.instruments[s.Instrument.Symbol] = &syntheticSeries{
			instrument: s.Instrument,
			spreadPips: s.SpreadPips,
			last:       s.StartPrice,
		}
	}
	return f
}

// step appends one bar to the series. Caller holds the mutex.
func (f *SyntheticFeed) step(s *syntheticSeries, ts time.Time) {
	// Log-normal step with a mild volatility typical of FX minute bars.
	drift := f.rng.NormFloat64() * 0.0004
	open := s.last
	close := open.Mul(decimal.NewFromFloat(math.Exp(drift)))

	wick := open.Mul(decimal.NewFromFloat(math.Abs(f.rng.NormFloat64()) * 0.0002))
	high := decimal.Max(open, close).Add(wick)
	low := decimal.Min(open, close).Sub(wick)

	s.last = close
	s.bars = append(s.bars, types.Bar{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    decimal.NewFromInt(int64(100 + f.rng.Intn(900))),
	})
	if len(s.bars) > f.historyCap {
		s.bars = s.bars[len(s.bars)-f.historyCap:]
	}
}

// fill extends the series until it holds at least count bars. Caller holds
// the mutex.
func (f *SyntheticFeed) fill(s *syntheticSeries, count int) {
	if count > f.historyCap {
		count = f.historyCap
	}
	missing := count - len(s.bars)
	ts := time.Now().Add(-time.Duration(missing) * f.barInterval)
	if len(s.bars) > 0 {
		ts = s.bars[len(s.bars)-1].Timestamp.Add(f.barInterval)
	}
	for i := 0; i < missing; i++ {
		f.step(s, ts)
		ts = ts.Add(f.barInterval)
	}
}

// LatestQuote returns a quote straddling the current walk price.
func (f *SyntheticFeed) LatestQuote(ctx context.Context, symbol string) (types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.instruments[symbol]
	if !ok {
		return types.Quote{}, ErrUnknownInstrument
	}
	f.step(s, time.Now())

	half := s.spreadPips.Mul(s.instrument.PipSize).Div(decimal.NewFromInt(2))
	return types.Quote{
		Symbol:    symbol,
		Bid:       s.last.Sub(half),
		Ask:       s.last.Add(half),
		Timestamp: time.Now(),
	}, nil
}

// RecentBars returns the most recent count bars, oldest first.
func (f *SyntheticFeed) RecentBars(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.instruments[symbol]
	if !ok {
		return nil, ErrUnknownInstrument
	}
	f.fill(s, count)

	if count > len(s.bars) {
		count = len(s.bars)
	}
	out := make([]types.Bar, count)
	copy(out, s.bars[len(s.bars)-count:])
	return out, nil
}

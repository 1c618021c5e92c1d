// Package correlation maintains a rolling correlation matrix across
// instruments and gates new exposure against correlated open positions.
package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// Config configures the correlation manager.
type Config struct {
	UpdateInterval           time.Duration `mapstructure:"update_interval"`            // matrix refresh cadence
	LookbackReturns          int           `mapstructure:"lookback_returns"`           // rolling window per instrument
	MinSamples               int           `mapstructure:"min_samples"`                // below this, fall back to groups
	HighCorrelationThreshold float64       `mapstructure:"high_correlation_threshold"` // |r| at or above this counts as correlated
	MaxCorrelatedExposure    int           `mapstructure:"max_correlated_exposure"`
	MaxSameDirectionExposure int           `mapstructure:"max_same_direction_exposure"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:           4 * time.Hour,
		LookbackReturns:          200,
		MinSamples:               30,
		HighCorrelationThreshold: 0.7,
		MaxCorrelatedExposure:    1,
		MaxSameDirectionExposure: 3,
	}
}

// Entry is one cell of the correlation matrix. Estimated entries come from
// predefined group membership rather than measured return series.
type Entry struct {
	InstrumentA string    `json:"instrumentA"`
	InstrumentB string    `json:"instrumentB"`
	Coefficient float64   `json:"coefficient"`
	LastUpdated time.Time `json:"lastUpdated"`
	Estimated   bool      `json:"estimated"`
}

// OpenExposure is the slice of current open positions the admission check
// needs: instrument and direction only.
type OpenExposure struct {
	Instrument string
	Direction  types.Direction
}

// Manager owns the matrix and the per-instrument return buffers. The matrix
// is rebuilt wholesale on refresh and swapped under the lock, so reads see a
// consistent snapshot.
type Manager struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	matrix  map[string]Entry     // canonical "A|B" key, A < B
	returns map[string][]float64 // rolling return series per instrument
	groupOf map[string]string    // instrument -> group name
}

// NewManager creates a correlation manager. Group membership comes from the
// instrument definitions, so the fallback and the rest of the system share
// one source of truth.
func NewManager(logger *zap.Logger, config Config, instruments []types.Instrument) *Manager {
	groupOf := make(map[string]string)
	for _, inst := range instruments {
		if inst.CorrelationGroup != "" {
			groupOf[inst.Symbol] = inst.CorrelationGroup
		}
	}
	return &Manager{
		logger:  logger.Named("correlation"),
		config:  config,
		matrix:  make(map[string]Entry),
		returns: make(map[string][]float64),
		groupOf: groupOf,
	}
}

// Run refreshes the matrix on the configured interval until the context is
// cancelled. A refresh also runs immediately on start.
func (m *Manager) Run(ctx context.Context) {
	m.Refresh(time.Now())

	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Refresh(now)
		}
	}
}

// AddReturn appends one period return observation for an instrument.
func (m *Manager) AddReturn(instrument string, ret float64) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	series := append(m.returns[instrument], ret)
	if len(series) > m.config.LookbackReturns {
		series = series[len(series)-m.config.LookbackReturns:]
	}
	m.returns[instrument] = series
}

// Refresh recomputes the matrix from the return buffers. Pairs without
// sufficient shared history fall back to the predefined group constant; the
// substitution is logged because estimated correlation standing in for
// measured correlation is risk-relevant.
func (m *Manager) Refresh(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instruments := make([]string, 0, len(m.returns))
	for sym := range m.returns {
		instruments = append(instruments, sym)
	}
	for sym := range m.groupOf {
		if _, seen := m.returns[sym]; !seen {
			instruments = append(instruments, sym)
		}
	}
	sort.Strings(instruments)

	fresh := make(map[string]Entry, len(instruments)*(len(instruments)-1)/2)
	for i := 0; i < len(instruments); i++ {
		for j := i + 1; j < len(instruments); j++ {
			a, b := instruments[i], instruments[j]
			entry, ok := m.computeEntry(a, b, now)
			if ok {
				fresh[pairKey(a, b)] = entry
			}
		}
	}
	m.matrix = fresh

	m.logger.Debug("Correlation matrix refreshed",
		zap.Int("instruments", len(instruments)),
		zap.Int("entries", len(fresh)))
}

func (m *Manager) computeEntry(a, b string, now time.Time) (Entry, bool) {
	ra, rb := m.returns[a], m.returns[b]
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}

	if n >= m.config.MinSamples {
		r := pearson(ra[len(ra)-n:], rb[len(rb)-n:])
		return Entry{InstrumentA: a, InstrumentB: b, Coefficient: r, LastUpdated: now}, true
	}

	// Insufficient measured history: same predefined group implies high
	// correlation; distinct or absent groups yield no entry.
	ga, gb := m.groupOf[a], m.groupOf[b]
	if ga != "" && ga == gb {
		m.logger.Info("Using group fallback correlation",
			zap.String("pair", pairKey(a, b)),
			zap.String("group", ga),
			zap.Float64("assumed", m.config.HighCorrelationThreshold))
		return Entry{
			InstrumentA: a,
			InstrumentB: b,
			Coefficient: m.config.HighCorrelationThreshold,
			LastUpdated: now,
			Estimated:   true,
		}, true
	}
	return Entry{}, false
}

// Correlation returns the coefficient for a pair. Self-correlation is always
// 1.0 and never stored; unknown pairs return 0.
func (m *Manager) Correlation(a, b string) float64 {
	if a == b {
		return 1.0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.matrix[pairKey(a, b)]; ok {
		return e.Coefficient
	}
	return 0
}

// Entries returns a copy of the current matrix for reporting.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.matrix))
	for _, e := range m.matrix {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentA != out[j].InstrumentA {
			return out[i].InstrumentA < out[j].InstrumentA
		}
		return out[i].InstrumentB < out[j].InstrumentB
	})
	return out
}

// CanOpen is the admission check: may `instrument` be traded in `direction`
// alongside the current open exposure. The returned reason is for logging
// and telemetry, not control flow.
func (m *Manager) CanOpen(instrument string, direction types.Direction, open []OpenExposure) (bool, string) {
	correlated := 0
	sameDirection := 0

	for _, pos := range open {
		if pos.Direction == direction {
			sameDirection++
		}
		if pos.Instrument == instrument {
			correlated++
			continue
		}
		if math.Abs(m.Correlation(instrument, pos.Instrument)) >= m.config.HighCorrelationThreshold {
			correlated++
		}
	}

	if correlated+1 > m.config.MaxCorrelatedExposure {
		return false, fmt.Sprintf("correlated exposure %d would exceed limit %d",
			correlated+1, m.config.MaxCorrelatedExposure)
	}
	if sameDirection+1 > m.config.MaxSameDirectionExposure {
		return false, fmt.Sprintf("same-direction exposure %d would exceed limit %d",
			sameDirection+1, m.config.MaxSameDirectionExposure)
	}
	return true, ""
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// pearson computes the sample correlation coefficient of two equal-length
// series. Degenerate series (constant, too short) yield 0.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}

	r := cov / math.Sqrt(varX*varY)
	// Guard against floating point drift past the valid range.
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r
}

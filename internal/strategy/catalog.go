package strategy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// RegimeWeights is a strategy's per-regime suitability table. Each entry is a
// 0-10 rating of how well the strategy fits that bucket; missing buckets
// default to zero.
type RegimeWeights struct {
	Trend      map[types.Trend]float64     `mapstructure:"trend"`
	Volatility map[types.Level]float64     `mapstructure:"volatility"`
	Liquidity  map[types.Level]float64     `mapstructure:"liquidity"`
	Direction  map[types.Direction]float64 `mapstructure:"direction"`
}

// Validate checks every rating is within [0,10].
func (w RegimeWeights) Validate() error {
	check := func(axis string, v float64) error {
		if v < 0 || v > 10 {
			return fmt.Errorf("%s weight %v out of range [0,10]", axis, v)
		}
		return nil
	}
	for _, v := range w.Trend {
		if err := check("trend", v); err != nil {
			return err
		}
	}
	for _, v := range w.Volatility {
		if err := check("volatility", v); err != nil {
			return err
		}
	}
	for _, v := range w.Liquidity {
		if err := check("liquidity", v); err != nil {
			return err
		}
	}
	for _, v := range w.Direction {
		if err := check("direction", v); err != nil {
			return err
		}
	}
	return nil
}

// Strategy is a named, read-only strategy definition.
type Strategy struct {
	Name    string        `mapstructure:"name"`
	Enabled bool          `mapstructure:"enabled"`
	Weights RegimeWeights `mapstructure:"weights"`
	Risk    RiskParams    `mapstructure:"risk"`
}

// Validate checks the strategy definition.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if err := s.Weights.Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	if err := s.Risk.Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	return nil
}

// Catalog is the registry of strategies in declaration order. Declaration
// order is the selector's tie-break, so it is preserved exactly. Multiple
// named variants of a family (legacy and enhanced) may coexist.
type Catalog struct {
	logger *zap.Logger

	mu      sync.RWMutex
	ordered []*Strategy
	byName  map[string]*Strategy
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	return &Catalog{
		logger: logger.Named("catalog"),
		byName: make(map[string]*Strategy),
	}
}

// Register adds a strategy. Names must be unique; definitions are validated
// here so a bad config fails at startup, not mid-cycle.
func (c *Catalog) Register(s Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[s.Name]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name)
	}

	copied := s
	c.ordered = append(c.ordered, &copied)
	c.byName[s.Name] = &copied

	c.logger.Info("Strategy registered",
		zap.String("name", s.Name),
		zap.Bool("enabled", s.Enabled))
	return nil
}

// Get returns a strategy by name.
func (c *Catalog) Get(name string) (*Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[name]
	return s, ok
}

// Enabled returns enabled strategies in declaration order.
func (c *Catalog) Enabled() []*Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Strategy, 0, len(c.ordered))
	for _, s := range c.ordered {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// List returns all registered strategy names in declaration order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.ordered))
	for i, s := range c.ordered {
		names[i] = s.Name
	}
	return names
}

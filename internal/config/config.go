// Package config loads and validates the engine configuration. Everything is
// read once at startup; nothing here is on the hot path.
package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/api"
	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/condition"
	"github.com/meridianfx/trading-engine/internal/correlation"
	"github.com/meridianfx/trading-engine/internal/engine"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/lifecycle"
	"github.com/meridianfx/trading-engine/internal/sizing"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/workers"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// Config is the root configuration.
type Config struct {
	Server       api.Config    `mapstructure:"server"`
	Logging      LoggingConfig `mapstructure:"logging"`
	PaperTrading bool          `mapstructure:"paper_trading"`

	StartingEquity decimal.Decimal   `mapstructure:"starting_equity"`
	Instruments    []types.Instrument `mapstructure:"instruments"`
	Tiers          []types.AccountTier `mapstructure:"tiers"`

	Engine      engine.Config         `mapstructure:"engine"`
	Condition   condition.Config      `mapstructure:"condition"`
	Strategies  []strategy.Strategy   `mapstructure:"strategies"`
	Selector    strategy.AxisWeights  `mapstructure:"selector"`
	Correlation correlation.Config    `mapstructure:"correlation"`
	Sizing      sizing.Config         `mapstructure:"sizing"`
	Ledger      ledger.Config         `mapstructure:"ledger"`
	Lifecycle   lifecycle.Config      `mapstructure:"lifecycle"`
	Paper       broker.PaperConfig    `mapstructure:"paper"`
	Workers     workers.Config        `mapstructure:"workers"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Default returns the built-in configuration used when no file overrides it.
func Default() Config {
	return Config{
		Server:       api.DefaultConfig(),
		Logging:      LoggingConfig{Level: "info", Format: "json"},
		PaperTrading: true,

		StartingEquity: decimal.NewFromInt(10000),
		Instruments:    DefaultInstruments(),
		Tiers:          DefaultTiers(),
		Strategies:     strategy.BuiltinStrategies(),

		Engine:      engine.DefaultConfig(),
		Condition:   condition.DefaultConfig(),
		Selector:    strategy.DefaultAxisWeights(),
		Correlation: correlation.DefaultConfig(),
		Sizing:      sizing.DefaultConfig(),
		Ledger:      ledger.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
		Paper:       broker.DefaultPaperConfig(),
		Workers:     workers.DefaultConfig("cycles"),
	}
}

// DefaultInstruments returns the stock FX majors used in paper mode.
func DefaultInstruments() []types.Instrument {
	return []types.Instrument{
		{Symbol: "EURUSD", PipSize: decimal.NewFromFloat(0.0001), PipValuePerLot: decimal.NewFromInt(10), CorrelationGroup: "eur-bloc"},
		{Symbol: "GBPUSD", PipSize: decimal.NewFromFloat(0.0001), PipValuePerLot: decimal.NewFromInt(10), CorrelationGroup: "eur-bloc"},
		{Symbol: "USDJPY", PipSize: decimal.NewFromFloat(0.01), PipValuePerLot: decimal.NewFromFloat(9.1), CorrelationGroup: "usd-yen"},
		{Symbol: "AUDUSD", PipSize: decimal.NewFromFloat(0.0001), PipValuePerLot: decimal.NewFromInt(10), CorrelationGroup: "commodity"},
	}
}

// DefaultTiers returns the stock account tier ladder. Tiers partition the
// balance axis: each MaxBalance equals the next MinBalance and the last tier
// is unbounded.
func DefaultTiers() []types.AccountTier {
	return []types.AccountTier{
		{
			Label:               "micro",
			MinBalance:          decimal.Zero,
			MaxBalance:          decimal.NewFromInt(500),
			MaxLotSize:          decimal.NewFromFloat(0.02),
			RiskPercentPerTrade: decimal.NewFromInt(1),
			MaxConcurrentTrades: 1,
		},
		{
			Label:               "mini",
			MinBalance:          decimal.NewFromInt(500),
			MaxBalance:          decimal.NewFromInt(2000),
			MaxLotSize:          decimal.NewFromFloat(0.05),
			RiskPercentPerTrade: decimal.NewFromFloat(1.5),
			MaxConcurrentTrades: 2,
		},
		{
			Label:               "standard",
			MinBalance:          decimal.NewFromInt(2000),
			MaxBalance:          decimal.NewFromInt(25000),
			MaxLotSize:          decimal.NewFromFloat(0.5),
			RiskPercentPerTrade: decimal.NewFromInt(2),
			MaxConcurrentTrades: 3,
		},
		{
			Label:               "professional",
			MinBalance:          decimal.NewFromInt(25000),
			MaxBalance:          decimal.Zero,
			MaxLotSize:          decimal.NewFromInt(5),
			RiskPercentPerTrade: decimal.NewFromInt(2),
			MaxConcurrentTrades: 5,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path loads
// defaults plus MERIDIAN_-prefixed environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MERIDIAN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeHook converts durations from strings and decimals from any numeric
// or string representation.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalHook(),
	)
}

func decimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the cross-cutting constraints a single component cannot
// see: tier partitioning, weight normalization, strategy parameter sanity.
func (c Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("config: engine tick_interval must be positive")
	}
	if c.Engine.BarLookback <= 0 || c.Engine.StructureLookback <= 0 {
		return fmt.Errorf("config: engine lookbacks must be positive")
	}
	if !c.StartingEquity.IsPositive() {
		return fmt.Errorf("config: starting_equity must be positive")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("config: instrument with empty symbol")
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("config: duplicate instrument %s", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if !inst.PipSize.IsPositive() || !inst.PipValuePerLot.IsPositive() {
			return fmt.Errorf("config: instrument %s needs positive pip_size and pip_value_per_lot", inst.Symbol)
		}
	}

	if _, err := sizing.NewTierSet(c.Tiers); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := c.Condition.Weights.Validate(); err != nil {
		return fmt.Errorf("config: condition weights: %w", err)
	}
	if err := c.Selector.Validate(); err != nil {
		return fmt.Errorf("config: selector weights: %w", err)
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("config: at least one strategy is required")
	}
	for i := range c.Strategies {
		if err := c.Strategies[i].Validate(); err != nil {
			return fmt.Errorf("config: strategy %q: %w", c.Strategies[i].Name, err)
		}
	}

	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("config: ledger: %w", err)
	}
	return nil
}

// Catalog builds the strategy catalog from the configured strategies,
// preserving declaration order.
func (c Config) Catalog(logger *zap.Logger) (*strategy.Catalog, error) {
	cat := strategy.NewCatalog(logger)
	for _, s := range c.Strategies {
		if err := cat.Register(s); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// InstrumentMap indexes the configured instruments by symbol.
func (c Config) InstrumentMap() map[string]types.Instrument {
	m := make(map[string]types.Instrument, len(c.Instruments))
	for _, inst := range c.Instruments {
		m[inst.Symbol] = inst
	}
	return m
}

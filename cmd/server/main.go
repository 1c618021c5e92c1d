// Package main starts the regime-adaptive trading engine: market condition
// classification, strategy selection, risk-gated admission, and position
// lifecycle management behind an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianfx/trading-engine/internal/api"
	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/condition"
	"github.com/meridianfx/trading-engine/internal/config"
	"github.com/meridianfx/trading-engine/internal/correlation"
	"github.com/meridianfx/trading-engine/internal/engine"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/lifecycle"
	"github.com/meridianfx/trading-engine/internal/metrics"
	"github.com/meridianfx/trading-engine/internal/sizing"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/workers"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (empty uses defaults)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	autostart := flag.Bool("autostart", false, "Start trading immediately instead of waiting for the start command")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger does not exist yet; stderr is all we have.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level, cfg.Logging.Format)
	defer logger.Sync()

	logger.Info("Starting trading engine",
		zap.String("config", *configPath),
		zap.Bool("paperTrading", cfg.PaperTrading),
		zap.Int("instruments", len(cfg.Instruments)),
		zap.Duration("tickInterval", cfg.Engine.TickInterval))

	if !cfg.PaperTrading {
		logger.Fatal("Only paper trading is wired up; set paper_trading: true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Market data and execution: a seeded synthetic feed behind a paper
	// broker that fills with slippage, latency, and occasional rejections.
	starts := make([]broker.SyntheticStart, len(cfg.Instruments))
	for i, inst := range cfg.Instruments {
		starts[i] = broker.SyntheticStart{
			Instrument: inst,
			StartPrice: defaultStartPrice(inst.Symbol),
			SpreadPips: decimal.NewFromInt(1),
		}
	}
	feed := broker.NewSyntheticFeed(cfg.Paper.Seed, starts)
	paper := broker.NewPaper(logger, cfg.Paper, feed, cfg.Instruments, cfg.StartingEquity)

	bus := events.NewBus(logger, 512)
	led := ledger.New(logger, cfg.Ledger, bus, cfg.StartingEquity, cfg.Instruments)
	lm := lifecycle.NewManager(logger, cfg.Lifecycle, paper, led, bus)
	corr := correlation.NewManager(logger, cfg.Correlation, cfg.Instruments)

	catalog, err := cfg.Catalog(logger)
	if err != nil {
		logger.Fatal("Strategy catalog", zap.Error(err))
	}

	tiers, err := sizing.NewTierSet(cfg.Tiers)
	if err != nil {
		logger.Fatal("Account tiers", zap.Error(err))
	}

	m := metrics.New()
	eng := engine.New(logger, cfg.Engine, cfg.Instruments, engine.Deps{
		Classifier:  condition.NewClassifier(logger, cfg.Condition),
		Selector:    strategy.NewSelector(logger, catalog, cfg.Selector),
		Correlation: corr,
		Tiers:       tiers,
		Sizer:       sizing.NewSizer(logger, cfg.Sizing),
		Ledger:      led,
		Lifecycle:   lm,
		Feed:        feed,
		Account:     paper,
		Pool:        workers.NewPool(logger, cfg.Workers),
		Bus:         bus,
		Metrics:     m,
	})

	server := api.NewServer(logger, cfg.Server, api.Deps{
		Engine:      eng,
		Ledger:      led,
		Lifecycle:   lm,
		Correlation: corr,
		Catalog:     catalog,
		Bus:         bus,
		Metrics:     m,
	})

	if *autostart {
		if err := eng.StartTrading(nil, engine.RiskBalanced); err != nil {
			logger.Fatal("Autostart", zap.Error(err))
		}
	}

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Engine stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	// Stop new entries first, then close everything still open at market
	// before tearing the loop down.
	eng.StopTrading()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	lm.CloseAll(closeCtx, types.CloseManual)
	closeCancel()

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown", zap.Error(err))
	}

	logger.Info("Trading engine stopped")
}

// defaultStartPrice seeds the synthetic feed with a plausible level per pair.
func defaultStartPrice(symbol string) decimal.Decimal {
	switch symbol {
	case "USDJPY":
		return decimal.NewFromFloat(148.50)
	case "GBPUSD":
		return decimal.NewFromFloat(1.2700)
	case "AUDUSD":
		return decimal.NewFromFloat(0.6600)
	default:
		return decimal.NewFromFloat(1.0800)
	}
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if format == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

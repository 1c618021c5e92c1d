package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/condition"
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

type fixture struct {
	server *Server
	ledger *ledger.Ledger
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	instruments := []types.Instrument{{
		Symbol:           "EURUSD",
		PipSize:          decimal.NewFromFloat(0.0001),
		PipValuePerLot:   decimal.NewFromInt(10),
		CorrelationGroup: "eur-bloc",
	}}

	feed := broker.NewSyntheticFeed(7, []broker.SyntheticStart{{
		Instrument: instruments[0],
		StartPrice: decimal.NewFromFloat(1.1000),
		SpreadPips: decimal.NewFromInt(1),
	}})
	paper := broker.NewPaper(logger, broker.DefaultPaperConfig(), feed, instruments, decimal.NewFromInt(10000))

	bus := events.NewBus(logger, 64)
	led := ledger.New(logger, ledger.DefaultConfig(), bus, decimal.NewFromInt(10000), instruments)
	lm := lifecycle.NewManager(logger, lifecycle.DefaultConfig(), paper, led, bus)
	corr := correlation.NewManager(logger, correlation.DefaultConfig(), instruments)

	cat := strategy.NewCatalog(logger)
	for _, s := range strategy.BuiltinStrategies() {
		require.NoError(t, cat.Register(s))
	}

	tiers, err := sizing.NewTierSet([]types.AccountTier{{
		Label:               "standard",
		MinBalance:          decimal.Zero,
		MaxBalance:          decimal.Zero,
		MaxLotSize:          decimal.NewFromFloat(0.5),
		RiskPercentPerTrade: decimal.NewFromInt(2),
		MaxConcurrentTrades: 3,
	}})
	require.NoError(t, err)

	m := metrics.New()
	eng := engine.New(logger, engine.DefaultConfig(), instruments, engine.Deps{
		Classifier:  condition.NewClassifier(logger, condition.DefaultConfig()),
		Selector:    strategy.NewSelector(logger, cat, strategy.DefaultAxisWeights()),
		Correlation: corr,
		Tiers:       tiers,
		Sizer:       sizing.NewSizer(logger, sizing.DefaultConfig()),
		Ledger:      led,
		Lifecycle:   lm,
		Feed:        feed,
		Account:     paper,
		Pool:        workers.NewPool(logger, workers.DefaultConfig("test")),
		Bus:         bus,
		Metrics:     m,
	})

	srv := NewServer(logger, DefaultConfig(), Deps{
		Engine:      eng,
		Ledger:      led,
		Lifecycle:   lm,
		Correlation: corr,
		Catalog:     cat,
		Bus:         bus,
		Metrics:     m,
	})

	return &fixture{server: srv, ledger: led, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestStatusReflectsTradingCommands(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)

	rec = f.do(t, http.MethodPost, "/api/v1/trading/start", `{"riskLevel":"conservative"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)
	assert.Equal(t, engine.RiskConservative, status.RiskLevel)

	rec = f.do(t, http.MethodPost, "/api/v1/trading/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
}

func TestStartTradingRejectsUnknownInstrument(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/trading/start", `{"instruments":["XAUUSD"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToggleInstrument(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/instruments/EURUSD/toggle", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":false`)

	rec = f.do(t, http.MethodPost, "/api/v1/instruments/XAUUSD/toggle", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHaltAndResume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/halt", `{"reason":"maintenance window"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Halted)
	assert.Equal(t, "maintenance window", snap.HaltReason)

	rec = f.do(t, http.MethodPost, "/api/v1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.Halted)
}

func TestEventsEndpointReturnsHistory(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(events.New(events.EventTypeCondition, events.SeverityInfo, "EURUSD", "regime shift", nil))

	rec := f.do(t, http.MethodGet, "/api/v1/events?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "regime shift")

	rec = f.do(t, http.MethodGet, "/api/v1/events?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionsAndLedgerEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)

	rec = f.do(t, http.MethodGet, "/api/v1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(10000)))
}

func TestStrategiesEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/strategies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trend_rider")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

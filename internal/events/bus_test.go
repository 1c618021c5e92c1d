package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusTypedSubscription(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)

	var got []Event
	bus.Subscribe(EventTypeAdmission, func(e Event) { got = append(got, e) })

	bus.Publish(New(EventTypeAdmission, SeverityWarning, "EURUSD", "correlated exposure limit", nil))
	bus.Publish(New(EventTypeCycleSkipped, SeverityInfo, "GBPUSD", "confidence below threshold", nil))

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeAdmission, got[0].Type)
	assert.Equal(t, "EURUSD", got[0].Instrument)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16)

	count := 0
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(New(EventTypeCondition, SeverityInfo, "EURUSD", "reclassified", nil))
	bus.Publish(New(EventTypeCircuitBreaker, SeverityCritical, "", "daily loss limit reached", nil))

	assert.Equal(t, 2, count)
}

func TestBusHistoryBounded(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)

	for i := 0; i < 10; i++ {
		bus.Publish(New(EventTypePosition, SeverityInfo, "USDJPY", "update", i))
	}

	hist := bus.History(0)
	require.Len(t, hist, 4)
	assert.Equal(t, 6, hist[0].Data)
	assert.Equal(t, 9, hist[3].Data)

	assert.Len(t, bus.History(2), 2)
	assert.Equal(t, 9, bus.History(2)[1].Data)
}

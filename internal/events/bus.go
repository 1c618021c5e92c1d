// Package events provides the typed event bus feeding the status surface.
// The dashboard must be able to tell a benign skipped cycle apart from a
// tripped circuit breaker or a fatal execution error, so severity travels
// with every event.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	// Benign flow events
	EventTypeCondition    EventType = "condition"
	EventTypeCycleSkipped EventType = "cycle_skipped"
	EventTypeAdmission    EventType = "admission_rejected"

	// Position lifecycle events
	EventTypePosition EventType = "position"

	// Attention-required events
	EventTypeCircuitBreaker EventType = "circuit_breaker"
	EventTypeExecutionFatal EventType = "execution_fatal"
)

// Severity ranks how urgently an event needs operator attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single bus message.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Severity   Severity  `json:"severity"`
	Instrument string    `json:"instrument,omitempty"`
	Message    string    `json:"message"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// New builds an event with a fresh ID and timestamp.
func New(t EventType, severity Severity, instrument, message string, data any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		Severity:   severity,
		Instrument: instrument,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now(),
	}
}

// Handler consumes published events. Handlers must not block.
type Handler func(Event)

// Bus is a lightweight publish/subscribe hub. Publishing never blocks the
// hot path: slow subscribers drop events rather than stall trading cycles.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler

	historyMu sync.Mutex
	history   []Event
	historyCap int
}

// NewBus creates an event bus keeping the last historyCap events for the
// status API.
func NewBus(logger *zap.Logger, historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 256
	}
	return &Bus{
		logger:     logger.Named("events"),
		handlers:   make(map[EventType][]Handler),
		historyCap: historyCap,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to subscribers and records it in history.
func (b *Bus) Publish(e Event) {
	b.historyMu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	b.historyMu.Unlock()

	b.mu.RLock()
	typed := b.handlers[e.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range all {
		h(e)
	}

	if e.Severity == SeverityCritical {
		b.logger.Error("Critical event",
			zap.String("type", string(e.Type)),
			zap.String("instrument", e.Instrument),
			zap.String("message", e.Message))
	}
}

// History returns the most recent events, newest last. A non-positive limit
// returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

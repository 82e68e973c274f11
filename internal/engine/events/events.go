// Package events records account lifecycle events: initialization,
// delegation handoffs, commits and reconciliation. The ring buffer feeds the
// HTTP event endpoints and the websocket stream.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
)

// EventType classifies an event.
type EventType string

const (
	EventAccountInitialized EventType = "account.initialized"

	EventHandoffMarked      EventType = "handoff.marked"
	EventHandoffCompensated EventType = "handoff.compensated"
	EventHandoffStuck       EventType = "handoff.stuck"
	EventOrphanEvicted      EventType = "handoff.orphan_evicted"

	EventDelegated    EventType = "delegation.delegated"
	EventCommitted    EventType = "delegation.committed"
	EventUndelegated  EventType = "delegation.undelegated"
	EventCheckpointed EventType = "delegation.checkpointed"
	EventFailed       EventType = "delegation.failed"

	EventReconcileStarted  EventType = "reconcile.started"
	EventReconcileResolved EventType = "reconcile.resolved"
	EventReconcileFailed   EventType = "reconcile.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one structured lifecycle record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Account   string           `json:"account,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Component string           `json:"component,omitempty"` // delegation|program|reconciler|scheduler
	State     state.Delegation `json:"state"`
	Validator string           `json:"validator,omitempty"`
	HandoffID string           `json:"handoff_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// EventLogger is implemented by RingBuffer and NoOpLogger.
type EventLogger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler EventHandler) func()
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()
	Recent(n int) []Event
	RecentByAccount(account string, n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers outside the lock.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = id
	}
	rb.Log(event)
}

func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler and returns its unsubscribe func.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recentMatching(n, nil)
}

func (rb *RingBuffer) RecentByAccount(account string, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Account == account })
}

func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) recentMatching(n int, match EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		e := rb.events[(rb.head-1-i+rb.size)%rb.size]
		if match == nil || match(e) {
			result = append(result, e)
		}
	}
	return result
}

func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID tags events logged with ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID attached by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *EventBuilder) Account(address, kind string) *EventBuilder {
	b.event.Account = address
	b.event.Kind = kind
	return b
}

func (b *EventBuilder) Component(component string) *EventBuilder {
	b.event.Component = component
	return b
}

func (b *EventBuilder) State(s state.Delegation) *EventBuilder {
	b.event.State = s
	return b
}

func (b *EventBuilder) Validator(id string) *EventBuilder {
	b.event.Validator = id
	return b
}

func (b *EventBuilder) Handoff(id string) *EventBuilder {
	b.event.HandoffID = id
	return b
}

func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom records err and raises the severity to error.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

func (b *EventBuilder) Duration(d time.Duration) *EventBuilder {
	b.event.Duration = d
	return b
}

func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

func (b *EventBuilder) LogTo(logger EventLogger) {
	logger.Log(b.Build())
}

func (b *EventBuilder) LogToWithContext(ctx context.Context, logger EventLogger) {
	logger.LogWithContext(ctx, b.Build())
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) LogWithContext(context.Context, Event)              {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByAccount(string, int) []Event                { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event                { return nil }

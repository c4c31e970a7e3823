// Package bus is an in-process publish/subscribe channel for bridge
// lifecycle events. Subscribers run synchronously on the emitting goroutine.
package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Well-known event types.
const (
	EventListening    = "bridge.listening"
	EventDisconnected = "bridge.disconnected"
	EventReceived     = "event.received"
	EventDuplicate    = "event.duplicate"
	EventHandled      = "event.handled"
	EventFailed       = "event.failed"
	EventMessageSent  = "message.sent"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`            // originating component
	Payload   map[string]any `json:"payload,omitempty"` // event-specific data, never credentials
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus dispatches events to handlers registered per type or for "*",
// and keeps a bounded history for replay.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	logger     logrus.FieldLogger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a bus that remembers the last 1000 events.
func NewEventBus(logger logrus.FieldLogger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers handler for eventType ("*" for all) and returns an ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records event and calls the matching handlers in registration order.
// A panicking handler is logged and does not affect the others. A nil bus
// drops the event.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.WithFields(logrus.Fields{
						"event":   event.Type,
						"handler": nh.ID,
						"panic":   r,
					}).Error("event handler panic")
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns recorded events of eventType ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	if eb == nil {
		return nil
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// LogEvents subscribes a debug logger to every event and returns its handler ID.
func LogEvents(eb *EventBus, logger logrus.FieldLogger) string {
	return eb.On("*", func(e Event) {
		fields := logrus.Fields{"event": e.Type, "source": e.Source}
		for k, v := range e.Payload {
			fields[k] = v
		}
		logger.WithFields(fields).Debug("bridge event")
	})
}

// Handler serves the recorded history as JSON. The optional "type" query
// parameter filters by event type; "since" takes an RFC 3339 time or a
// duration such as "15m" counted back from now.
func (eb *EventBus) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		q := r.URL.Query()
		eventType := q.Get("type")
		if eventType == "" {
			eventType = "*"
		}
		since, err := parseSince(q.Get("since"), time.Now())
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
			return
		}

		events := eb.Replay(eventType, since)
		if events == nil {
			events = []Event{}
		}
		json.NewEncoder(rw).Encode(map[string]any{"events": events})
	})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since: want an RFC 3339 time or a duration, got %q", v)
	}
	return t, nil
}

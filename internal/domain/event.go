package domain

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType is the Google Chat event type carried in the "type" field.
type EventType string

const (
	EventMessage          EventType = "MESSAGE"
	EventAddedToSpace     EventType = "ADDED_TO_SPACE"
	EventRemovedFromSpace EventType = "REMOVED_FROM_SPACE"
	EventCardClicked      EventType = "CARD_CLICKED"
	EventUnknown          EventType = "UNKNOWN"
)

// ParseEventType maps a raw type string to a known EventType.
func ParseEventType(s string) EventType {
	switch EventType(s) {
	case EventMessage, EventAddedToSpace, EventRemovedFromSpace, EventCardClicked:
		return EventType(s)
	default:
		return EventUnknown
	}
}

// DetectEventType peeks at the "type" field of a raw Chat event body.
// Bodies that are not JSON objects yield EventUnknown.
func DetectEventType(body []byte) EventType {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return EventUnknown
	}
	return ParseEventType(head.Type)
}

// InboundEvent is a single delivery from the subscription channel.
// The zero value has no acknowledgment handle; Ack and Nack are no-ops on it.
type InboundEvent struct {
	ID          string
	Type        EventType
	Body        []byte
	Attributes  map[string]string
	PublishTime time.Time

	handle *ackHandle
}

// NewInboundEvent wraps a delivery. ack and nack are invoked at most once in
// total across all copies of the returned event.
func NewInboundEvent(id string, body []byte, attrs map[string]string, published time.Time, ack, nack func()) InboundEvent {
	return InboundEvent{
		ID:          id,
		Type:        DetectEventType(body),
		Body:        body,
		Attributes:  attrs,
		PublishTime: published,
		handle:      &ackHandle{ack: ack, nack: nack},
	}
}

// Ack acknowledges successful processing. It reports whether this call
// settled the event.
func (e InboundEvent) Ack() bool {
	if e.handle == nil {
		return false
	}
	return e.handle.settle(true)
}

// Nack negatively acknowledges the event so the provider redelivers it.
// It reports whether this call settled the event.
func (e InboundEvent) Nack() bool {
	if e.handle == nil {
		return false
	}
	return e.handle.settle(false)
}

// Settled reports whether Ack or Nack has already been called.
func (e InboundEvent) Settled() bool {
	if e.handle == nil {
		return false
	}
	e.handle.mu.Lock()
	defer e.handle.mu.Unlock()
	return e.handle.done
}

type ackHandle struct {
	mu   sync.Mutex
	done bool
	ack  func()
	nack func()
}

func (h *ackHandle) settle(ok bool) bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	h.mu.Unlock()

	fn := h.nack
	if ok {
		fn = h.ack
	}
	if fn != nil {
		fn()
	}
	return true
}

package runicrpc

import (
	"sync/atomic"
	"time"
)

// EventType tags a lifecycle event variant. The set is closed.
type EventType string

const (
	EventRequestSuccess  EventType = "request:success"
	EventRequestFailure  EventType = "request:failure"
	EventCircuitOpen     EventType = "circuit:open"
	EventCircuitHalfOpen EventType = "circuit:halfOpen"
	EventCircuitClosed   EventType = "circuit:closed"
	EventFailover        EventType = "failover"
	EventCacheHit        EventType = "cache:hit"
	EventCacheMiss       EventType = "cache:miss"
)

// Event is one structured lifecycle event. Fields are populated per type:
// request events carry Method/Endpoint/Latency or Reason, circuit events
// carry Endpoint, failover carries From/To/Method, cache events carry
// Fingerprint.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Method      string
	Endpoint    string
	From        string
	To          string
	Fingerprint string
	Reason      string
	Latency     time.Duration
}

// EventSink receives lifecycle events. Emit must never block: a slow or
// failing sink must not stall request processing, so implementations drop
// rather than wait.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(e Event) { f(e) }

// ChannelSink buffers events on a channel for an external consumer. When
// the buffer is full the event is dropped and counted, keeping emission
// non-blocking.
type ChannelSink struct {
	ch      chan Event
	dropped uint64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit implements EventSink.
func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Events returns the channel to consume from.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Dropped returns the number of events discarded due to a full buffer.
func (s *ChannelSink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (c *Client) emit(e Event) {
	if c.events == nil {
		return
	}
	e.Timestamp = time.Now()
	c.events.Emit(e)
}

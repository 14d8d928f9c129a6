// Package events is the cluster's lifecycle analytics bus: string-typed
// pub/sub for cross-cutting notifications (scaling decisions, health
// transitions, rolling-update progress) consumed by dashboards and the
// admin routes. This is deliberately separate from internal/plugins'
// typed Hook[T] request-lifecycle hooks — that system exists so request
// middleware never juggles untyped payloads; this one exists because
// analytics consumers genuinely want a single firehose of
// heterogeneous, loosely-typed events to subscribe to by type or fan-in.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/logging"
)

// Event is one lifecycle notification on the bus.
type Event struct {
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data"`
}

// NewEvent stamps an id/timestamp and returns an Event ready to publish.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:    eventType,
		Source:  source,
		ID:      fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Time:    time.Now(),
		Subject: subject,
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame, for the
// admin dashboard's live event stream.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Emitter is satisfied by anything that can publish a lifecycle event —
// every component (autoscaler, health monitor, load balancer, cluster
// manager) emits through this, not a concrete *Bus, so tests can swap
// in a recording fake.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in
// real time over a buffered channel; a full channel drops the event
// rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *slog.Logger
	bufferSize  int
}

// NewBus creates an event bus with a 100-event per-subscriber buffer.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      logging.Component(logger, "events"),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// every event if eventTypes is empty.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, target chan *Event) []chan *Event {
	filtered := make([]chan *Event, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish fans an event out to every matching subscriber, never blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping event", "type", event.Type)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

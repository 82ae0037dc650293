package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink receives every published event after local subscribers.
type Sink interface {
	Forward(e Event)
}

// EventHub fans events out to in-process subscribers and to sinks.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	sinks  []Sink
	buffer int
}

// HubOption applies an option to the EventHub.
type HubOption func(*EventHub)

// WithBuffer sets the channel buffer of each subscriber.
func WithBuffer(n int) HubOption { return func(h *EventHub) { h.buffer = n } }

// WithSink adds a sink, e.g. an MQTTBridge.
func WithSink(s Sink) HubOption {
	return func(h *EventHub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

func NewEventHub(opts ...HubOption) *EventHub {
	h := &EventHub{subs: make(map[chan Event]struct{}), buffer: 16}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish marshals payload and delivers it. Slow subscribers miss events
// instead of blocking the publisher.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	msg, err := NewEvent(name, payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Error("failed to marshal event")
		return
	}

	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logrus.WithField("event", name).Debug("subscriber too slow, event dropped")
		}
	}
	sinks := h.sinks
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Forward(msg)
	}
}

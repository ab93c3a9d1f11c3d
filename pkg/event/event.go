// Package event provides the in-process notification bus that connects the
// filament modules. Publishing is synchronous: handlers run inline on the
// publishing goroutine, in subscription order, so a module that publishes
// from a timer callback knows every reaction has completed when Publish
// returns.
package event

import (
	"sync"

	"filament-host/pkg/log"
)

// Topics published by the filament modules. Subscribers use these rather
// than spelling the strings out at call sites.
const (
	TopicFilamentPresent = "cutter_sensor:filament_present"
	TopicNoFilament      = "cutter_sensor:no_filament"
	TopicCutStart        = "cutter:cut_start"
	TopicCutEnd          = "cutter:cut_end"
	TopicCutFailed       = "cutter:cut_failed"
	TopicUnloadStart     = "unload_filament:start"
	TopicUnloadEnd       = "unload_filament:end"
	TopicUnloadTimeout   = "unload_filament:timeout"
	TopicHostReady       = "host:ready"
	TopicHostShutdown    = "host:shutdown"
)

// Handler receives the reactor event time at which the topic was published.
type Handler func(eventtime float64)

// Bus is a topic-keyed registry of handlers. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *log.Logger
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   log.GetLogger("event"),
	}
}

// Subscribe appends a handler for the given topic. Handlers for a topic run
// in the order they were subscribed.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

// Publish runs every handler subscribed to topic on the calling goroutine.
// A handler must not call Subscribe for the same topic from within its own
// invocation loop; new subscriptions take effect on the next Publish.
func (b *Bus) Publish(topic string, eventtime float64) {
	b.mu.RLock()
	hs := b.handlers[topic]
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.logger.Debug("publish %s: no subscribers", topic)
		return
	}
	b.logger.Debug("publish %s to %d subscriber(s)", topic, len(hs))
	for _, h := range hs {
		h(eventtime)
	}
}

// HandlerCount reports how many handlers are subscribed to topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

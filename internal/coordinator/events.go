package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventStatus         = "status"
	EventPropertyUpdate = "property_update"
	EventCommand        = "command"
	EventAvailability   = "availability"
)

// Event is published on the bus after every poll and every accepted command.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// PropertyUpdate is the payload of EventPropertyUpdate.
type PropertyUpdate struct {
	Attribute string `json:"attribute"`
	Old       any    `json:"old"`
	New       any    `json:"new"`
}

// CommandInfo is the payload of EventCommand.
type CommandInfo struct {
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
	Code  int    `json:"code"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous pub/sub hub. Handlers run on the emitting
// goroutine; a panicking handler is logged and skipped.
type EventBus struct {
	mu       sync.RWMutex
	byType   map[string]map[uint64]EventHandler
	wildcard map[uint64]EventHandler
	nextID   uint64
	logger   *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType:   make(map[string]map[uint64]EventHandler),
		wildcard: make(map[uint64]EventHandler),
		logger:   logger,
	}
}

// On subscribes to one event type and returns the unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.byType[eventType] == nil {
		eb.byType[eventType] = make(map[uint64]EventHandler)
	}
	eb.byType[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.byType[eventType], id)
	}
}

// OnAll subscribes to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.wildcard[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.wildcard, id)
	}
}

// Emit delivers e to its subscribers. A zero Time is set to now.
func (eb *EventBus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	eb.mu.RLock()
	targets := make([]EventHandler, 0, len(eb.byType[e.Type])+len(eb.wildcard))
	for _, h := range eb.byType[e.Type] {
		targets = append(targets, h)
	}
	for _, h := range eb.wildcard {
		targets = append(targets, h)
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.dispatch(h, e)
	}
}

func (eb *EventBus) dispatch(h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", e.Type, "panic", r)
		}
	}()
	h(e)
}

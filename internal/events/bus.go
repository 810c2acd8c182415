package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is the in-process publish/subscribe hub. Publish delivers in
// order on the caller's goroutine; Emit fans out asynchronously. The last
// event of every type is retained so late subscribers can catch up.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	last     map[EventType]Event
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		last:     make(map[EventType]Event),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging and Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeBuffered registers a handler and immediately replays the most
// recent event of that type to it, if one was ever published. The last
// value is read under the same lock that registers the handler, so an
// event published concurrently is seen either as the replay or as a
// regular delivery, never both.
func (eb *EventBus) SubscribeBuffered(ctx context.Context, eventType EventType, name string, handler HandlerFunc) {
	entry := handlerEntry{name: name, handler: handler}

	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], entry)
	ev, ok := eb.last[eventType]
	eb.mu.Unlock()

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Bool("replay", ok).
		Msg("subscribed to event")

	if ok {
		eb.invoke(ctx, ev, entry)
	}
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Last returns the most recent event published for eventType.
func (eb *EventBus) Last(eventType EventType) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	ev, ok := eb.last[eventType]
	return ev, ok
}

// snapshot records ev as the last value and returns a copy of its handlers.
// When async is set the wait group is charged before the lock is released
// so Stop cannot miss the handlers.
func (eb *EventBus) snapshot(ev Event, async bool) ([]handlerEntry, bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return nil, false
	}
	eb.last[ev.Type] = ev

	handlers := eb.handlers[ev.Type]
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)
	if async {
		eb.wg.Add(len(out))
	}
	return out, true
}

// Publish delivers an event to every handler sequentially, in subscription
// order, on the calling goroutine. Handlers may publish further events.
func (eb *EventBus) Publish(ctx context.Context, event Event) {
	handlers, ok := eb.snapshot(event, false)
	if !ok {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("publishing event")

	for _, h := range handlers {
		eb.invoke(ctx, event, h)
	}
}

// Emit publishes an event to all subscribed handlers asynchronously.
// Each handler runs in its own goroutine.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers, ok := eb.snapshot(event, true)
	if !ok {
		return
	}

	for _, h := range handlers {
		h := h
		go func() {
			defer eb.wg.Done()
			eb.invoke(ctx, event, h)
		}()
	}
}

func (eb *EventBus) invoke(ctx context.Context, event Event, h handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
}

// Stop signals the EventBus to stop accepting new events and waits
// for all in-flight asynchronous handlers to complete.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

package services

import (
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/metrics"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

// Handler receives one occurrence of a subscribed event.
type Handler func(transport.Event)

type subscription struct {
	id      uint64
	handler Handler
}

// SubscriptionRegistry maps event names to ordered handler lists. Each
// Subscribe returns a disposer that removes exactly that registration once.
type SubscriptionRegistry struct {
	handlers cmap.ConcurrentMap[string, []*subscription]
	nextID   atomic.Uint64
	logger   zerolog.Logger
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry(logger zerolog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		handlers: cmap.New[[]*subscription](),
		logger:   logger,
	}
}

// Subscribe registers handler for every future occurrence of event.
func (r *SubscriptionRegistry) Subscribe(event string, handler Handler) (unsubscribe func()) {
	sub := &subscription{id: r.nextID.Add(1), handler: handler}

	r.handlers.Upsert(event, nil, func(exist bool, current, _ []*subscription) []*subscription {
		next := make([]*subscription, len(current), len(current)+1)
		copy(next, current)
		return append(next, sub)
	})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(event, sub.id) })
	}
}

func (r *SubscriptionRegistry) remove(event string, id uint64) {
	r.handlers.Upsert(event, nil, func(exist bool, current, _ []*subscription) []*subscription {
		next := make([]*subscription, 0, len(current))
		for _, s := range current {
			if s.id != id {
				next = append(next, s)
			}
		}
		return next
	})
	r.handlers.RemoveCb(event, func(_ string, current []*subscription, exists bool) bool {
		return exists && len(current) == 0
	})
}

// Dispatch invokes every handler of ev.Name in registration order. A panicking
// handler is logged and skipped.
func (r *SubscriptionRegistry) Dispatch(ev transport.Event) {
	subs, ok := r.handlers.Get(ev.Name)
	if !ok {
		return
	}
	for _, s := range subs {
		r.invoke(ev, s)
	}
}

func (r *SubscriptionRegistry) invoke(ev transport.Event, s *subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.WithLabelValues(ev.Name).Inc()
			r.logger.Error().
				Str("event", ev.Name).
				Interface("panic", rec).
				Msg("Event handler panicked")
		}
	}()
	s.handler(ev)
}

// Count returns the number of handlers registered for event.
func (r *SubscriptionRegistry) Count(event string) int {
	subs, _ := r.handlers.Get(event)
	return len(subs)
}

// Clear drops every registration. Outstanding disposers become no-ops.
func (r *SubscriptionRegistry) Clear() {
	r.handlers.Clear()
}

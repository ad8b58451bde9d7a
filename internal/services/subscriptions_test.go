package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/benmeehan/udp-tracker/pkg/transport"
)

func TestSubscriptionRegistry_DispatchInRegistrationOrder(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	var order []int

	r.Subscribe("stats-update", func(transport.Event) { order = append(order, 1) })
	r.Subscribe("stats-update", func(transport.Event) { order = append(order, 2) })
	r.Subscribe("other", func(transport.Event) { order = append(order, 99) })
	r.Subscribe("stats-update", func(transport.Event) { order = append(order, 3) })

	r.Dispatch(transport.Event{Name: "stats-update"})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscriptionRegistry_UnsubscribeRemovesExactlyOne(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	calls := map[string]int{}

	first := r.Subscribe("pong", func(transport.Event) { calls["first"]++ })
	r.Subscribe("pong", func(transport.Event) { calls["second"]++ })

	first()
	first()
	r.Dispatch(transport.Event{Name: "pong"})

	assert.Equal(t, 0, calls["first"])
	assert.Equal(t, 1, calls["second"])
	assert.Equal(t, 1, r.Count("pong"))
}

func TestSubscriptionRegistry_SameHandlerTwice(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	n := 0
	h := func(transport.Event) { n++ }

	a := r.Subscribe("pong", h)
	r.Subscribe("pong", h)
	a()

	r.Dispatch(transport.Event{Name: "pong"})
	assert.Equal(t, 1, n)
}

func TestSubscriptionRegistry_PanicDoesNotStopOthers(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	ran := false

	r.Subscribe("location-update", func(transport.Event) { panic("boom") })
	r.Subscribe("location-update", func(transport.Event) { ran = true })

	assert.NotPanics(t, func() { r.Dispatch(transport.Event{Name: "location-update"}) })
	assert.True(t, ran)
}

func TestSubscriptionRegistry_Clear(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	n := 0
	dispose := r.Subscribe("pong", func(transport.Event) { n++ })

	r.Clear()
	r.Dispatch(transport.Event{Name: "pong"})
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, r.Count("pong"))

	assert.NotPanics(t, dispose)
}

func TestSubscriptionRegistry_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	r := NewSubscriptionRegistry(zerolog.Nop())
	n := 0
	var dispose func()
	dispose = r.Subscribe("pong", func(transport.Event) {
		n++
		dispose()
	})

	r.Dispatch(transport.Event{Name: "pong"})
	r.Dispatch(transport.Event{Name: "pong"})
	assert.Equal(t, 1, n)
}

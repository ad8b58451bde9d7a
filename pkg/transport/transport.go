package transport

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
)

// ErrClosed is returned by ReadEvent when the remote side or the local side
// closed the channel without a transport failure.
var ErrClosed = errors.New("transport: connection closed")

// Event is a named message travelling over a push channel.
type Event struct {
	Name string
	Data json.RawMessage
}

// NewEvent encodes payload into an Event. A nil payload produces an event without data.
func NewEvent(name string, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Name: name, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("transport: event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Transport opens push-channel connections.
type Transport interface {
	// Dial performs the full handshake. It must honour ctx cancellation and deadline.
	Dial(ctx context.Context) (Conn, error)
	// Name identifies the transport in logs.
	Name() string
}

// Conn is a single established push-channel connection.
type Conn interface {
	// ReadEvent blocks until the next application event arrives.
	ReadEvent() (Event, error)
	// WriteEvent sends an event upstream. Safe for concurrent use.
	WriteEvent(Event) error
	// ID returns the session identifier assigned during the handshake, if any.
	ID() string
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

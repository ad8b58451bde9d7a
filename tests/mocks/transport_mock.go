package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/benmeehan/udp-tracker/pkg/transport"
)

// DialFunc scripts one Dial call.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// DialConn returns a DialFunc that succeeds with conn.
func DialConn(conn transport.Conn) DialFunc {
	return func(context.Context) (transport.Conn, error) { return conn, nil }
}

// DialError returns a DialFunc that fails with err.
func DialError(err error) DialFunc {
	return func(context.Context) (transport.Conn, error) { return nil, err }
}

// DialBlock returns a DialFunc that hangs until ctx ends.
func DialBlock() DialFunc {
	return func(ctx context.Context) (transport.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// FakeTransport replays scripted dial results, then falls back to Fallback.
type FakeTransport struct {
	Fallback DialFunc

	mu     sync.Mutex
	script []DialFunc
	dials  int
}

// NewFakeTransport creates a transport that plays script in order.
func NewFakeTransport(script ...DialFunc) *FakeTransport {
	return &FakeTransport{script: script}
}

// Then appends a step to the script.
func (f *FakeTransport) Then(fn DialFunc) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fn)
	return f
}

func (f *FakeTransport) Name() string { return "fake" }

func (f *FakeTransport) Dial(ctx context.Context) (transport.Conn, error) {
	f.mu.Lock()
	f.dials++
	var fn DialFunc
	if len(f.script) > 0 {
		fn = f.script[0]
		f.script = f.script[1:]
	} else {
		fn = f.Fallback
	}
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("fake: no dial scripted")
	}
	return fn(ctx)
}

// Dials returns how many times Dial was called.
func (f *FakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// FakeConn is an in-memory transport.Conn driven by the test.
type FakeConn struct {
	id      string
	inbound chan transport.Event
	errs    chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []transport.Event
}

// NewFakeConn creates an open connection with session id.
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{
		id:      id,
		inbound: make(chan transport.Event, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Push delivers ev to the reader.
func (c *FakeConn) Push(ev transport.Event) {
	c.inbound <- ev
}

// Fail makes the next read return err once queued events are drained.
func (c *FakeConn) Fail(err error) {
	c.errs <- err
}

func (c *FakeConn) ReadEvent() (transport.Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.inbound:
		return ev, nil
	case err := <-c.errs:
		return transport.Event{}, err
	case <-c.closed:
		return transport.Event{}, transport.ErrClosed
	}
}

func (c *FakeConn) WriteEvent(ev transport.Event) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, ev)
	return nil
}

func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WrittenNames returns the names of every event written so far.
func (c *FakeConn) WrittenNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.written))
	for _, ev := range c.written {
		names = append(names, ev.Name)
	}
	return names
}

package socketio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	enginePath     = "/socket.io/"
	engineProtocol = "4"
)

// Transport dials Socket.IO servers over the websocket transport.
type Transport struct {
	endpoint  string
	namespace string
	dialer    *websocket.Dialer
	logger    zerolog.Logger
}

// NewTransport creates a transport for the server at rawURL. Both http(s) and
// ws(s) schemes are accepted; the Engine.IO path is appended when missing.
func NewTransport(rawURL, namespace string, logger zerolog.Logger) (*Transport, error) {
	endpoint, err := EndpointURL(rawURL)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = defaultNamespace
	} else if !strings.HasPrefix(namespace, "/") {
		namespace = "/" + namespace
	}
	return &Transport{
		endpoint:  endpoint,
		namespace: namespace,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		logger: logger,
	}, nil
}

// EndpointURL converts a server base URL into its Engine.IO websocket endpoint.
func EndpointURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid socket url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket url %q has no host", rawURL)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = enginePath
	} else if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	q := u.Query()
	q.Set("EIO", engineProtocol)
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string {
	return "socketio"
}

// Dial opens the websocket and completes the Engine.IO and namespace handshakes.
func (t *Transport) Dial(ctx context.Context) (transport.Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// Unblock handshake reads if ctx ends before a deadline fires.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}

	c := &Conn{ws: ws, namespace: t.namespace, logger: t.logger}
	if err := c.handshake(); err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	t.logger.Debug().Str("sid", c.sid).Str("namespace", c.namespace).Msg("Socket.IO handshake complete")
	return c, nil
}

// Conn is an established Socket.IO session.
type Conn struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	logger    zerolog.Logger

	readTimeout time.Duration
	writeMu     sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

func (c *Conn) handshake() error {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading engine open packet: %w", err)
	}
	frame, err := DecodeFrame(msg)
	if err != nil {
		return err
	}
	if frame.Engine != EngineOpen {
		return fmt.Errorf("expected engine open packet, got %q", frame.Engine)
	}

	var open OpenPacket
	if err := json.Unmarshal(frame.Payload, &open); err != nil {
		return fmt.Errorf("malformed engine open packet: %w", err)
	}
	if open.PingInterval > 0 {
		c.readTimeout = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	}

	if err := c.writeRaw(EncodeConnect(c.namespace)); err != nil {
		return fmt.Errorf("joining namespace %s: %w", c.namespace, err)
	}

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for namespace connect: %w", err)
		}
		frame, err := DecodeFrame(msg)
		if err != nil {
			return err
		}

		switch {
		case frame.Engine == EnginePing:
			if err := c.writeRaw([]byte{EnginePong}); err != nil {
				return err
			}
		case frame.Engine == EngineClose:
			return transport.ErrClosed
		case frame.Engine == EngineMessage && frame.Socket == SocketConnect:
			var payload ConnectPayload
			if len(frame.Payload) > 0 {
				if err := json.Unmarshal(frame.Payload, &payload); err != nil {
					return fmt.Errorf("malformed connect packet: %w", err)
				}
			}
			c.sid = payload.SID
			if c.sid == "" {
				c.sid = open.SID
			}
			return nil
		case frame.Engine == EngineMessage && frame.Socket == SocketConnectError:
			var payload ConnectErrorPayload
			_ = json.Unmarshal(frame.Payload, &payload)
			if payload.Message == "" {
				payload.Message = string(frame.Payload)
			}
			return fmt.Errorf("connect_error: %s", payload.Message)
		}
	}
}

// ID returns the namespace session id.
func (c *Conn) ID() string {
	return c.sid
}

// ReadEvent returns the next EVENT packet, answering engine pings on the way.
func (c *Conn) ReadEvent() (transport.Event, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return transport.Event{}, transport.ErrClosed
			}
			return transport.Event{}, err
		}

		frame, err := DecodeFrame(msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Skipping malformed frame")
			continue
		}

		switch frame.Engine {
		case EnginePing:
			if err := c.writeRaw([]byte{EnginePong}); err != nil {
				return transport.Event{}, err
			}
		case EngineClose:
			return transport.Event{}, transport.ErrClosed
		case EngineMessage:
			if frame.Namespace != c.namespace {
				continue
			}
			switch frame.Socket {
			case SocketDisconnect:
				return transport.Event{}, transport.ErrClosed
			case SocketConnectError:
				return transport.Event{}, fmt.Errorf("connect_error: %s", frame.Payload)
			case SocketEvent:
				name, data, err := DecodeEvent(frame.Payload)
				if err != nil {
					c.logger.Debug().Err(err).Msg("Skipping malformed event")
					continue
				}
				return transport.Event{Name: name, Data: data}, nil
			}
		}
	}
}

// WriteEvent emits an event on the connection namespace.
func (c *Conn) WriteEvent(ev transport.Event) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	frame, err := EncodeEvent(c.namespace, ev.Name, ev.Data)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *Conn) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close leaves the namespace and closes the websocket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if werr := c.writeRaw(EncodeDisconnect(c.namespace)); werr != nil {
			c.logger.Debug().Err(werr).Msg("Failed to send disconnect packet")
		}

		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.ws.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}

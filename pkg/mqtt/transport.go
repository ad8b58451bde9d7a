package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/pkg/transport"
)

const (
	publishTimeout = 10 * time.Second
	eventBuffer    = 64
)

// Transport carries push-channel events over MQTT topics. Inbound events are
// published by the backend on <prefix>/events/<name>; outbound events go to
// <prefix>/requests/<name>.
type Transport struct {
	broker    string
	clientID  string
	prefix    string
	qos       byte
	tlsConfig *tls.Config
	newClient ClientFactory
	logger    zerolog.Logger
}

// NewTransport creates an MQTT transport. A nil factory selects the paho client.
func NewTransport(broker, clientID, prefix string, qos byte, tlsConfig *tls.Config,
	factory ClientFactory, logger zerolog.Logger) *Transport {
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &Transport{
		broker:    broker,
		clientID:  clientID,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		tlsConfig: tlsConfig,
		newClient: factory,
		logger:    logger,
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string {
	return "mqtt"
}

// EventTopic returns the topic a backend event is published on.
func (t *Transport) EventTopic(name string) string {
	return t.prefix + "/events/" + name
}

// RequestTopic returns the topic an outbound event is published on.
func (t *Transport) RequestTopic(name string) string {
	return t.prefix + "/requests/" + name
}

// Dial connects to the broker and subscribes to every backend event.
func (t *Transport) Dial(ctx context.Context) (transport.Conn, error) {
	clientID := t.clientID + "-" + uuid.New().String()

	c := &Conn{
		transport: t,
		clientID:  clientID,
		events:    make(chan transport.Event, eventBuffer),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
	}

	opts := NewClientOptions(t.broker, clientID, t.tlsConfig)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = t.newClient(opts)
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s failed: %w", t.broker, err)
	}

	filter := t.prefix + "/events/#"
	if err := waitToken(ctx, c.client.Subscribe(filter, t.qos, c.onMessage)); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe to %s failed: %w", filter, err)
	}

	t.logger.Debug().Str("client_id", clientID).Str("filter", filter).Msg("MQTT transport connected")
	return c, nil
}

// Conn is a connected MQTT session.
type Conn struct {
	transport *Transport
	client    MQTTClient
	clientID  string

	events    chan transport.Event
	lost      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	name := strings.TrimPrefix(msg.Topic(), c.transport.prefix+"/events/")
	if name == "" || name == msg.Topic() {
		return
	}

	var data []byte
	if payload := msg.Payload(); len(payload) > 0 {
		data = append([]byte(nil), payload...)
	}

	select {
	case c.events <- transport.Event{Name: name, Data: data}:
	case <-c.done:
	}
}

// ID returns the MQTT client id of the session.
func (c *Conn) ID() string {
	return c.clientID
}

// ReadEvent returns the next inbound event in arrival order.
func (c *Conn) ReadEvent() (transport.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.lost:
		if err == nil {
			err = errors.New("mqtt connection lost")
		}
		return transport.Event{}, err
	case <-c.done:
		return transport.Event{}, transport.ErrClosed
	}
}

// WriteEvent publishes an outbound event.
func (c *Conn) WriteEvent(ev transport.Event) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	token := c.client.Publish(c.transport.RequestTopic(ev.Name), c.transport.qos, false, []byte(ev.Data))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s timed out", ev.Name)
	}
	return token.Error()
}

// Close unsubscribes and disconnects from the broker.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		token := c.client.Unsubscribe(c.transport.prefix + "/events/#")
		token.WaitTimeout(time.Second)
		c.client.Disconnect(250)
	})
	return nil
}

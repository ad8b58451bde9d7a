package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/benmeehan/udp-tracker/pkg/file"
)

// MQTTClient defines the subset of the paho client used by the transport.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// ClientFactory builds an MQTT client from options. Tests replace it with a mock.
type ClientFactory func(opts *mqtt.ClientOptions) MQTTClient

// DefaultClientFactory creates a real paho client.
func DefaultClientFactory(opts *mqtt.ClientOptions) MQTTClient {
	return mqtt.NewClient(opts)
}

// LoadTLSConfig builds a TLS configuration trusting the CA certificate at caCertPath.
// An empty path yields a nil configuration (plain TCP or system roots).
func LoadTLSConfig(caCertPath string, fileClient file.FileOperations) (*tls.Config, error) {
	if caCertPath == "" {
		return nil, nil
	}

	caCert, err := fileClient.ReadFileRaw(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return &tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12}, nil
}

// NewClientOptions sets up client options with reconnection left to the caller.
func NewClientOptions(broker, clientID string, tlsConfig *tls.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	return opts
}

// waitToken blocks until the token completes or ctx ends.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

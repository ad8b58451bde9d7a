package service_registry

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/internal/registry"
	"github.com/benmeehan/udp-tracker/internal/server"
	"github.com/benmeehan/udp-tracker/internal/services"
	"github.com/benmeehan/udp-tracker/internal/utils"
	"github.com/benmeehan/udp-tracker/pkg/api"
	"github.com/benmeehan/udp-tracker/pkg/file"
	"github.com/benmeehan/udp-tracker/pkg/location"
	"github.com/benmeehan/udp-tracker/pkg/mqtt"
	"github.com/benmeehan/udp-tracker/pkg/socketio"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	started     []string
	fileClient  file.FileOperations
	Logger      zerolog.Logger

	Manager      *services.ConnectionManager
	Synchronizer *services.LocationSynchronizer
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		fileClient: fileClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	sr.started = sr.started[:0]

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			_ = sr.StopServices()
			return fmt.Errorf("starting %s: %w", name, err)
		}
		sr.started = append(sr.started, name)
	}

	return nil
}

// StopServices stops the started services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.started) - 1; i >= 0; i-- {
		name := sr.started[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	sr.started = sr.started[:0]

	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// Services returns the registered service names in start order.
func (sr *ServiceRegistry) Services() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// NewAPIClient builds the REST client described by config.
func NewAPIClient(config *utils.Config, logger zerolog.Logger) (*api.Client, error) {
	var opts []api.Option
	if config.API.MinServerVersion != "" {
		v, err := semver.NewVersion(config.API.MinServerVersion)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithMinServerVersion(v))
	}
	return api.NewClient(config.API.BaseURL, config.API.Timeout, logger, opts...)
}

// NewTransport builds the push channel selected by socket.transport.
func (sr *ServiceRegistry) NewTransport(config *utils.Config) (transport.Transport, error) {
	switch config.Socket.Transport {
	case utils.TransportSocketIO:
		return socketio.NewTransport(config.Socket.URL, config.Socket.Namespace, sr.Logger)
	case utils.TransportMQTT:
		tlsConfig, err := mqtt.LoadTLSConfig(config.MQTT.CACertificate, sr.fileClient)
		if err != nil {
			return nil, err
		}
		clientID := config.MQTT.ClientID + "-" + uuid.New().String()
		sr.Logger.Info().Msgf("Using MQTT Client ID: %s", clientID)
		return mqtt.NewTransport(config.MQTT.Broker, clientID, config.MQTT.TopicPrefix,
			byte(config.MQTT.QOS), tlsConfig, nil, sr.Logger), nil
	case utils.TransportNMEA:
		return location.NewSensorTransport(config.GPS.Port, config.GPS.BaudRate, nil, sr.Logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Socket.Transport)
	}
}

// RegisterServices builds the tracker services over t and source and
// registers them in start order: the synchronizer subscribes before the
// connection manager dials, and the status server comes up last.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, t transport.Transport, source services.LocationSource) error {
	if t == nil || source == nil {
		return errors.New("transport and location source are required")
	}

	sr.Manager = services.NewConnectionManager(t, services.ConnectionManagerConfig{
		MaxReconnectAttempts: config.Socket.ReconnectionAttempts,
		ReconnectDelay:       config.Socket.ReconnectionDelay,
		ReconnectDelayMax:    config.Socket.ReconnectionDelayMax,
		ConnectTimeout:       config.Socket.Timeout,
		HeartbeatInterval:    config.Socket.HeartbeatInterval,
	}, sr.Logger)

	sr.Synchronizer = services.NewLocationSynchronizer(source, sr.Manager, services.SynchronizerConfig{
		MaxLocations:       config.UI.MaxLocationsDisplay,
		RefreshInterval:    config.UI.RefreshInterval,
		LatestPollInterval: config.UI.LatestPollInterval,
	}, sr.Logger)
	sr.Synchronizer.OnLatest(func(r models.LocationRecord, ok bool) {
		if !ok {
			sr.Logger.Info().Msg("Location history cleared")
			return
		}
		sr.Logger.Info().
			Float64("latitude", r.Latitude).
			Float64("longitude", r.Longitude).
			Int64("timestamp", r.Timestamp).
			Msg("New latest location")
	})

	sr.RegisterService("synchronizer", sr.Synchronizer)
	sr.RegisterService("connection", sr.Manager)

	if config.StatusServer.Enabled {
		sr.RegisterService("status_server", server.NewStatusServer(
			config.StatusServer.Address,
			config.StatusServer.AllowedOrigins,
			sr.Manager,
			sr.Synchronizer,
			sr.Logger,
		))
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", sr.serviceKeys)
	return nil
}

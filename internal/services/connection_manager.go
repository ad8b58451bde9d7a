package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/constants"
	"github.com/benmeehan/udp-tracker/internal/metrics"
	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

var (
	// ErrConnectTimeout is returned when the handshake does not complete within ConnectTimeout.
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrManagerStopped is returned to Connect callers whose attempt was abandoned by Disconnect.
	ErrManagerStopped = errors.New("connection manager stopped")
)

// ConnectionManagerConfig tunes reconnection and keep-alive. Zero values take the defaults.
type ConnectionManagerConfig struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
}

func (c ConnectionManagerConfig) withDefaults() ConnectionManagerConfig {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = constants.DefaultReconnectionAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = constants.DefaultReconnectionDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = constants.DefaultReconnectionDelayMax
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = constants.DefaultConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	return c
}

// pendingDial resolves exactly once with the result of one handshake.
type pendingDial struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPendingDial() *pendingDial {
	return &pendingDial{done: make(chan struct{})}
}

func (p *pendingDial) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// ConnectionManager owns the single push channel connection, its reconnection
// policy and the subscriber registry.
type ConnectionManager struct {
	transport transport.Transport
	cfg       ConnectionManagerConfig
	subs      *SubscriptionRegistry
	heartbeat *HeartbeatService
	logger    zerolog.Logger

	mu         sync.Mutex
	state      models.ConnectionState
	conn       transport.Conn
	sessionID  string
	epoch      uint64
	attempts   int
	lastError  string
	lastPong   time.Time
	pending    *pendingDial
	retryTimer *time.Timer
}

// NewConnectionManager creates a manager in the disconnected state. No I/O
// happens until Start or Connect is called.
func NewConnectionManager(t transport.Transport, cfg ConnectionManagerConfig, logger zerolog.Logger) *ConnectionManager {
	cfg = cfg.withDefaults()
	m := &ConnectionManager{
		transport: t,
		cfg:       cfg,
		subs:      NewSubscriptionRegistry(logger),
		logger:    logger,
		state:     models.StateDisconnected,
	}
	m.heartbeat = NewHeartbeatService(cfg.HeartbeatInterval, m, logger)
	return m
}

// Start opens the first connection attempt without waiting for its result.
func (m *ConnectionManager) Start() error {
	m.mu.Lock()
	var launch func()
	if m.state == models.StateDisconnected && m.pending == nil {
		_, launch = m.startDialLocked()
	}
	m.mu.Unlock()

	m.ensureHeartbeat()
	if launch != nil {
		launch()
	}

	m.logger.Info().Str("transport", m.transport.Name()).Msg("ConnectionManager started")
	return nil
}

// Stop is Disconnect.
func (m *ConnectionManager) Stop() error {
	m.Disconnect()
	return nil
}

// Connect returns nil immediately when connected. Otherwise it joins the
// in-flight attempt or starts a new one, and waits for the handshake result.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateConnected {
		m.mu.Unlock()
		return nil
	}
	p := m.pending
	var launch func()
	if p == nil {
		p, launch = m.startDialLocked()
	}
	m.mu.Unlock()

	m.ensureHeartbeat()
	if launch != nil {
		launch()
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect resets the attempt counter, cancels any scheduled retry and connects.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopRetryLocked()
	m.attempts = 0
	metrics.ReconnectAttempts.Set(0)
	m.mu.Unlock()

	m.logger.Info().Msg("Manual reconnect requested")
	return m.Connect(ctx)
}

// Disconnect closes the channel, cancels retries, fails any waiting Connect
// and drops every subscriber. Calling it repeatedly is safe.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.stopRetryLocked()
	conn := m.conn
	pending := m.pending
	wasIdle := m.state == models.StateDisconnected && conn == nil && pending == nil
	m.conn = nil
	m.pending = nil
	m.sessionID = ""
	m.setStateLocked(models.StateDisconnected)
	attempts := m.attempts
	m.mu.Unlock()

	if err := m.heartbeat.Stop(); err != nil && !errors.Is(err, errHeartbeatStopped) {
		m.logger.Warn().Err(err).Msg("Failed to stop heartbeat")
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing connection")
		}
	}
	if pending != nil {
		pending.finish(ErrManagerStopped)
	}

	if !wasIdle {
		m.publish(models.ConnectionStatus{
			Status:   constants.StatusDisconnected,
			Reason:   "client disconnect",
			Attempts: attempts,
		})
		m.logger.Info().Msg("Disconnected from push channel")
	}
	m.subs.Clear()
}

// Subscribe registers handler for event. The returned function removes exactly
// that registration.
func (m *ConnectionManager) Subscribe(event string, handler Handler) (unsubscribe func()) {
	return m.subs.Subscribe(event, handler)
}

// Send forwards an event upstream. It is a no-op when not connected.
func (m *ConnectionManager) Send(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == models.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Debug().Str("event", event).Msg("Not connected, dropping outbound event")
		return nil
	}

	ev, err := transport.NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if err := conn.WriteEvent(ev); err != nil {
		// The read loop reports the failure through the state machine.
		m.logger.Warn().Err(err).Str("event", event).Msg("Failed to send event")
		return nil
	}
	m.logger.Debug().Str("event", event).Msg("Event sent")
	return nil
}

// State returns the current connection state.
func (m *ConnectionManager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is connected.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == models.StateConnected
}

// Status returns a snapshot of the manager including derived flags.
func (m *ConnectionManager) Status() models.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastPong *time.Time
	if !m.lastPong.IsZero() {
		t := m.lastPong
		lastPong = &t
	}
	return models.ConnectionSnapshot{
		State:                      m.state,
		SessionID:                  m.sessionID,
		ReconnectAttempts:          m.attempts,
		MaxReconnectAttempts:       m.cfg.MaxReconnectAttempts,
		LastError:                  m.lastError,
		IsConnected:                m.state == models.StateConnected,
		IsReconnecting:             m.state == models.StateReconnecting,
		HasError:                   m.lastError != "",
		ReconnectAttemptsExhausted: m.attempts >= m.cfg.MaxReconnectAttempts,
		LastPong:                   lastPong,
	}
}

// startDialLocked moves to connecting under a fresh epoch. The returned launch
// func must be called after releasing the lock; it publishes the connecting
// status and then starts the handshake.
func (m *ConnectionManager) startDialLocked() (*pendingDial, func()) {
	m.stopRetryLocked()
	m.epoch++
	epoch := m.epoch

	p := newPendingDial()
	m.pending = p
	m.setStateLocked(models.StateConnecting)
	status := models.ConnectionStatus{Status: constants.StatusConnecting, Attempts: m.attempts}

	m.logger.Info().Int("attempts", m.attempts).Msg("Connecting to push channel")
	return p, func() {
		m.publish(status)
		go m.dial(epoch, p)
	}
}

func (m *ConnectionManager) dial(epoch uint64, p *pendingDial) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	conn, err := m.transport.Dial(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
	}
	cancel()
	metrics.RecordConnectAttempt(m.transport.Name(), err)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		p.finish(ErrManagerStopped)
		return
	}
	m.pending = nil

	if err != nil {
		statuses := m.failLocked(err)
		m.mu.Unlock()

		p.finish(err)
		m.logger.Error().Err(err).Int("attempts", statuses[0].Attempts).Msg("Push channel connection failed")
		m.publish(statuses...)
		m.dispatchLocal(constants.EventConnectError, map[string]string{"message": err.Error()})
		return
	}

	status := constants.StatusConnected
	if m.attempts > 0 {
		status = constants.StatusReconnected
	}
	m.conn = conn
	m.sessionID = conn.ID()
	m.attempts = 0
	m.lastError = ""
	metrics.ReconnectAttempts.Set(0)
	m.setStateLocked(models.StateConnected)
	m.mu.Unlock()

	p.finish(nil)
	m.logger.Info().Str("session_id", conn.ID()).Str("status", status).Msg("Push channel connected")

	m.publish(models.ConnectionStatus{Status: status})
	m.dispatchLocal(constants.EventConnect, map[string]string{"id": conn.ID()})

	go m.readLoop(epoch, conn)

	_ = m.Send(constants.EventRequestInitialData, nil)
	_ = m.Send(constants.EventRequestStats, nil)
}

// failLocked records a failure and either schedules a retry or settles in disconnected.
func (m *ConnectionManager) failLocked(err error) []models.ConnectionStatus {
	m.conn = nil
	m.sessionID = ""
	m.attempts++
	m.lastError = err.Error()
	metrics.ReconnectAttempts.Set(float64(m.attempts))
	m.setStateLocked(models.StateError)

	statuses := []models.ConnectionStatus{{
		Status:   constants.StatusError,
		Error:    err.Error(),
		Attempts: m.attempts,
	}}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStateLocked(models.StateDisconnected)
		m.logger.Warn().Int("attempts", m.attempts).Msg("Reconnect attempts exhausted")
		return append(statuses, models.ConnectionStatus{
			Status:   constants.StatusDisconnected,
			Error:    err.Error(),
			Reason:   "reconnect attempts exhausted",
			Attempts: m.attempts,
		})
	}

	delay := Backoff(m.attempts-1, m.cfg.ReconnectDelay, m.cfg.ReconnectDelayMax)
	epoch := m.epoch
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(epoch) })
	m.setStateLocked(models.StateReconnecting)

	m.logger.Info().Int("attempts", m.attempts).Dur("delay", delay).Msg("Scheduling reconnect")
	return append(statuses, models.ConnectionStatus{
		Status:   constants.StatusReconnecting,
		Attempts: m.attempts,
	})
}

func (m *ConnectionManager) retry(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != models.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	_, launch := m.startDialLocked()
	m.mu.Unlock()

	launch()
}

func (m *ConnectionManager) readLoop(epoch uint64, conn transport.Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.handleReadError(epoch, conn, err)
			return
		}
		metrics.EventsReceived.WithLabelValues(ev.Name).Inc()

		if ev.Name == constants.EventConnectionStatus {
			m.logger.Debug().Msg("Ignoring reserved event from remote")
			continue
		}

		m.mu.Lock()
		stale := epoch != m.epoch
		if !stale && ev.Name == constants.EventPong {
			m.lastPong = time.Now()
		}
		m.mu.Unlock()
		if stale {
			return
		}

		m.logger.Debug().Str("event", ev.Name).Msg("Dispatching event")
		m.subs.Dispatch(ev)
	}
}

func (m *ConnectionManager) handleReadError(epoch uint64, conn transport.Conn, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	if errors.Is(err, transport.ErrClosed) {
		m.conn = nil
		m.sessionID = ""
		m.setStateLocked(models.StateDisconnected)
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Info().Msg("Push channel closed by server")
		m.publish(models.ConnectionStatus{
			Status:   constants.StatusDisconnected,
			Reason:   "io server disconnect",
			Attempts: attempts,
		})
		m.dispatchLocal(constants.EventDisconnect, map[string]string{"reason": "io server disconnect"})
		return
	}

	statuses := m.failLocked(err)
	m.mu.Unlock()

	m.logger.Error().Err(err).Msg("Push channel transport error")
	m.publish(statuses...)
	m.dispatchLocal(constants.EventDisconnect, map[string]string{"reason": "transport error"})
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *ConnectionManager) setStateLocked(state models.ConnectionState) {
	m.state = state
	metrics.SetConnectionState(string(state))
}

func (m *ConnectionManager) ensureHeartbeat() {
	if err := m.heartbeat.Start(); err != nil && !errors.Is(err, errHeartbeatRunning) {
		m.logger.Warn().Err(err).Msg("Failed to start heartbeat")
	}
}

func (m *ConnectionManager) publish(statuses ...models.ConnectionStatus) {
	for _, s := range statuses {
		m.dispatchLocal(constants.EventConnectionStatus, s)
	}
}

func (m *ConnectionManager) dispatchLocal(name string, payload any) {
	ev, err := transport.NewEvent(name, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event", name).Msg("Failed to encode local event")
		return
	}
	m.subs.Dispatch(ev)
}

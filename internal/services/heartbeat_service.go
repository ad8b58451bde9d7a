package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/constants"
)

var (
	errHeartbeatRunning = errors.New("heartbeat service is already running")
	errHeartbeatStopped = errors.New("heartbeat service is not running")
)

// EventSender is the part of the connection manager the heartbeat needs.
type EventSender interface {
	Send(event string, payload any) error
	IsConnected() bool
}

// HeartbeatService emits a ping on a fixed interval while the channel is connected.
type HeartbeatService struct {
	interval time.Duration
	sender   EventSender
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService initializes a new HeartbeatService.
func NewHeartbeatService(interval time.Duration, sender EventSender, logger zerolog.Logger) *HeartbeatService {
	if interval <= 0 {
		interval = constants.DefaultHeartbeatInterval
	}
	return &HeartbeatService{
		interval: interval,
		sender:   sender,
		logger:   logger,
	}
}

// Start launches the heartbeat loop in a separate goroutine.
func (h *HeartbeatService) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return errHeartbeatRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runHeartbeatLoop(ctx)
	}()

	h.logger.Debug().Dur("interval", h.interval).Msg("HeartbeatService started")
	return nil
}

// Stop halts the loop and waits for it to exit.
func (h *HeartbeatService) Stop() error {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return errHeartbeatStopped
	}
	cancel()
	h.wg.Wait()

	h.logger.Debug().Msg("HeartbeatService stopped")
	return nil
}

// Running reports whether the loop is active.
func (h *HeartbeatService) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *HeartbeatService) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !h.sender.IsConnected() {
				continue
			}
			if err := h.sender.Send(constants.EventPing, nil); err != nil {
				h.logger.Error().Err(err).Msg("Failed to send heartbeat ping")
			}
		case <-ctx.Done():
			return
		}
	}
}

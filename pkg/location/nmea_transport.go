package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/constants"
	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

// SensorTransport exposes a locally attached GPS receiver as a push channel
// emitting location-update events.
type SensorTransport struct {
	port     string
	baudRate int
	open     SerialOpener
	logger   zerolog.Logger
}

// NewSensorTransport creates a transport for the receiver on port. A nil opener
// selects the serial port driver.
func NewSensorTransport(port string, baudRate int, open SerialOpener, logger zerolog.Logger) *SensorTransport {
	if open == nil {
		open = OpenSerialPort
	}
	return &SensorTransport{port: port, baudRate: baudRate, open: open, logger: logger}
}

// Name implements transport.Transport.
func (t *SensorTransport) Name() string {
	return "nmea"
}

// Dial opens the receiver.
func (t *SensorTransport) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, err := t.open(t.port, t.baudRate)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS device %s: %w", t.port, err)
	}

	t.logger.Info().Str("port", t.port).Int("baud_rate", t.baudRate).Msg("GPS receiver opened")
	return &sensorConn{
		id:       uuid.New().String(),
		provider: NewDeviceSensorProvider(source, t.logger),
	}, nil
}

type sensorConn struct {
	id       string
	provider Provider
	mu       sync.Mutex
	closed   bool
}

func (c *sensorConn) ID() string {
	return c.id
}

func (c *sensorConn) ReadEvent() (transport.Event, error) {
	fix, err := c.provider.NextFix()
	if err != nil {
		if errors.Is(err, ErrProviderClosed) {
			return transport.Event{}, transport.ErrClosed
		}
		return transport.Event{}, err
	}
	return transport.NewEvent(constants.EventLocationUpdate, models.LocationUpdate{Data: rawFromFix(fix)})
}

// WriteEvent discards outbound events; a receiver has no upstream.
func (c *sensorConn) WriteEvent(transport.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	return nil
}

func (c *sensorConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.provider.Close()
}

func rawFromFix(fix Fix) models.RawLocation {
	return models.RawLocation{
		Latitude:       models.NewWireValue(strconv.FormatFloat(fix.Latitude, 'f', -1, 64)),
		Longitude:      models.NewWireValue(strconv.FormatFloat(fix.Longitude, 'f', -1, 64)),
		TimestampValue: models.NewWireValue(fix.Time.UnixMilli()),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

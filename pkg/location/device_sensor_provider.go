package location

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// ErrProviderClosed is returned by NextFix once the provider was closed or the stream ended.
var ErrProviderClosed = errors.New("location provider closed")

// OpenSerialPort opens a GPS receiver attached to a serial port.
func OpenSerialPort(port string, baudRate int) (io.ReadCloser, error) {
	return serial.OpenPort(&serial.Config{Name: port, Baud: baudRate})
}

// DeviceSensorProvider reads NMEA sentences from a GPS receiver.
type DeviceSensorProvider struct {
	source  io.ReadCloser
	scanner *bufio.Scanner
	now     func() time.Time
	logger  zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDeviceSensorProvider wraps an already opened NMEA stream.
func NewDeviceSensorProvider(source io.ReadCloser, logger zerolog.Logger) *DeviceSensorProvider {
	return &DeviceSensorProvider{
		source:  source,
		scanner: bufio.NewScanner(source),
		now:     time.Now,
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// NextFix blocks until the receiver reports a valid position.
func (d *DeviceSensorProvider) NextFix() (Fix, error) {
	for d.scanner.Scan() {
		fix, ok, err := ParseFix(d.scanner.Text(), d.now())
		if err != nil {
			d.logger.Debug().Err(err).Msg("Skipping unparsable NMEA sentence")
			continue
		}
		if ok {
			return fix, nil
		}
	}

	select {
	case <-d.closed:
		return Fix{}, ErrProviderClosed
	default:
	}
	if err := d.scanner.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{}, ErrProviderClosed
}

// Close releases the underlying stream.
func (d *DeviceSensorProvider) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.source.Close()
	})
	return err
}

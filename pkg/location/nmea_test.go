package location

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

const (
	validRMC   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	invalidRMC = "$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*7D"
	validGGA   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	noFixGGA   = "$GPGGA,123519,4807.038,N,01131.000,E,0,00,0.9,545.4,M,46.9,M,,*4E"
	southRMC   = "$GPRMC,081836,A,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E*62"
)

var referenceNow = time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)

func TestParseFix_RMC(t *testing.T) {
	fix, ok, err := ParseFix(validRMC, referenceNow)
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, 48.1173, fix.Latitude, 1e-4)
	assert.InDelta(t, 11.516666, fix.Longitude, 1e-4)
	assert.Equal(t, time.Date(1994, time.March, 23, 12, 35, 19, 0, time.UTC), fix.Time)
}

func TestParseFix_RMCSouthernHemisphere(t *testing.T) {
	fix, ok, err := ParseFix(southRMC, referenceNow)
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, -37.860833, fix.Latitude, 1e-4)
	assert.InDelta(t, 145.122666, fix.Longitude, 1e-4)
	assert.Equal(t, 1998, fix.Time.Year())
}

func TestParseFix_GGAUsesCurrentDate(t *testing.T) {
	fix, ok, err := ParseFix(validGGA, referenceNow)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, time.Date(2026, time.October, 14, 12, 35, 19, 0, time.UTC), fix.Time)
	assert.InDelta(t, 0.9, fix.Accuracy, 1e-9)
}

func TestParseFix_NoUsablePosition(t *testing.T) {
	for _, line := range []string{invalidRMC, noFixGGA, "", "garbage", "$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39"} {
		_, ok, _ := ParseFix(line, referenceNow)
		assert.False(t, ok, line)
	}
}

func TestParseFix_BadChecksum(t *testing.T) {
	_, ok, err := ParseFix(strings.Replace(validRMC, "*6A", "*00", 1), referenceNow)
	assert.Error(t, err)
	assert.False(t, ok)
}

type nopReadCloser struct {
	io.Reader
	closed bool
}

func (n *nopReadCloser) Close() error {
	n.closed = true
	return nil
}

func TestDeviceSensorProvider_SkipsUntilValidFix(t *testing.T) {
	src := &nopReadCloser{Reader: strings.NewReader(strings.Join([]string{"noise", invalidRMC, validRMC, ""}, "\r\n"))}
	p := NewDeviceSensorProvider(src, zerolog.Nop())

	fix, err := p.NextFix()
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-4)

	_, err = p.NextFix()
	assert.ErrorIs(t, err, ErrProviderClosed)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, src.closed)
}

func TestSensorTransport_EmitsLocationUpdates(t *testing.T) {
	src := &nopReadCloser{Reader: strings.NewReader(southRMC + "\r\n")}
	tr := NewSensorTransport("/dev/ttyUSB0", 9600, func(port string, baud int) (io.ReadCloser, error) {
		assert.Equal(t, "/dev/ttyUSB0", port)
		assert.Equal(t, 9600, baud)
		return src, nil
	}, zerolog.Nop())

	conn, err := tr.Dial(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID())

	ev, err := conn.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "location-update", ev.Name)

	var update models.LocationUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &update))
	assert.True(t, strings.HasPrefix(update.Data.Latitude.Text, "-37.86"))
	assert.Equal(t, "905674716000", update.Data.TimestampValue.Text)

	_, err = conn.ReadEvent()
	assert.ErrorIs(t, err, transport.ErrClosed)

	assert.NoError(t, conn.WriteEvent(transport.Event{Name: "ping"}))
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.WriteEvent(transport.Event{Name: "ping"}), transport.ErrClosed)
}

func TestSensorTransport_OpenFailure(t *testing.T) {
	tr := NewSensorTransport("/dev/missing", 4800, func(string, int) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	}, zerolog.Nop())

	_, err := tr.Dial(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/internal/services"
)

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) Status() models.ConnectionSnapshot {
	return m.Called().Get(0).(models.ConnectionSnapshot)
}

func (m *mockConnection) Reconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func raw(lat, lon float64, ts int64) models.RawLocation {
	return models.RawLocation{
		Latitude:       models.NewWireValue(lat),
		Longitude:      models.NewWireValue(lon),
		TimestampValue: models.NewWireValue(ts),
	}
}

func newTestServer(t *testing.T, conn Connection) (*httptest.Server, *services.LocationSynchronizer) {
	t.Helper()
	sync := services.NewLocationSynchronizer(nil, nil, services.SynchronizerConfig{MaxLocations: 10, RefreshInterval: time.Hour}, zerolog.Nop())
	srv := httptest.NewServer(NewStatusServer("", nil, conn, sync, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, sync
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestGetState(t *testing.T) {
	conn := new(mockConnection)
	conn.On("Status").Return(models.ConnectionSnapshot{State: models.StateConnected, IsConnected: true, SessionID: "abc"})
	srv, _ := newTestServer(t, conn)

	var snap models.ConnectionSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/state", &snap))
	assert.Equal(t, models.StateConnected, snap.State)
	assert.Equal(t, "abc", snap.SessionID)
}

func TestPostReconnect(t *testing.T) {
	conn := new(mockConnection)
	conn.On("Reconnect", mock.Anything).Return(nil).Once()
	conn.On("Reconnect", mock.Anything).Return(errors.New("dial refused")).Once()
	conn.On("Status").Return(models.ConnectionSnapshot{State: models.StateConnected})
	srv, _ := newTestServer(t, conn)

	resp, err := http.Post(srv.URL+"/api/reconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/reconnect", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "dial refused")

	conn.AssertNumberOfCalls(t, "Reconnect", 2)
}

func TestGetLatest(t *testing.T) {
	srv, sync := newTestServer(t, new(mockConnection))

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/latest", &errResp))
	assert.NotEmpty(t, errResp.Error)

	sync.IngestPushRecord(raw(48.85, 2.35, 2000))
	sync.IngestPushRecord(raw(51.5, -0.12, 1000))

	var latest models.LocationRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/latest", &latest))
	assert.Equal(t, int64(2000), latest.Timestamp)
}

func TestGetLocations(t *testing.T) {
	srv, sync := newTestServer(t, new(mockConnection))
	sync.IngestPushRecord(raw(10, 10, 3000))
	sync.IngestPushRecord(raw(-10, 20, 2000))
	sync.IngestPushRecord(raw(5, -30, 1000))

	tests := []struct {
		name   string
		query  string
		status int
		want   []int64
	}{
		{"default order", "", http.StatusOK, []int64{3000, 2000, 1000}},
		{"ascending timestamp", "?order=asc", http.StatusOK, []int64{1000, 2000, 3000}},
		{"by latitude", "?sort=latitude&order=asc", http.StatusOK, []int64{2000, 1000, 3000}},
		{"bounding box", "?north=20&south=0&east=15&west=-40", http.StatusOK, []int64{3000, 1000}},
		{"time window", "?start=1500&end=3000", http.StatusOK, []int64{3000, 2000}},
		{"rfc3339 window", fmt.Sprintf("?start=%s&end=%s",
			time.UnixMilli(0).UTC().Format(time.RFC3339), time.UnixMilli(2000).UTC().Format(time.RFC3339)),
			http.StatusOK, []int64{2000, 1000}},
		{"partial bounds", "?north=20&south=0", http.StatusBadRequest, nil},
		{"inverted bounds", "?north=0&south=20&east=1&west=0", http.StatusBadRequest, nil},
		{"bad start", "?start=yesterday", http.StatusBadRequest, nil},
		{"inverted window", "?start=3000&end=1000", http.StatusBadRequest, nil},
		{"bad order", "?order=sideways", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body locationsResponse
			status := getJSON(t, srv.URL+"/api/locations"+tt.query, &body)
			assert.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				return
			}
			got := make([]int64, 0, len(body.Locations))
			for _, r := range body.Locations {
				got = append(got, r.Timestamp)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), body.Count)
		})
	}
}

func TestGetSummaryAndStats(t *testing.T) {
	srv, sync := newTestServer(t, new(mockConnection))
	sync.IngestPushRecord(raw(0, 0, 1000))
	sync.IngestPushRecord(raw(0, 1, 2000))

	var summary models.HistorySummary
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/summary", &summary))
	assert.Equal(t, 2, summary.Total)
	require.NotNil(t, summary.TimeRange)
	assert.Equal(t, int64(1000), summary.TimeRange.Duration)

	var stats statsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/stats", &stats))
	assert.Equal(t, 0, stats.ClientCount)
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, new(mockConnection))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, new(mockConnection))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStartStop(t *testing.T) {
	conn := new(mockConnection)
	conn.On("Status").Return(models.ConnectionSnapshot{State: models.StateDisconnected})
	sync := services.NewLocationSynchronizer(nil, nil, services.SynchronizerConfig{MaxLocations: 10, RefreshInterval: time.Hour}, zerolog.Nop())
	s := NewStatusServer("127.0.0.1:0", nil, conn, sync, zerolog.Nop())

	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	addr := s.Addr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + "/api/state")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `"disconnected"`))

	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
	_, err = http.Get("http://" + addr.String() + "/api/state")
	assert.Error(t, err)
}

package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/udp-tracker/internal/models"
)

func raw(lat, lon, ts any) models.RawLocation {
	return models.RawLocation{
		Latitude:       models.NewWireValue(lat),
		Longitude:      models.NewWireValue(lon),
		TimestampValue: models.NewWireValue(ts),
	}
}

func TestParseLocation_FromWireJSON(t *testing.T) {
	var r models.RawLocation
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 42,
		"latitude": "37.4219983",
		"longitude": -122.084,
		"timestamp_value": "1700000000000",
		"created_at": "2024-11-14T22:13:20.000Z"
	}`), &r))

	now := time.Now()
	rec, err := ParseLocation(r, now)
	require.NoError(t, err)

	require.NotNil(t, rec.ID)
	assert.Equal(t, "42", *rec.ID)
	assert.InDelta(t, 37.4219983, rec.Latitude, 1e-9)
	assert.InDelta(t, -122.084, rec.Longitude, 1e-9)
	assert.Equal(t, int64(1700000000000), rec.Timestamp)
	assert.Equal(t, 2024, rec.CreatedAt.Year())
	assert.Equal(t, now, rec.ReceivedAt)
}

func TestParseLocation_MissingIDIsNil(t *testing.T) {
	var r models.RawLocation
	require.NoError(t, json.Unmarshal([]byte(`{"id":null,"latitude":1,"longitude":2,"timestamp_value":3}`), &r))

	rec, err := ParseLocation(r, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec.ID)
}

func TestParseLocation_UnsupportedWireTypes(t *testing.T) {
	cases := map[string]string{
		"latitude":  `{"latitude":true,"longitude":1,"timestamp_value":1}`,
		"longitude": `{"latitude":1,"longitude":{"deg":1},"timestamp_value":1}`,
		"timestamp": `{"latitude":1,"longitude":1,"timestamp_value":[1]}`,
		"id":        `{"id":false,"latitude":1,"longitude":1,"timestamp_value":1}`,
	}

	for field, body := range cases {
		t.Run(field, func(t *testing.T) {
			var r models.RawLocation
			require.NoError(t, json.Unmarshal([]byte(body), &r))

			_, err := ParseLocation(r, time.Now())
			require.ErrorIs(t, err, ErrInvalidLocation)

			var verr *LocationError
			require.True(t, errors.As(err, &verr))
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, field, verr.Fields[0].Field)
		})
	}
}

func TestParseLocation_Boundaries(t *testing.T) {
	cases := []struct {
		name  string
		lat   any
		lon   any
		valid bool
	}{
		{"north pole", 90, 0, true},
		{"south pole", -90, 0, true},
		{"antimeridian east", 0, 180, true},
		{"antimeridian west", 0, -180, true},
		{"latitude 95", 95, 0, false},
		{"latitude -90.0001", -90.0001, 0, false},
		{"longitude 180.5", 0, 180.5, false},
		{"longitude -181", 0, -181, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLocation(raw(tc.lat, tc.lon, 1000), time.Now())
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidLocation)
			}
		})
	}
}

func TestParseLocation_TypeErrors(t *testing.T) {
	_, err := ParseLocation(raw("north", "east", "yesterday"), time.Now())
	require.Error(t, err)

	var verr *LocationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 3)
	assert.Contains(t, err.Error(), "latitude")
	assert.Contains(t, err.Error(), "timestamp")

	_, err = ParseLocation(models.RawLocation{}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = ParseLocation(raw("NaN", 0, 1), time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestParseLocation_NegativeTimestamp(t *testing.T) {
	_, err := ParseLocation(raw(1, 1, -5), time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestParseLocation_ExponentTimestamp(t *testing.T) {
	rec, err := ParseLocation(raw(1, 1, "1.7e12"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), rec.Timestamp)

	_, err = ParseLocation(raw(1, 1, "1.5"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestParseLocations_SplitsValidAndInvalid(t *testing.T) {
	records, errs := ParseLocations([]models.RawLocation{
		raw(1, 1, 100),
		raw(95, 1, 200),
		raw(2, 2, 300),
	}, time.Now())

	assert.Len(t, records, 2)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "record 1")
}

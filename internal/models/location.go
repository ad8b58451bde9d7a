package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// WireValue holds a scalar received from the backend that may be encoded
// either as a JSON string or as a JSON number. Null or absent values leave Set false.
// Any other JSON type is kept verbatim with Invalid set so one bad field
// rejects its record instead of the whole payload.
type WireValue struct {
	Text    string
	Set     bool
	Invalid bool
}

// UnmarshalJSON accepts strings, numbers and null; other types are marked Invalid.
func (w *WireValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*w = WireValue{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = WireValue{Text: s, Set: true}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*w = WireValue{Text: string(data), Set: true}
	default:
		if !json.Valid(data) {
			return fmt.Errorf("malformed wire value %s", data)
		}
		*w = WireValue{Text: string(data), Set: true, Invalid: true}
	}
	return nil
}

// MarshalJSON writes the value back as a string, or null when unset.
// Invalid values are written as received.
func (w WireValue) MarshalJSON() ([]byte, error) {
	if !w.Set {
		return []byte("null"), nil
	}
	if w.Invalid {
		return []byte(w.Text), nil
	}
	return json.Marshal(w.Text)
}

// NewWireValue wraps a Go value in its textual wire representation.
func NewWireValue(v any) WireValue {
	return WireValue{Text: fmt.Sprint(v), Set: true}
}

// RawLocation is the untyped location shape emitted by the backend, both over
// REST and over the push channel.
type RawLocation struct {
	ID             WireValue `json:"id"`
	Latitude       WireValue `json:"latitude"`
	Longitude      WireValue `json:"longitude"`
	TimestampValue WireValue `json:"timestamp_value"`
	CreatedAt      string    `json:"created_at,omitempty"`
}

// LocationRecord is a validated position report.
type LocationRecord struct {
	ID         *string   `json:"id"`
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Timestamp  int64     `json:"timestamp" validate:"gte=0"` // device epoch milliseconds
	CreatedAt  time.Time `json:"created_at,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// LocationKey identifies an observation independently of the backend id.
type LocationKey struct {
	Latitude  float64
	Longitude float64
	Timestamp int64
}

// Key returns the (latitude, longitude, timestamp) triple of the record.
func (r LocationRecord) Key() LocationKey {
	return LocationKey{Latitude: r.Latitude, Longitude: r.Longitude, Timestamp: r.Timestamp}
}

// DeviceTime converts the device timestamp into a time.Time.
func (r LocationRecord) DeviceTime() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// LocationUpdate is the payload of a location-update push event.
type LocationUpdate struct {
	Data RawLocation `json:"data"`
}

// InitialData is the payload of an initial-data push event.
type InitialData struct {
	Success bool          `json:"success"`
	Data    []RawLocation `json:"data"`
}

// Package validation converts untyped wire records into invariant-checked
// location records. Nothing past this boundary trusts the wire shape.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/benmeehan/udp-tracker/internal/models"
)

// ErrInvalidLocation is matched by every rejection returned from ParseLocation.
var ErrInvalidLocation = errors.New("invalid location")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError describes one rejected field.
type FieldError struct {
	Field  string
	Reason string
}

// LocationError lists every problem found in a raw record.
type LocationError struct {
	Fields []FieldError
}

func (e *LocationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid location: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrInvalidLocation) hold.
func (e *LocationError) Is(target error) bool {
	return target == ErrInvalidLocation
}

func (e *LocationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// ParseLocation validates raw and converts it into a LocationRecord observed at receivedAt.
func ParseLocation(raw models.RawLocation, receivedAt time.Time) (models.LocationRecord, error) {
	verr := &LocationError{}

	lat, ok := parseFloat(raw.Latitude)
	if !ok {
		verr.add("latitude", "not a number")
	}
	lon, ok := parseFloat(raw.Longitude)
	if !ok {
		verr.add("longitude", "not a number")
	}
	ts, ok := parseTimestamp(raw.TimestampValue)
	if !ok {
		verr.add("timestamp", "not an integer")
	}

	record := models.LocationRecord{
		Latitude:   lat,
		Longitude:  lon,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
	}
	if raw.ID.Invalid {
		verr.add("id", "unsupported type")
	} else if raw.ID.Set && raw.ID.Text != "" {
		id := raw.ID.Text
		record.ID = &id
	}
	if raw.CreatedAt != "" {
		if created, err := time.Parse(time.RFC3339Nano, raw.CreatedAt); err == nil {
			record.CreatedAt = created
		}
	}

	if len(verr.Fields) > 0 {
		return models.LocationRecord{}, verr
	}

	if err := instance().Struct(record); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return models.LocationRecord{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		for _, fe := range fieldErrs {
			verr.add(strings.ToLower(fe.Field()), fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value()))
		}
		return models.LocationRecord{}, verr
	}

	return record, nil
}

// ParseLocations validates every element; invalid elements are returned separately.
func ParseLocations(raws []models.RawLocation, receivedAt time.Time) ([]models.LocationRecord, []error) {
	records := make([]models.LocationRecord, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		record, err := ParseLocation(raw, receivedAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		records = append(records, record)
	}
	return records, errs
}

func parseFloat(v models.WireValue) (float64, bool) {
	if !v.Set || v.Invalid {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseTimestamp(v models.WireValue) (int64, bool) {
	if !v.Set || v.Invalid {
		return 0, false
	}
	text := strings.TrimSpace(v.Text)
	if ts, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ts, true
	}
	// Numbers such as 1.7e12 arrive in exponent form from some encoders.
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

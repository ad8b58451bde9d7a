package models

import "time"

// Stats is the backend statistics document. Its shape is owned by the backend,
// so it is kept as a generic map.
type Stats map[string]any

// TotalRecords returns the totalRecords field when present.
func (s Stats) TotalRecords() (int64, bool) {
	switch v := s["totalRecords"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// ClientCount is the payload of client-count-update and connection-info events.
type ClientCount struct {
	TotalClients int `json:"totalClients"`
}

// TimeRange spans device timestamps in epoch milliseconds.
type TimeRange struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Duration int64 `json:"duration"`
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat <= b.North && lat >= b.South && lon <= b.East && lon >= b.West
}

// Point is a latitude/longitude pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HistorySummary aggregates the current location history.
type HistorySummary struct {
	Total       int             `json:"total"`
	HasMore     bool            `json:"has_more"`
	Latest      *LocationRecord `json:"latest,omitempty"`
	TimeRange   *TimeRange      `json:"time_range,omitempty"`
	Center      *Point          `json:"center,omitempty"`
	Bounds      *Bounds         `json:"bounds,omitempty"`
	AvgDistance float64         `json:"avg_distance_km"`
	ClientCount int             `json:"client_count"`
	LastUpdate  time.Time       `json:"last_update,omitempty"`
}

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
}

type locationsResponse struct {
	Count     int                     `json:"count"`
	Locations []models.LocationRecord `json:"locations"`
}

type statsResponse struct {
	Stats       models.Stats `json:"stats"`
	ClientCount int          `json:"client_count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *StatusServer) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *StatusServer) postReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Reconnect(r.Context()); err != nil {
		s.Logger.Warn().Err(err).Msg("Manual reconnect failed")
		writeJSON(w, http.StatusBadGateway, struct {
			errorResponse
			State models.ConnectionSnapshot `json:"state"`
		}{errorResponse{err.Error()}, s.conn.Status()})
		return
	}
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *StatusServer) getLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.history.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no location received yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *StatusServer) getLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	field := services.SortField(q.Get("sort"))
	if field == "" {
		field = services.SortByTimestamp
	}
	dir := services.SortDirection(q.Get("order"))
	switch dir {
	case "":
		dir = services.Descending
	case services.Ascending, services.Descending:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid order %q", dir))
		return
	}

	criteria, err := parseCriteria(q.Get, q.Has)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records := s.history.Query(criteria, field, dir)
	writeJSON(w, http.StatusOK, locationsResponse{Count: len(records), Locations: records})
}

func (s *StatusServer) getSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Summary())
}

func (s *StatusServer) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Stats: s.history.Stats(), ClientCount: s.history.ClientCount()})
}

// parseCriteria reads the bounding box (all four edges or none) and the time
// window (epoch milliseconds or RFC 3339).
func parseCriteria(get func(string) string, has func(string) bool) (services.FilterCriteria, error) {
	var c services.FilterCriteria

	edges := []string{"north", "south", "east", "west"}
	present := 0
	for _, k := range edges {
		if has(k) {
			present++
		}
	}
	switch present {
	case 0:
	case len(edges):
		vals := make([]float64, len(edges))
		for i, k := range edges {
			v, err := strconv.ParseFloat(get(k), 64)
			if err != nil {
				return c, fmt.Errorf("invalid %s: %q", k, get(k))
			}
			vals[i] = v
		}
		if vals[0] < vals[1] {
			return c, errors.New("north must not be below south")
		}
		c.Bounds = &models.Bounds{North: vals[0], South: vals[1], East: vals[2], West: vals[3]}
	default:
		return c, errors.New("bounds need north, south, east and west")
	}

	for _, k := range []string{"start", "end"} {
		if !has(k) {
			continue
		}
		t, err := parseTime(get(k))
		if err != nil {
			return c, fmt.Errorf("invalid %s: %q", k, get(k))
		}
		if k == "start" {
			c.Start = &t
		} else {
			c.End = &t
		}
	}
	if c.Start != nil && c.End != nil && c.End.Before(*c.Start) {
		return c, errors.New("end must not be before start")
	}
	return c, nil
}

func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

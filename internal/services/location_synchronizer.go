package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/constants"
	"github.com/benmeehan/udp-tracker/internal/metrics"
	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/internal/validation"
	"github.com/benmeehan/udp-tracker/pkg/api"
	"github.com/benmeehan/udp-tracker/pkg/transport"
)

// ErrInvalidRange is returned by RangeQuery when start does not precede end.
var ErrInvalidRange = errors.New("start time must precede end time")

const earthRadiusKm = 6371.0

// LocationSource is the pull side of the synchronizer.
type LocationSource interface {
	GetLocations(ctx context.Context, limit, offset int) (api.LocationsPage, error)
	GetLatest(ctx context.Context) (*models.RawLocation, error)
	GetRange(ctx context.Context, start, end int64) (api.RangeResult, error)
	GetStats(ctx context.Context) (models.Stats, error)
}

// EventChannel is the push side of the synchronizer.
type EventChannel interface {
	Subscribe(event string, handler Handler) (unsubscribe func())
	IsConnected() bool
}

// SynchronizerConfig bounds the history and sets the polling fallback periods.
type SynchronizerConfig struct {
	MaxLocations    int
	RefreshInterval time.Duration
	// LatestPollInterval polls the newest record while the push channel is down. 0 disables it.
	LatestPollInterval time.Duration
}

// IngestResult describes the outcome of one pushed record.
type IngestResult struct {
	Accepted bool
	Record   *models.LocationRecord
	// Replaced marks an in-place update of an existing observation.
	Replaced bool
	// Retained is false when the record was evicted by truncation immediately.
	Retained bool
	Err      error
}

// SortField names a LocationRecord attribute usable by SortBy.
type SortField string

const (
	SortByTimestamp  SortField = "timestamp"
	SortByLatitude   SortField = "latitude"
	SortByLongitude  SortField = "longitude"
	SortByCreatedAt  SortField = "createdAt"
	SortByReceivedAt SortField = "receivedAt"
)

// SortDirection is asc or desc.
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// FilterCriteria selects records. A time window applies only when both ends are set.
type FilterCriteria struct {
	Start  *time.Time
	End    *time.Time
	Bounds *models.Bounds
}

// LocationSynchronizer merges the initial pull and the push stream into one
// bounded history, newest first.
type LocationSynchronizer struct {
	source  LocationSource
	channel EventChannel
	cfg     SynchronizerConfig
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	history     []models.LocationRecord
	stats       models.Stats
	clientCount int
	lastUpdate  time.Time
	hasMore     bool
	listeners   []LatestListener

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
}

// NewLocationSynchronizer creates a synchronizer with an empty history.
// channel may be nil when only the pull side is used.
func NewLocationSynchronizer(source LocationSource, channel EventChannel, cfg SynchronizerConfig, logger zerolog.Logger) *LocationSynchronizer {
	if cfg.MaxLocations <= 0 {
		cfg.MaxLocations = constants.DefaultMaxLocationsDisplay
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = constants.DefaultRefreshInterval
	}
	return &LocationSynchronizer{
		source:  source,
		channel: channel,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		history: []models.LocationRecord{},
		stats:   models.Stats{},
	}
}

// LatestListener receives the newest record. ok is false when the history became empty.
type LatestListener func(latest models.LocationRecord, ok bool)

// OnLatest registers fn to be called whenever the newest record changes.
func (s *LocationSynchronizer) OnLatest(fn LatestListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start subscribes to push events, performs the initial load and begins the
// polling fallback that refreshes while the push channel is down.
func (s *LocationSynchronizer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("LocationSynchronizer is already running")
		return errors.New("location synchronizer is already running")
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.channel != nil {
		s.unsubscribe = []func(){
			s.channel.Subscribe(constants.EventLocationUpdate, s.handleLocationUpdate),
			s.channel.Subscribe(constants.EventInitialData, s.handleInitialData),
			s.channel.Subscribe(constants.EventStatsUpdate, s.handleStatsUpdate),
			s.channel.Subscribe(constants.EventClientCountUpdate, s.handleClientCount),
			s.channel.Subscribe(constants.EventConnectionInfo, s.handleClientCount),
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refresh(ctx)

		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		var latestTick <-chan time.Time
		if s.cfg.LatestPollInterval > 0 {
			latestTicker := time.NewTicker(s.cfg.LatestPollInterval)
			defer latestTicker.Stop()
			latestTick = latestTicker.C
		}

		for {
			select {
			case <-ticker.C:
				if s.pushConnected() {
					continue
				}
				s.logger.Debug().Msg("Push channel down, refreshing from REST")
				s.refresh(ctx)
			case <-latestTick:
				if s.pushConnected() {
					continue
				}
				if _, err := s.RefreshLatest(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("Failed to poll latest location")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info().
		Int("max_locations", s.cfg.MaxLocations).
		Dur("refresh_interval", s.cfg.RefreshInterval).
		Dur("latest_poll_interval", s.cfg.LatestPollInterval).
		Msg("LocationSynchronizer started")
	return nil
}

// Stop ends polling and drops the push subscriptions.
func (s *LocationSynchronizer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("LocationSynchronizer is not running")
		return errors.New("location synchronizer is not running")
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil

	s.logger.Info().Msg("LocationSynchronizer stopped")
	return nil
}

func (s *LocationSynchronizer) pushConnected() bool {
	return s.channel != nil && s.channel.IsConnected()
}

func (s *LocationSynchronizer) refresh(ctx context.Context) {
	if _, err := s.LoadInitial(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Failed to load locations")
	}
	if _, err := s.LoadStats(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Failed to load stats")
	}
}

// LoadInitial replaces the history with the newest page from the backend.
// On any failure the existing history is left untouched.
func (s *LocationSynchronizer) LoadInitial(ctx context.Context) ([]models.LocationRecord, error) {
	page, err := s.source.GetLocations(ctx, s.cfg.MaxLocations, 0)
	if err != nil {
		return nil, fmt.Errorf("loading initial locations: %w", err)
	}

	records, errs := validation.ParseLocations(page.Locations, s.now())
	if len(errs) > 0 {
		metrics.LocationsIngested.WithLabelValues("rejected").Add(float64(len(errs)))
		return nil, fmt.Errorf("loading initial locations: %w", errors.Join(errs...))
	}

	snapshot := s.replace(records)
	s.mu.Lock()
	s.hasMore = page.Pagination.HasMore
	s.mu.Unlock()
	s.logger.Info().Int("count", len(snapshot)).Bool("has_more", page.Pagination.HasMore).Msg("Initial locations loaded")
	return snapshot, nil
}

// RefreshLatest fetches the newest backend record and merges it like a pushed
// one. A backend without locations leaves the history untouched.
func (s *LocationSynchronizer) RefreshLatest(ctx context.Context) (IngestResult, error) {
	raw, err := s.source.GetLatest(ctx)
	if err != nil {
		return IngestResult{}, fmt.Errorf("loading latest location: %w", err)
	}
	if raw == nil {
		return IngestResult{}, nil
	}
	return s.IngestPushRecord(*raw), nil
}

// HasMore reports whether the backend held more records than the last initial load fetched.
func (s *LocationSynchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LoadStats fetches the backend statistics.
func (s *LocationSynchronizer) LoadStats(ctx context.Context) (models.Stats, error) {
	stats, err := s.source.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading stats: %w", err)
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	return stats, nil
}

// IngestPushRecord validates and merges one pushed record. It never panics on
// bad input; rejected records leave the history unchanged.
func (s *LocationSynchronizer) IngestPushRecord(raw models.RawLocation) IngestResult {
	record, err := validation.ParseLocation(raw, s.now())
	if err != nil {
		metrics.LocationsIngested.WithLabelValues("rejected").Inc()
		s.logger.Warn().Err(err).Msg("Rejected pushed location")
		return IngestResult{Err: err}
	}

	s.mu.Lock()
	before := s.latestKeyLocked()
	result := IngestResult{Accepted: true, Record: &record, Retained: true}

	if idx := s.indexLocked(record.Key()); idx >= 0 {
		s.history[idx] = record
		result.Replaced = true
		metrics.LocationsIngested.WithLabelValues("replaced").Inc()
	} else {
		pos := sort.Search(len(s.history), func(i int) bool {
			return s.history[i].Timestamp <= record.Timestamp
		})
		s.history = append(s.history, models.LocationRecord{})
		copy(s.history[pos+1:], s.history[pos:])
		s.history[pos] = record
		metrics.LocationsIngested.WithLabelValues("inserted").Inc()

		if len(s.history) > s.cfg.MaxLocations {
			evicted := len(s.history) - s.cfg.MaxLocations
			s.history = s.history[:s.cfg.MaxLocations]
			metrics.LocationsIngested.WithLabelValues("evicted").Add(float64(evicted))
		}
		result.Retained = pos < s.cfg.MaxLocations
	}
	s.lastUpdate = s.now()
	metrics.HistorySize.Set(float64(len(s.history)))

	latest, ok, changed := s.latestChangedLocked(before)
	listeners := s.listeners
	s.mu.Unlock()

	if changed {
		s.notify(listeners, latest, ok)
	}
	s.logger.Debug().
		Int64("timestamp", record.Timestamp).
		Bool("replaced", result.Replaced).
		Bool("retained", result.Retained).
		Msg("Pushed location ingested")
	return result
}

// IngestInitialPushBatch replaces the history with the valid elements of raws.
func (s *LocationSynchronizer) IngestInitialPushBatch(raws []models.RawLocation) []models.LocationRecord {
	records, errs := validation.ParseLocations(raws, s.now())
	for _, err := range errs {
		s.logger.Warn().Err(err).Msg("Rejected location in initial batch")
	}
	if len(errs) > 0 {
		metrics.LocationsIngested.WithLabelValues("rejected").Add(float64(len(errs)))
	}

	snapshot := s.replace(records)
	s.logger.Info().Int("count", len(snapshot)).Int("rejected", len(errs)).Msg("Initial push batch applied")
	return snapshot
}

// RangeQuery fetches records between start and end without touching the history.
func (s *LocationSynchronizer) RangeQuery(ctx context.Context, start, end time.Time) ([]models.LocationRecord, error) {
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	res, err := s.source.GetRange(ctx, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}

	records, errs := validation.ParseLocations(res.Locations, s.now())
	for _, err := range errs {
		s.logger.Warn().Err(err).Msg("Rejected location in range result")
	}
	sortRecords(records, SortByTimestamp, Descending)
	return records, nil
}

// replace installs records as the full history, newest first, unique by key.
func (s *LocationSynchronizer) replace(records []models.LocationRecord) []models.LocationRecord {
	normalized := normalize(records, s.cfg.MaxLocations)

	s.mu.Lock()
	before := s.latestKeyLocked()
	s.history = normalized
	s.lastUpdate = s.now()
	metrics.HistorySize.Set(float64(len(s.history)))
	latest, ok, changed := s.latestChangedLocked(before)
	listeners := s.listeners
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(listeners, latest, ok)
	}
	return snapshot
}

// Snapshot returns a copy of the history.
func (s *LocationSynchronizer) Snapshot() []models.LocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Latest returns the newest record.
func (s *LocationSynchronizer) Latest() (models.LocationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return models.LocationRecord{}, false
	}
	return s.history[0], true
}

// Stats returns the last statistics document received.
func (s *LocationSynchronizer) Stats() models.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.Stats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// ClientCount returns the last connected-client count received.
func (s *LocationSynchronizer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount
}

// Filter returns the records matching c, in history order.
func (s *LocationSynchronizer) Filter(c FilterCriteria) []models.LocationRecord {
	out := []models.LocationRecord{}
	for _, r := range s.Snapshot() {
		if c.Start != nil && c.End != nil {
			t := r.DeviceTime()
			if t.Before(*c.Start) || t.After(*c.End) {
				continue
			}
		}
		if c.Bounds != nil && !c.Bounds.Contains(r.Latitude, r.Longitude) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortBy returns a sorted copy of the history. Unknown fields sort by timestamp.
func (s *LocationSynchronizer) SortBy(field SortField, dir SortDirection) []models.LocationRecord {
	out := s.Snapshot()
	sortRecords(out, field, dir)
	return out
}

// Query filters the history and sorts the matches.
func (s *LocationSynchronizer) Query(c FilterCriteria, field SortField, dir SortDirection) []models.LocationRecord {
	out := s.Filter(c)
	sortRecords(out, field, dir)
	return out
}

// Summary aggregates the current history.
func (s *LocationSynchronizer) Summary() models.HistorySummary {
	s.mu.Lock()
	records := s.snapshotLocked()
	clients := s.clientCount
	lastUpdate := s.lastUpdate
	hasMore := s.hasMore
	s.mu.Unlock()

	summary := models.HistorySummary{
		Total:       len(records),
		HasMore:     hasMore,
		ClientCount: clients,
		LastUpdate:  lastUpdate,
	}
	if len(records) == 0 {
		return summary
	}

	latest := records[0]
	summary.Latest = &latest

	tr := models.TimeRange{Start: records[0].Timestamp, End: records[0].Timestamp}
	b := models.Bounds{
		North: records[0].Latitude, South: records[0].Latitude,
		East: records[0].Longitude, West: records[0].Longitude,
	}
	var sumLat, sumLon float64
	for _, r := range records {
		tr.Start = min(tr.Start, r.Timestamp)
		tr.End = max(tr.End, r.Timestamp)
		b.North = math.Max(b.North, r.Latitude)
		b.South = math.Min(b.South, r.Latitude)
		b.East = math.Max(b.East, r.Longitude)
		b.West = math.Min(b.West, r.Longitude)
		sumLat += r.Latitude
		sumLon += r.Longitude
	}
	tr.Duration = tr.End - tr.Start
	n := float64(len(records))

	summary.TimeRange = &tr
	summary.Bounds = &b
	summary.Center = &models.Point{Latitude: sumLat / n, Longitude: sumLon / n}

	if len(records) > 1 {
		var total float64
		for i := 1; i < len(records); i++ {
			total += Haversine(records[i-1].Latitude, records[i-1].Longitude, records[i].Latitude, records[i].Longitude)
		}
		summary.AvgDistance = math.Round(total/float64(len(records)-1)*1000) / 1000
	}
	return summary
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (s *LocationSynchronizer) handleLocationUpdate(ev transport.Event) {
	var update models.LocationUpdate
	if err := ev.Decode(&update); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed location-update event")
		return
	}
	s.IngestPushRecord(update.Data)
}

func (s *LocationSynchronizer) handleInitialData(ev transport.Event) {
	var initial models.InitialData
	if err := ev.Decode(&initial); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed initial-data event")
		return
	}
	if !initial.Success || initial.Data == nil {
		s.logger.Warn().Msg("Ignoring unsuccessful initial-data event")
		return
	}
	s.IngestInitialPushBatch(initial.Data)
}

func (s *LocationSynchronizer) handleStatsUpdate(ev transport.Event) {
	stats := models.Stats{}
	if err := ev.Decode(&stats); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed stats-update event")
		return
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func (s *LocationSynchronizer) handleClientCount(ev transport.Event) {
	var count models.ClientCount
	if err := ev.Decode(&count); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Name).Msg("Malformed client count event")
		return
	}
	s.mu.Lock()
	s.clientCount = count.TotalClients
	s.mu.Unlock()
}

func (s *LocationSynchronizer) indexLocked(key models.LocationKey) int {
	for i := range s.history {
		if s.history[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *LocationSynchronizer) snapshotLocked() []models.LocationRecord {
	out := make([]models.LocationRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *LocationSynchronizer) latestKeyLocked() *models.LocationKey {
	if len(s.history) == 0 {
		return nil
	}
	k := s.history[0].Key()
	return &k
}

// latestChangedLocked returns the newest record, whether there is one, and
// whether it differs from before.
func (s *LocationSynchronizer) latestChangedLocked(before *models.LocationKey) (models.LocationRecord, bool, bool) {
	if len(s.history) == 0 {
		return models.LocationRecord{}, false, before != nil
	}
	latest := s.history[0]
	if before != nil && *before == latest.Key() {
		return latest, true, false
	}
	return latest, true, true
}

func (s *LocationSynchronizer) notify(listeners []LatestListener, latest models.LocationRecord, ok bool) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error().Interface("panic", rec).Msg("Latest location listener panicked")
				}
			}()
			fn(latest, ok)
		}()
	}
}

// normalize sorts newest first, keeps the last occurrence of each key and truncates to max.
func normalize(records []models.LocationRecord, max int) []models.LocationRecord {
	last := make(map[models.LocationKey]int, len(records))
	for i, r := range records {
		last[r.Key()] = i
	}
	out := make([]models.LocationRecord, 0, len(last))
	for i, r := range records {
		if last[r.Key()] == i {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func sortRecords(records []models.LocationRecord, field SortField, dir SortDirection) {
	less := func(a, b models.LocationRecord) bool {
		switch field {
		case SortByLatitude:
			return a.Latitude < b.Latitude
		case SortByLongitude:
			return a.Longitude < b.Longitude
		case SortByCreatedAt:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortByReceivedAt:
			return a.ReceivedAt.Before(b.ReceivedAt)
		default:
			return a.Timestamp < b.Timestamp
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if dir == Ascending {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}

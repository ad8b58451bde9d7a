package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/internal/services"
)

const shutdownTimeout = 5 * time.Second

// Connection is the part of the connection manager exposed over HTTP.
type Connection interface {
	Status() models.ConnectionSnapshot
	Reconnect(ctx context.Context) error
}

// History is the part of the location synchronizer exposed over HTTP.
type History interface {
	Latest() (models.LocationRecord, bool)
	Query(c services.FilterCriteria, field services.SortField, dir services.SortDirection) []models.LocationRecord
	Summary() models.HistorySummary
	Stats() models.Stats
	ClientCount() int
}

// StatusServer serves the tracker state to a local presentation layer.
type StatusServer struct {
	address        string
	allowedOrigins []string
	conn           Connection
	history        History
	Logger         zerolog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewStatusServer creates a StatusServer listening on address once started.
func NewStatusServer(address string, allowedOrigins []string, conn Connection, history History, logger zerolog.Logger) *StatusServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &StatusServer{
		address:        address,
		allowedOrigins: allowedOrigins,
		conn:           conn,
		history:        history,
		Logger:         logger,
	}
}

// Handler builds the router.
func (s *StatusServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.getState)
		r.Post("/reconnect", s.postReconnect)
		r.Get("/latest", s.getLatest)
		r.Get("/locations", s.getLocations)
		r.Get("/summary", s.getSummary)
		r.Get("/stats", s.getStats)
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("status server already running")
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("Status server stopped unexpectedly")
		}
	}(s.srv, s.done)

	s.Logger.Info().Str("address", ln.Addr().String()).Msg("Status server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *StatusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	s.Logger.Info().Msg("Status server stopped")
	return err
}

func (s *StatusServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

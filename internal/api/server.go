// Package api is the HTTP edge: REST routes, the websocket upgrade, and the
// SSE map stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/config"
	"github.com/tmt/backend/internal/geoevents"
	"github.com/tmt/backend/internal/ingest"
	"github.com/tmt/backend/internal/intel"
	"github.com/tmt/backend/internal/middleware"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/ws"
)

const shutdownDrain = 30 * time.Second

// Server owns the router and the service dependencies the handlers call.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	ingest *ingest.Router
	alerts *alerts.Engine
	geo    *geoevents.Service
	intel  *intel.Pipeline
	wsHub  *ws.Handler
	sse    *ws.SSEHandler
	logger *slog.Logger

	globalLimiter *middleware.RateLimiter
	sosLimiter    *middleware.RateLimiter

	httpServer *http.Server
}

// NewServer wires the edge. rdb may be nil; the limiters then run on their
// in-process fallback.
func NewServer(cfg *config.Config, st *store.Store, ing *ingest.Router, eng *alerts.Engine, geo *geoevents.Service, pipe *intel.Pipeline, hub *ws.Handler, sse *ws.SSEHandler, rdb *redis.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	t := cfg.Tuning
	s := &Server{
		cfg:    cfg,
		store:  st,
		ingest: ing,
		alerts: eng,
		geo:    geo,
		intel:  pipe,
		wsHub:  hub,
		sse:    sse,
		logger: logger.With("component", "api"),

		globalLimiter: middleware.NewRateLimiter(rdb, logger, "global", t.GlobalRateLimit, t.RateWindow),
		sosLimiter:    middleware.NewRateLimiter(rdb, logger, "sos", t.SOSRateLimit, t.RateWindow),
	}
	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive handlers through
// httptest without binding a port.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Streams sit outside the global limiter: one long-lived connection,
	// not a request burst.
	r.Handle("/ws", s.wsHub).Methods("GET")
	r.Handle("/api/v1/livemap/stream", s.sse).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.CORS(s.cfg.CORSOrigins))
	v1.Use(s.globalLimiter.Middleware)

	sos := v1.PathPrefix("/sos").Subrouter()
	sos.Handle("", s.sosLimiter.Middleware(http.HandlerFunc(s.handleCreateSOS))).Methods("POST")
	sos.HandleFunc("/mesh", s.handleMeshSOS).Methods("POST")
	sos.HandleFunc("/sync", s.handleSync).Methods("POST")
	sos.HandleFunc("/simulate", s.handleSimulate).Methods("POST")

	v1.HandleFunc("/sms/inbound", s.handleInboundSMS).Methods("POST")

	v1.HandleFunc("/patients/{id}/location", s.handlePatientLocation).Methods("POST")

	v1.HandleFunc("/alerts/{id}/ack", s.handleAlertAck).Methods("POST")
	v1.HandleFunc("/alerts/{id}/false-alarm", s.handleAlertFalseAlarm).Methods("POST")

	v1.HandleFunc("/geo/events", s.handleGeoEvents).Methods("GET")
	v1.HandleFunc("/geo/clusters", s.handleGeoClusters).Methods("GET")

	v1.HandleFunc("/facilities/{id}/status", s.handleFacilityStatus).Methods("POST")

	v1.HandleFunc("/intel/channels", s.handleJoinChannel).Methods("POST")
	v1.HandleFunc("/intel/search", s.handleIntelSearch).Methods("GET")

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	go s.globalLimiter.StartCleanup(ctx)
	go s.sosLimiter.StartCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	s.logger.Info("shutting down", "drain", shutdownDrain)
	return s.httpServer.Shutdown(drainCtx)
}

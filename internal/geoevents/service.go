// Package geoevents serves the live-map feed: windowed reads, radius
// queries, grid clustering, and the TTL sweep.
package geoevents

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
)

// Service wraps the geo event repository for the HTTP edge and workers.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewService wires the geo event service.
func NewService(st *store.Store, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: b, logger: logger.With("component", "geoevents")}
}

// Query mirrors the feed read parameters.
type Query struct {
	HoursBack      int
	Layers         []domain.GeoLayer
	Source         domain.AlertSource
	MinSeverity    int
	IncludeExpired bool
	Limit          int
}

// List returns feed events, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]*domain.GeoEvent, error) {
	if q.HoursBack <= 0 {
		q.HoursBack = 24
	}
	return s.store.GeoEvents.List(ctx, store.Filter{
		Since:          time.Now().Add(-time.Duration(q.HoursBack) * time.Hour),
		Layers:         q.Layers,
		Source:         q.Source,
		MinSeverity:    q.MinSeverity,
		IncludeExpired: q.IncludeExpired,
		Limit:          q.Limit,
	})
}

// ListInRadius returns events near a point within the window.
func (s *Service) ListInRadius(ctx context.Context, center domain.Location, radiusM float64, hoursBack int, layers []domain.GeoLayer) ([]*domain.GeoEvent, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	return s.store.GeoEvents.ListInRadius(ctx, center, radiusM,
		time.Now().Add(-time.Duration(hoursBack)*time.Hour), layers)
}

// ListRecent satisfies the SSE backlog interface.
func (s *Service) ListRecent(ctx context.Context, since time.Time) ([]*domain.GeoEvent, error) {
	return s.store.GeoEvents.List(ctx, store.Filter{Since: since})
}

// Clusters buckets the current feed for zoomed-out map views.
func (s *Service) Clusters(ctx context.Context, q Query, precisionDeg float64) ([]geo.Cluster, error) {
	events, err := s.List(ctx, q)
	if err != nil {
		return nil, err
	}
	flat := make([]domain.GeoEvent, len(events))
	for i, ev := range events {
		flat[i] = *ev
	}
	return geo.ClusterEvents(flat, precisionDeg), nil
}

// Record stores one geo event and projects it onto the live map.
func (s *Service) Record(ctx context.Context, ev *domain.GeoEvent) error {
	if err := s.store.GeoEvents.Create(ctx, ev); err != nil {
		return err
	}
	s.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventFromGeo(ev))
	return nil
}

// RunGC sweeps expired rows every interval until ctx ends.
func (s *Service) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.store.GeoEvents.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("geo event sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.GeoEventsExpired.Add(float64(n))
				s.logger.Info("geo events expired", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

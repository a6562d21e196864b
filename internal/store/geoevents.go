package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
)

// GeoEventRepo persists the immutable live-map feed. Rows never change after
// insert except for the verification metadata writeback and TTL deletion.
type GeoEventRepo struct {
	db *sql.DB
}

const geoColumns = `id, event_type, source, severity, layer, latitude,
	longitude, title, details, metadata, created_at, expires_at`

func scanGeoEvent(row interface{ Scan(...interface{}) error }) (*domain.GeoEvent, error) {
	var ev domain.GeoEvent
	var title, details sql.NullString
	var meta []byte

	err := row.Scan(&ev.ID, &ev.EventType, &ev.Source, &ev.Severity, &ev.Layer,
		&ev.Location.Latitude, &ev.Location.Longitude, &title, &details, &meta,
		&ev.CreatedAt, &ev.ExpiresAt)
	if err != nil {
		return nil, err
	}
	ev.Title = title.String
	ev.Details = details.String
	ev.Metadata = unmarshalMeta(meta)
	return &ev, nil
}

func insertGeoEventTx(ctx context.Context, tx *sql.Tx, ev *domain.GeoEvent) error {
	prepareGeoEvent(ev)
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO geo_events (id, event_type, source, severity, layer,
			latitude, longitude, title, details, metadata, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.ID, ev.EventType, string(ev.Source), ev.Severity, string(ev.Layer),
		ev.Location.Latitude, ev.Location.Longitude, nullStr(ev.Title),
		nullStr(ev.Details), meta, ev.CreatedAt, ev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert geo event: %w", err)
	}
	return nil
}

func prepareGeoEvent(ev *domain.GeoEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(24 * time.Hour)
	}
	if ev.Severity < 1 {
		ev.Severity = 1
	}
	if ev.Severity > 5 {
		ev.Severity = 5
	}
}

// Create inserts one geo event.
func (r *GeoEventRepo) Create(ctx context.Context, ev *domain.GeoEvent) error {
	prepareGeoEvent(ev)
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO geo_events (id, event_type, source, severity, layer,
			latitude, longitude, title, details, metadata, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.ID, ev.EventType, string(ev.Source), ev.Severity, string(ev.Layer),
		ev.Location.Latitude, ev.Location.Longitude, nullStr(ev.Title),
		nullStr(ev.Details), meta, ev.CreatedAt, ev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert geo event: %w", err)
	}
	return nil
}

// Filter narrows feed reads.
type Filter struct {
	Since          time.Time
	Layers         []domain.GeoLayer
	Source         domain.AlertSource
	MinSeverity    int
	IncludeExpired bool
	Limit          int
}

// List returns events matching the filter, newest first.
func (r *GeoEventRepo) List(ctx context.Context, f Filter) ([]*domain.GeoEvent, error) {
	query := `SELECT ` + geoColumns + ` FROM geo_events WHERE created_at >= $1`
	args := []interface{}{f.Since}

	if len(f.Layers) > 0 {
		layers := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			layers[i] = string(l)
		}
		args = append(args, pq.Array(layers))
		query += fmt.Sprintf(" AND layer = ANY($%d)", len(args))
	}
	if f.Source != "" {
		args = append(args, string(f.Source))
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if f.MinSeverity > 0 {
		args = append(args, f.MinSeverity)
		query += fmt.Sprintf(" AND severity >= $%d", len(args))
	}
	if !f.IncludeExpired {
		query += " AND expires_at > now()"
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query geo events: %w", err)
	}
	defer rows.Close()
	return collectGeoEvents(rows)
}

// ListInRadius returns events within radiusM of a point created after
// `since`, filtered by layers when given.
func (r *GeoEventRepo) ListInRadius(ctx context.Context, center domain.Location, radiusM float64, since time.Time, layers []domain.GeoLayer) ([]*domain.GeoEvent, error) {
	box := geo.BoxAround(center, radiusM)
	query := `SELECT ` + geoColumns + ` FROM geo_events
		WHERE created_at >= $1
		  AND latitude BETWEEN $2 AND $3 AND longitude BETWEEN $4 AND $5`
	args := []interface{}{since, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}

	if len(layers) > 0 {
		ls := make([]string, len(layers))
		for i, l := range layers {
			ls[i] = string(l)
		}
		args = append(args, pq.Array(ls))
		query += fmt.Sprintf(" AND layer = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query geo events in radius: %w", err)
	}
	defer rows.Close()

	events, err := collectGeoEvents(rows)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, ev := range events {
		if geo.DistanceM(center, ev.Location) <= radiusM {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ListUnverifiedTelegram returns telegram-sourced events newer than `since`
// whose metadata has no "verified" key, oldest first, capped at limit.
func (r *GeoEventRepo) ListUnverifiedTelegram(ctx context.Context, since time.Time, limit int) ([]*domain.GeoEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+geoColumns+` FROM geo_events
		WHERE source = 'telegram' AND created_at >= $1
		  AND (metadata IS NULL OR NOT metadata ? 'verified')
		ORDER BY created_at ASC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query unverified telegram events: %w", err)
	}
	defer rows.Close()
	return collectGeoEvents(rows)
}

// MergeMetadata merges keys into an event's metadata; the verification loop
// writes its verdict through this.
func (r *GeoEventRepo) MergeMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	meta, err := marshalMeta(patch)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE geo_events SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("merge geo metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("geo event %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes rows past their TTL. Returns the delete count.
func (r *GeoEventRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM geo_events WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired geo events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectGeoEvents(rows *sql.Rows) ([]*domain.GeoEvent, error) {
	var out []*domain.GeoEvent
	for rows.Next() {
		ev, err := scanGeoEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

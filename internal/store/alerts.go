package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
)

// AlertRepo persists alerts. An alert and its crisis-layer geo event are
// written in one transaction so the live map never shows one without the
// other.
type AlertRepo struct {
	db *sql.DB
}

const alertColumns = `id, event_type, severity, latitude, longitude, radius_m,
	source, confidence, title, details, metadata, routed_department,
	target_facility_id, acknowledged_by, affected_patients_count, created_at,
	expires_at`

func scanAlert(row interface{ Scan(...interface{}) error }) (*domain.Alert, error) {
	var a domain.Alert
	var title, details, dept, target, ackBy sql.NullString
	var meta []byte

	err := row.Scan(&a.ID, &a.EventType, &a.Severity, &a.Center.Latitude,
		&a.Center.Longitude, &a.RadiusM, &a.Source, &a.Confidence, &title,
		&details, &meta, &dept, &target, &ackBy, &a.AffectedPatientsCount,
		&a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	a.Title = title.String
	a.Details = details.String
	a.Metadata = unmarshalMeta(meta)
	a.RoutedDepartment = domain.Department(dept.String)
	a.TargetFacilityID = target.String
	a.AcknowledgedBy = ackBy.String
	return &a, nil
}

// CreateWithGeoEvent inserts the alert and its paired geo event atomically.
// geoEvent may be nil for callers that emit their own projection.
func (r *AlertRepo) CreateWithGeoEvent(ctx context.Context, a *domain.Alert, ev *domain.GeoEvent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.CreatedAt.Add(24 * time.Hour)
	}
	if a.RadiusM <= 0 {
		a.RadiusM = domain.DefaultAlertRadiusM
	}

	meta, err := marshalMeta(a.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, event_type, severity, latitude, longitude,
			radius_m, source, confidence, title, details, metadata,
			routed_department, target_facility_id, acknowledged_by,
			affected_patients_count, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		a.ID, string(a.EventType), string(a.Severity), a.Center.Latitude,
		a.Center.Longitude, a.RadiusM, string(a.Source), a.Confidence,
		nullStr(a.Title), nullStr(a.Details), meta,
		nullStr(string(a.RoutedDepartment)), nullStr(a.TargetFacilityID),
		nullStr(a.AcknowledgedBy), a.AffectedPatientsCount, a.CreatedAt,
		a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if ev != nil {
		if err := insertGeoEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert tx: %w", err)
	}
	return nil
}

// GetByID loads one alert.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

// Acknowledge sets acknowledged_by. The operation is idempotent; a repeat
// call overwrites with the most recent acknowledger.
func (r *AlertRepo) Acknowledge(ctx context.Context, id, facilityID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged_by = $2 WHERE id = $1`, id, facilityID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetMetadataKey merges one key into the alert's metadata map.
func (r *AlertRepo) SetMetadataKey(ctx context.Context, id, key string, value interface{}) error {
	meta, err := marshalMeta(map[string]interface{}{key: value})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE alerts SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("set alert metadata: %w", err)
	}
	return nil
}

// AlertWithDistance pairs an alert with distance from a query point.
type AlertWithDistance struct {
	Alert     *domain.Alert
	DistanceM float64
}

// ListActiveNear returns unexpired alerts within radiusM of a point created
// after `since`, nearest first. Triage uses it for context; the fallback
// priority rules use the count.
func (r *AlertRepo) ListActiveNear(ctx context.Context, center domain.Location, radiusM float64, since time.Time) ([]AlertWithDistance, error) {
	box := geo.BoxAround(center, radiusM)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE expires_at > now() AND created_at >= $5
		  AND latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, since)
	if err != nil {
		return nil, fmt.Errorf("query alerts near: %w", err)
	}
	defer rows.Close()

	var out []AlertWithDistance
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		d := geo.DistanceM(center, a.Center)
		if d <= radiusM {
			out = append(out, AlertWithDistance{Alert: a, DistanceM: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

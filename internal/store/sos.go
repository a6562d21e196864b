package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
)

// SOSRepo persists SOS requests. The mesh_message_id column carries a unique
// partial index shared by the mesh and sync sources; duplicate inserts come
// back as domain.DuplicateError with the prior row id.
type SOSRepo struct {
	db *sql.DB
}

const sosColumns = `id, patient_id, latitude, longitude, patient_status,
	severity, details, source, event_id, mesh_message_id, relay_device_id,
	mesh_hop_count, routed_department, facility_notified_id,
	origin_facility_id, status, resolved_at, auto_resolved, created_at,
	device_time`

func scanSOS(row interface{ Scan(...interface{}) error }) (*domain.SOSRequest, error) {
	var s domain.SOSRequest
	var lat, lon sql.NullFloat64
	var details, eventID, meshID, relayID, dept, notified, origin sql.NullString
	var hop sql.NullInt64
	var resolvedAt, deviceTime sql.NullTime

	err := row.Scan(&s.ID, &s.PatientID, &lat, &lon, &s.PatientStatus,
		&s.Severity, &details, &s.Source, &eventID, &meshID, &relayID, &hop,
		&dept, &notified, &origin, &s.Status, &resolvedAt, &s.AutoResolved,
		&s.CreatedAt, &deviceTime)
	if err != nil {
		return nil, err
	}

	if lat.Valid && lon.Valid {
		s.Location = &domain.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	s.Details = details.String
	s.EventID = eventID.String
	s.MeshMessageID = meshID.String
	s.RelayDeviceID = relayID.String
	s.MeshHopCount = int(hop.Int64)
	s.RoutedDepartment = domain.Department(dept.String)
	s.FacilityNotifiedID = notified.String
	s.OriginFacilityID = origin.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		s.ResolvedAt = &t
	}
	if deviceTime.Valid {
		t := deviceTime.Time
		s.DeviceTime = &t
	}
	return &s, nil
}

// Create inserts an SOS. When MeshMessageID is set and a row already holds
// it, no row is written and the prior id is returned inside DuplicateError.
func (r *SOSRepo) Create(ctx context.Context, s *domain.SOSRequest) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = domain.SOSPending
	}

	if s.MeshMessageID != "" {
		var priorID string
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM sos_requests WHERE mesh_message_id = $1`,
			s.MeshMessageID).Scan(&priorID)
		if err == nil {
			return &domain.DuplicateError{PriorID: priorID}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dedup lookup: %w", err)
		}
	}

	var lat, lon interface{}
	if s.Location != nil {
		lat, lon = s.Location.Latitude, s.Location.Longitude
	}

	// The unique index still guards the insert against races between the
	// lookup and the write.
	var insertedID string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sos_requests (id, patient_id, latitude, longitude,
			patient_status, severity, details, source, event_id,
			mesh_message_id, relay_device_id, mesh_hop_count,
			routed_department, facility_notified_id, origin_facility_id,
			status, resolved_at, auto_resolved, created_at, device_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (mesh_message_id) WHERE mesh_message_id IS NOT NULL DO NOTHING
		RETURNING id`,
		s.ID, s.PatientID, lat, lon, string(s.PatientStatus), s.Severity,
		nullStr(s.Details), string(s.Source), nullStr(s.EventID),
		nullStr(s.MeshMessageID), nullStr(s.RelayDeviceID), s.MeshHopCount,
		nullStr(string(s.RoutedDepartment)), nullStr(s.FacilityNotifiedID),
		nullStr(s.OriginFacilityID), string(s.Status), s.ResolvedAt,
		s.AutoResolved, s.CreatedAt, s.DeviceTime).Scan(&insertedID)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: another writer won the race.
		var priorID string
		if lookupErr := r.db.QueryRowContext(ctx,
			`SELECT id FROM sos_requests WHERE mesh_message_id = $1`,
			s.MeshMessageID).Scan(&priorID); lookupErr == nil {
			return &domain.DuplicateError{PriorID: priorID}
		}
		return fmt.Errorf("insert sos: %w", domain.ErrDependencyUnavailable)
	}
	if err != nil {
		return fmt.Errorf("insert sos: %w", err)
	}
	return nil
}

// GetByID loads one SOS.
func (r *SOSRepo) GetByID(ctx context.Context, id string) (*domain.SOSRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sosColumns+` FROM sos_requests WHERE id = $1`, id)
	s, err := scanSOS(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sos %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

// ListActiveByPatient returns the patient's pending/acknowledged/dispatched
// SOS requests.
func (r *SOSRepo) ListActiveByPatient(ctx context.Context, patientID string) ([]*domain.SOSRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sosColumns+` FROM sos_requests
		WHERE patient_id = $1 AND status IN ('pending','acknowledged','dispatched')
		ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query active sos: %w", err)
	}
	defer rows.Close()
	return collectSOS(rows)
}

// ListRecentByPatient returns the newest SOS of a patient inside a window,
// consumed by triage context gathering.
func (r *SOSRepo) ListRecentByPatient(ctx context.Context, patientID string, since time.Time, limit int) ([]*domain.SOSRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sosColumns+` FROM sos_requests
		WHERE patient_id = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3`, patientID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sos: %w", err)
	}
	defer rows.Close()
	return collectSOS(rows)
}

// ListInBox returns SOS created after `since` inside a lat/lon box; the
// verification loop uses the 0.03-degree square here.
func (r *SOSRepo) ListInBox(ctx context.Context, box geo.BoundingBox, since time.Time) ([]*domain.SOSRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sosColumns+` FROM sos_requests
		WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4
		  AND created_at >= $5
		ORDER BY created_at DESC`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, since)
	if err != nil {
		return nil, fmt.Errorf("query sos in box: %w", err)
	}
	defer rows.Close()
	return collectSOS(rows)
}

// UpdateRouting records the department chosen by triage and, optionally, the
// facility that was notified.
func (r *SOSRepo) UpdateRouting(ctx context.Context, id string, dept domain.Department, facilityID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sos_requests SET routed_department = $2, facility_notified_id = $3
		WHERE id = $1`, id, string(dept), nullStr(facilityID))
	if err != nil {
		return fmt.Errorf("update routing: %w", err)
	}
	return nil
}

// Resolve closes an SOS.
func (r *SOSRepo) Resolve(ctx context.Context, id string, at time.Time, auto bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sos_requests SET status = 'resolved', resolved_at = $2, auto_resolved = $3
		WHERE id = $1 AND status IN ('pending','acknowledged','dispatched')`,
		id, at, auto)
	if err != nil {
		return fmt.Errorf("resolve sos: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sos %s not active: %w", id, domain.ErrNotFound)
	}
	return nil
}

func collectSOS(rows *sql.Rows) ([]*domain.SOSRequest, error) {
	var out []*domain.SOSRequest
	for rows.Next() {
		s, err := scanSOS(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

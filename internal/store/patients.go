package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
)

// PatientRepo persists patients and their trust counters.
type PatientRepo struct {
	db *sql.DB
}

const patientColumns = `id, phone, name, latitude, longitude, address, mobility,
	living_situation, date_of_birth, chronic_conditions, allergies, medications,
	special_equipment, total_sos_count, false_alarm_count, trust_score,
	risk_score, risk_level, is_active, created_at`

func scanPatient(row interface{ Scan(...interface{}) error }) (*domain.Patient, error) {
	var p domain.Patient
	var lat, lon sql.NullFloat64
	var name, address, mobility, living, riskLevel sql.NullString
	var dob sql.NullTime

	err := row.Scan(&p.ID, &p.Phone, &name, &lat, &lon, &address, &mobility,
		&living, &dob, pq.Array(&p.Conditions), pq.Array(&p.Allergies),
		pq.Array(&p.Medications), pq.Array(&p.Equipment), &p.TotalSOSCount,
		&p.FalseAlarmCount, &p.TrustScore, &p.RiskScore, &riskLevel,
		&p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.Name = name.String
	p.Address = address.String
	p.Mobility = domain.Mobility(mobility.String)
	p.LivingSituation = domain.LivingSituation(living.String)
	p.RiskLevel = domain.RiskLevel(riskLevel.String)
	if lat.Valid && lon.Valid {
		p.Location = &domain.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if dob.Valid {
		t := dob.Time
		p.DateOfBirth = &t
	}
	return &p, nil
}

// GetByID loads one patient.
func (r *PatientRepo) GetByID(ctx context.Context, id string) (*domain.Patient, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

// GetByPhone maps an inbound SMS sender to a patient.
func (r *PatientRepo) GetByPhone(ctx context.Context, phone string) (*domain.Patient, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE phone = $1 AND is_active`, phone)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phone %s: %w", phone, domain.ErrNotFound)
	}
	return p, err
}

// Create inserts a patient row.
func (r *PatientRepo) Create(ctx context.Context, p *domain.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.TrustScore = domain.ComputeTrustScore(p.TotalSOSCount, p.FalseAlarmCount)
	p.IsActive = true

	var lat, lon interface{}
	if p.Location != nil {
		lat, lon = p.Location.Latitude, p.Location.Longitude
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (id, phone, name, latitude, longitude, address,
			mobility, living_situation, date_of_birth, chronic_conditions,
			allergies, medications, special_equipment, total_sos_count,
			false_alarm_count, trust_score, risk_score, risk_level, is_active,
			created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.ID, p.Phone, nullStr(p.Name), lat, lon, nullStr(p.Address),
		nullStr(string(p.Mobility)), nullStr(string(p.LivingSituation)),
		p.DateOfBirth, pq.Array(p.Conditions), pq.Array(p.Allergies),
		pq.Array(p.Medications), pq.Array(p.Equipment), p.TotalSOSCount,
		p.FalseAlarmCount, p.TrustScore, p.RiskScore,
		nullStr(string(p.RiskLevel)), p.IsActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// UpdateLocation stores a patient's reported position.
func (r *PatientRepo) UpdateLocation(ctx context.Context, id string, loc domain.Location) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE patients SET latitude = $2, longitude = $3 WHERE id = $1`,
		id, loc.Latitude, loc.Longitude)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// IncrementSOSCount bumps total_sos_count and recomputes the trust score in
// one statement, keeping the invariant without a read-modify-write race.
func (r *PatientRepo) IncrementSOSCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE patients SET
			total_sos_count = total_sos_count + 1,
			trust_score = GREATEST(0.1, LEAST(1.0,
				1.0 - false_alarm_count::float / GREATEST(total_sos_count + 1, 1)))
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment sos count: %w", err)
	}
	return nil
}

// RecordFalseAlarm bumps false_alarm_count and recomputes the trust score.
func (r *PatientRepo) RecordFalseAlarm(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE patients SET
			false_alarm_count = false_alarm_count + 1,
			trust_score = GREATEST(0.1, LEAST(1.0,
				1.0 - (false_alarm_count + 1)::float / GREATEST(total_sos_count, 1)))
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record false alarm: %w", err)
	}
	return nil
}

// UpdateRisk writes the triage outputs.
func (r *PatientRepo) UpdateRisk(ctx context.Context, id string, score float64, level domain.RiskLevel) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE patients SET risk_score = $2, risk_level = $3 WHERE id = $1`,
		id, score, string(level))
	if err != nil {
		return fmt.Errorf("update risk: %w", err)
	}
	return nil
}

// PatientWithDistance pairs a patient with its distance from a query center.
type PatientWithDistance struct {
	Patient   *domain.Patient
	DistanceM float64
}

// ListActiveInRadius returns active, located patients within radiusM of
// center, ordered by ascending distance. The SQL bounding box prefilters;
// the haversine check refines.
func (r *PatientRepo) ListActiveInRadius(ctx context.Context, center domain.Location, radiusM float64) ([]PatientWithDistance, error) {
	box := geo.BoxAround(center, radiusM)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patientColumns+` FROM patients
		WHERE is_active AND latitude IS NOT NULL AND longitude IS NOT NULL
		  AND latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("query patients in radius: %w", err)
	}
	defer rows.Close()

	var out []PatientWithDistance
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		d := geo.DistanceM(center, *p.Location)
		if d <= radiusM {
			out = append(out, PatientWithDistance{Patient: p, DistanceM: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// SoftDelete deactivates a patient.
func (r *PatientRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE patients SET is_active = false WHERE id = $1`, id)
	return err
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
)

// FacilityRepo persists responder facilities.
type FacilityRepo struct {
	db *sql.DB
}

const facilityColumns = `id, name, phone, latitude, longitude, coverage_radius_m,
	department, status, bed_capacity, icu_beds, available_beds, supply_levels,
	specialties, created_at`

func scanFacility(row interface{ Scan(...interface{}) error }) (*domain.Facility, error) {
	var f domain.Facility
	var phone sql.NullString
	var supplies []byte

	err := row.Scan(&f.ID, &f.Name, &phone, &f.Location.Latitude,
		&f.Location.Longitude, &f.CoverageRadiusM, &f.Department, &f.Status,
		&f.BedCapacity, &f.ICUBeds, &f.AvailableBeds, &supplies,
		pq.Array(&f.Specialties), &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Phone = phone.String
	if len(supplies) > 0 {
		_ = json.Unmarshal(supplies, &f.SupplyLevels)
	}
	return &f, nil
}

// GetByID loads one facility.
func (r *FacilityRepo) GetByID(ctx context.Context, id string) (*domain.Facility, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE id = $1`, id)
	f, err := scanFacility(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("facility %s: %w", id, domain.ErrNotFound)
	}
	return f, err
}

// FacilityWithDistance pairs a facility with its distance from a query point.
type FacilityWithDistance struct {
	Facility  *domain.Facility
	DistanceM float64
}

// ListNear returns facilities within radiusM of a point, any operational
// status, ordered by ascending distance.
func (r *FacilityRepo) ListNear(ctx context.Context, center domain.Location, radiusM float64) ([]FacilityWithDistance, error) {
	return r.listNear(ctx, center, radiusM, false)
}

// ListOperationalNear is ListNear restricted to operational facilities; it
// backs the arrival check of the resolution watcher.
func (r *FacilityRepo) ListOperationalNear(ctx context.Context, center domain.Location, radiusM float64) ([]FacilityWithDistance, error) {
	return r.listNear(ctx, center, radiusM, true)
}

func (r *FacilityRepo) listNear(ctx context.Context, center domain.Location, radiusM float64, operationalOnly bool) ([]FacilityWithDistance, error) {
	box := geo.BoxAround(center, radiusM)
	query := `SELECT ` + facilityColumns + ` FROM facilities
		WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`
	if operationalOnly {
		query += ` AND status = 'operational'`
	}

	rows, err := r.db.QueryContext(ctx, query, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("query facilities near: %w", err)
	}
	defer rows.Close()

	var out []FacilityWithDistance
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		d := geo.DistanceM(center, f.Location)
		if d <= radiusM {
			out = append(out, FacilityWithDistance{Facility: f, DistanceM: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// ListByDepartment returns all facilities of one department.
func (r *FacilityRepo) ListByDepartment(ctx context.Context, d domain.Department) ([]*domain.Facility, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+facilityColumns+` FROM facilities WHERE department = $1`, string(d))
	if err != nil {
		return nil, fmt.Errorf("query facilities by department: %w", err)
	}
	defer rows.Close()

	var out []*domain.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateStatus changes a facility's operational status.
func (r *FacilityRepo) UpdateStatus(ctx context.Context, id string, status domain.FacilityStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE facilities SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update facility status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("facility %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

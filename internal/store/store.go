// Package store provides the Postgres repositories behind the pipeline.
// Spatial predicates run as a bounding-box prefilter in SQL and an exact
// haversine refinement in Go; schema migrations are managed outside this
// service.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tmt/backend/internal/crypto"
)

// Open connects to Postgres and configures the pool.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Store bundles every repository over one pool.
type Store struct {
	DB         *sql.DB
	Patients   *PatientRepo
	Facilities *FacilityRepo
	SOS        *SOSRepo
	Alerts     *AlertRepo
	GeoEvents  *GeoEventRepo
	Channels   *ChannelRepo
	Intel      *IntelRepo
	Medical    *MedicalRepo
}

// New wires all repositories. keys seals medical payloads at rest.
func New(db *sql.DB, keys *crypto.Keyring) *Store {
	return &Store{
		DB:         db,
		Patients:   &PatientRepo{db: db},
		Facilities: &FacilityRepo{db: db},
		SOS:        &SOSRepo{db: db},
		Alerts:     &AlertRepo{db: db},
		GeoEvents:  &GeoEventRepo{db: db},
		Channels:   &ChannelRepo{db: db},
		Intel:      &IntelRepo{db: db},
		Medical:    &MedicalRepo{db: db, keys: keys},
	}
}

// marshalMeta serializes a metadata map for a jsonb column; nil maps become
// SQL NULL.
func marshalMeta(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

func unmarshalMeta(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

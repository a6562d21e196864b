package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
)

// MedicalRepo reads the clinical notes triage folds into its context.
// Summaries are sealed at rest; only this repo sees plaintext.
type MedicalRepo struct {
	db   *sql.DB
	keys *crypto.Keyring
}

// ListByPatient returns a patient's records, newest first.
func (r *MedicalRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.MedicalRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, kind, summary, created_at
		FROM medical_records WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query medical records: %w", err)
	}
	defer rows.Close()

	var out []*domain.MedicalRecord
	for rows.Next() {
		var m domain.MedicalRecord
		var sealed string
		if err := rows.Scan(&m.ID, &m.PatientID, &m.Kind, &sealed, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Summary, err = openSummary(r.keys, sealed); err != nil {
			return nil, fmt.Errorf("record %s: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Create adds one record with the summary sealed.
func (r *MedicalRepo) Create(ctx context.Context, m *domain.MedicalRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	sealed, err := sealSummary(r.keys, m.Summary)
	if err != nil {
		return fmt.Errorf("seal medical record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO medical_records (id, patient_id, kind, summary, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.PatientID, m.Kind, sealed, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert medical record: %w", err)
	}
	return nil
}

// sealSummary wraps the at-rest cipher for a text column.
func sealSummary(keys *crypto.Keyring, summary string) (string, error) {
	sealed, err := keys.EncryptAtRest([]byte(summary))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openSummary(keys *crypto.Keyring, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: summary not base64", domain.ErrCrypto)
	}
	plain, err := keys.DecryptAtRest(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Package ingest normalizes the five SOS wire formats into stored requests
// and hands them to triage. Persistence failures are the only hard errors;
// everything after the insert is best effort in a fixed order.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/triage"
)

// maxSyncBatch bounds one offline sync upload.
const maxSyncBatch = 100

// Router accepts SOS submissions from every source.
type Router struct {
	store     *store.Store
	bus       *bus.Bus
	keys      *crypto.Keyring
	queue     triage.Queue
	locations LocationHandler
	logger    *slog.Logger
}

// NewRouter wires the ingestion router.
func NewRouter(st *store.Store, b *bus.Bus, keys *crypto.Keyring, queue triage.Queue, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		bus:    b,
		keys:   keys,
		queue:  queue,
		logger: logger.With("component", "ingest"),
	}
}

// APIRequest is the direct authenticated submission.
type APIRequest struct {
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	PatientStatus string   `json:"patient_status"`
	Severity      int      `json:"severity"`
	Details       string   `json:"details,omitempty"`
	EventID       string   `json:"event_id,omitempty"`
}

// CreateFromAPI stores an SOS for an authenticated patient. Missing location
// falls back to the patient's last known position.
func (r *Router) CreateFromAPI(ctx context.Context, patientID string, req APIRequest) (*domain.SOSRequest, error) {
	status, err := domain.ParsePatientStatus(req.PatientStatus)
	if err != nil {
		return nil, err
	}
	if err := validateSeverity(req.Severity); err != nil {
		return nil, err
	}

	patient, err := r.store.Patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	loc, err := resolveLocation(req.Latitude, req.Longitude, patient)
	if err != nil {
		return nil, err
	}

	sos := &domain.SOSRequest{
		PatientID:     patientID,
		Location:      loc,
		PatientStatus: status,
		Severity:      req.Severity,
		Details:       req.Details,
		Source:        domain.SourceAPI,
		EventID:       req.EventID,
	}
	if err := r.create(ctx, sos, patient); err != nil {
		return nil, err
	}
	return sos, nil
}

// SMSResult reports what an inbound SMS became.
type SMSResult struct {
	Status string `json:"status"` // created, unknown_sender, decrypt_failed
	SOSID  string `json:"sos_id,omitempty"`
}

// smsBody is the optional JSON shape inside a decrypted envelope.
type smsBody struct {
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	PatientStatus string   `json:"patient_status"`
	Severity      int      `json:"severity"`
	Details       string   `json:"details"`
}

// HandleInboundSMS maps a carrier webhook to an SOS. Unknown senders and
// undecryptable envelopes are logged and acknowledged; the carrier must
// never see a failure for a message we received.
func (r *Router) HandleInboundSMS(ctx context.Context, phone, rawBody string) (SMSResult, error) {
	patient, err := r.store.Patients.GetByPhone(ctx, phone)
	if err != nil {
		r.logger.Warn("sms from unknown sender", "phone", phone)
		return SMSResult{Status: "unknown_sender"}, nil
	}

	body, ok := r.smsPlaintext(patient.ID, rawBody)
	if !ok {
		return SMSResult{Status: "decrypt_failed"}, nil
	}

	sos := &domain.SOSRequest{
		PatientID:     patient.ID,
		Location:      patient.Location,
		PatientStatus: domain.StatusInjured,
		Severity:      3,
		Details:       body,
		Source:        domain.SourceSMS,
	}

	var parsed smsBody
	if json.Unmarshal([]byte(body), &parsed) == nil && (parsed.PatientStatus != "" || parsed.Severity != 0 || parsed.Latitude != nil) {
		if parsed.PatientStatus != "" {
			if status, err := domain.ParsePatientStatus(parsed.PatientStatus); err == nil {
				sos.PatientStatus = status
			}
		}
		if parsed.Severity >= 1 && parsed.Severity <= 5 {
			sos.Severity = parsed.Severity
		}
		if loc, err := resolveLocation(parsed.Latitude, parsed.Longitude, patient); err == nil {
			sos.Location = loc
		}
		sos.Details = parsed.Details
	}

	if err := r.create(ctx, sos, patient); err != nil {
		return SMSResult{}, err
	}
	return SMSResult{Status: "created", SOSID: sos.ID}, nil
}

// smsPlaintext returns the usable message text. Enveloped bodies are
// decrypted with the sender's derived key; anything else passes through.
func (r *Router) smsPlaintext(patientID, rawBody string) (string, bool) {
	if !strings.HasPrefix(rawBody, crypto.EnvelopePrefix) {
		return rawBody, true
	}
	plain, err := r.keys.DecryptSMS(patientID, rawBody)
	if err != nil {
		r.logger.Warn("sms decrypt failed", "patient", patientID, "error", err)
		return "", false
	}
	return string(plain), true
}

// priorSOSID unwraps the id recorded by an earlier submission with the same
// dedup key. Shared by the mesh and sync paths.
func priorSOSID(err error) (string, bool) {
	if dup, ok := domain.AsDuplicate(err); ok {
		return dup.PriorID, true
	}
	return "", false
}

// MeshRequest is the Bluetooth-relay payload.
type MeshRequest struct {
	MessageID         string   `json:"message_id"`
	PatientID         string   `json:"patient_id"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	PatientStatus     string   `json:"patient_status,omitempty"`
	Severity          int      `json:"severity,omitempty"`
	Details           string   `json:"details,omitempty"`
	OriginalTimestamp int64    `json:"original_timestamp,omitempty"`
	HopCount          int      `json:"hop_count,omitempty"`
	RelayDeviceID     string   `json:"relay_device_id,omitempty"`
}

// MeshResponse acknowledges a relay. Duplicates are successes carrying the
// prior id.
type MeshResponse struct {
	Success     bool   `json:"success"`
	SOSID       string `json:"sos_id,omitempty"`
	MessageID   string `json:"message_id"`
	IsDuplicate bool   `json:"is_duplicate"`
	Message     string `json:"message"`
}

// CreateFromMesh stores a mesh-relayed SOS. An unknown patient id is logged
// but the SOS is still created.
func (r *Router) CreateFromMesh(ctx context.Context, req MeshRequest) (MeshResponse, error) {
	if req.MessageID == "" || req.PatientID == "" {
		return MeshResponse{}, fmt.Errorf("mesh payload missing ids: %w", domain.ErrInvalidPayload)
	}

	patient, err := r.store.Patients.GetByID(ctx, req.PatientID)
	if err != nil {
		r.logger.Warn("mesh sos for unknown patient, creating anyway",
			"patient", req.PatientID, "message_id", req.MessageID)
		patient = nil
	}

	sos, err := meshSOS(req, patient)
	if err != nil {
		return MeshResponse{}, err
	}

	err = r.create(ctx, sos, patient)
	if prior, ok := priorSOSID(err); ok {
		metrics.SOSDuplicates.Inc()
		return MeshResponse{
			Success: true, SOSID: prior, MessageID: req.MessageID,
			IsDuplicate: true, Message: "duplicate mesh message",
		}, nil
	}
	if err != nil {
		return MeshResponse{}, err
	}
	return MeshResponse{
		Success: true, SOSID: sos.ID, MessageID: req.MessageID,
		Message: "sos created",
	}, nil
}

// meshSOS maps a relay payload onto an SOS row. The relay message id is the
// dedup key, in the same column the offline sync path writes its event id.
func meshSOS(req MeshRequest, patient *domain.Patient) (*domain.SOSRequest, error) {
	status := domain.StatusInjured
	if req.PatientStatus != "" {
		var err error
		if status, err = domain.ParsePatientStatus(req.PatientStatus); err != nil {
			return nil, err
		}
	}
	severity := req.Severity
	if severity == 0 {
		severity = 3
	}
	if err := validateSeverity(severity); err != nil {
		return nil, err
	}
	loc, err := resolveLocation(req.Latitude, req.Longitude, patient)
	if err != nil {
		return nil, err
	}

	sos := &domain.SOSRequest{
		PatientID:     req.PatientID,
		Location:      loc,
		PatientStatus: status,
		Severity:      severity,
		Details:       req.Details,
		Source:        domain.SourceMesh,
		MeshMessageID: req.MessageID,
		RelayDeviceID: req.RelayDeviceID,
		MeshHopCount:  req.HopCount,
	}
	if req.OriginalTimestamp > 0 {
		t := time.Unix(req.OriginalTimestamp, 0).UTC()
		sos.DeviceTime = &t
	}
	return sos, nil
}

func validateSeverity(s int) error {
	if s < 1 || s > 5 {
		return fmt.Errorf("severity %d out of range: %w", s, domain.ErrInvalidPayload)
	}
	return nil
}

func resolveLocation(lat, lon *float64, patient *domain.Patient) (*domain.Location, error) {
	if lat != nil && lon != nil {
		if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
			return nil, fmt.Errorf("coordinates out of range: %w", domain.ErrInvalidPayload)
		}
		return &domain.Location{Latitude: *lat, Longitude: *lon}, nil
	}
	if patient != nil {
		return patient.Location, nil
	}
	return nil, nil
}

// create persists the SOS and runs the post-creation steps in order. Each
// step after the insert logs its failure and lets later steps run.
func (r *Router) create(ctx context.Context, sos *domain.SOSRequest, patient *domain.Patient) error {
	r.stampOriginFacility(ctx, sos)

	if err := r.store.SOS.Create(ctx, sos); err != nil {
		return err
	}
	metrics.SOSCreated.WithLabelValues(string(sos.Source)).Inc()

	if err := r.store.Patients.IncrementSOSCount(ctx, sos.PatientID); err != nil {
		r.logger.Warn("sos counter update failed", "patient", sos.PatientID, "error", err)
	}

	r.publishNewSOS(ctx, sos, patient)

	item := triage.NewWorkItem(sos, patient)
	if err := r.queue.Enqueue(ctx, item); err != nil {
		r.logger.Error("triage enqueue failed, sos stays pending",
			"sos", sos.ID, "error", err)
	}
	return nil
}

// stampOriginFacility records the facility the SOS originated at, if any.
// Any facility within 500 m counts regardless of operational status; a
// destroyed hospital still marks the facility-under-attack case.
func (r *Router) stampOriginFacility(ctx context.Context, sos *domain.SOSRequest) {
	if sos.Location == nil {
		return
	}
	near, err := r.store.Facilities.ListNear(ctx, *sos.Location, domain.HospitalOriginRadiusM)
	if err != nil {
		r.logger.Warn("origin facility lookup failed", "error", err)
		return
	}
	if len(near) > 0 {
		sos.OriginFacilityID = near[0].Facility.ID
	}
}

// publishNewSOS emits the paired new_sos and map_event envelopes.
func (r *Router) publishNewSOS(ctx context.Context, sos *domain.SOSRequest, patient *domain.Patient) {
	payload := bus.NewSOSPayload{
		ID:            sos.ID,
		PatientID:     sos.PatientID,
		Status:        sos.Status,
		PatientStatus: sos.PatientStatus,
		Severity:      sos.Severity,
		Source:        sos.Source,
		Details:       sos.Details,
		CreatedAt:     sos.CreatedAt,
	}
	if sos.Location != nil {
		payload.Latitude = &sos.Location.Latitude
		payload.Longitude = &sos.Location.Longitude
	}
	if patient != nil {
		payload.PatientInfo = map[string]interface{}{
			"name":       patient.Name,
			"phone":      patient.Phone,
			"vulnerable": patient.Vulnerable(),
		}
	}
	r.bus.Emit(ctx, bus.RoomAlerts, bus.KindNewSOS, payload)

	if sos.Location != nil {
		meta := map[string]interface{}{"sos_id": sos.ID, "source": string(sos.Source)}
		if sos.DeviceTime != nil {
			meta["device_time"] = sos.DeviceTime.Format(time.RFC3339)
		}
		r.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventPayload{
			ID:        sos.ID,
			EventType: "sos",
			Latitude:  sos.Location.Latitude,
			Longitude: sos.Location.Longitude,
			Source:    domain.AlertFromSOS,
			Severity:  sos.Severity,
			Title:     "SOS",
			Details:   sos.Details,
			Layer:     domain.LayerSOS,
			Metadata:  meta,
			CreatedAt: sos.CreatedAt,
			ExpiresAt: sos.CreatedAt.Add(24 * time.Hour),
		})
	}
}

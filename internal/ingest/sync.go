package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/metrics"
)

// LocationHandler observes patient location updates; the resolution watcher
// hangs off this hook.
type LocationHandler interface {
	HandleLocationUpdate(ctx context.Context, patientID string, loc domain.Location)
}

// SetLocationHandler installs the post-update observer.
func (r *Router) SetLocationHandler(h LocationHandler) { r.locations = h }

// UpdatePatientLocation stores a reported position and notifies the
// resolution watcher.
func (r *Router) UpdatePatientLocation(ctx context.Context, patientID string, lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("coordinates out of range: %w", domain.ErrInvalidPayload)
	}
	loc := domain.Location{Latitude: lat, Longitude: lon}
	if err := r.store.Patients.UpdateLocation(ctx, patientID, loc); err != nil {
		return err
	}
	r.publishPatientLocation(ctx, patientID, loc)
	if r.locations != nil {
		r.locations.HandleLocationUpdate(ctx, patientID, loc)
	}
	return nil
}

// publishPatientLocation feeds the patient's own room so family-share
// subscribers track movement live.
func (r *Router) publishPatientLocation(ctx context.Context, patientID string, loc domain.Location) {
	r.bus.Emit(ctx, bus.RoomPatient(patientID), bus.KindPatientLocation, bus.PatientLocationPayload{
		PatientID: patientID,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		UpdatedAt: time.Now().UTC(),
	})
}

// SyncEvent is one entry of an offline batch.
type SyncEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	DeviceTime time.Time       `json:"device_time"`
}

// SyncRequest is the offline upload.
type SyncRequest struct {
	Events []SyncEvent `json:"events"`
}

// SyncItemResult reports one event's outcome.
type SyncItemResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"` // created, duplicate, updated, error
	Detail  string `json:"detail,omitempty"`
	SOSID   string `json:"sos_id,omitempty"`
}

// SyncResponse aggregates a batch.
type SyncResponse struct {
	Results    []SyncItemResult `json:"results"`
	Created    int              `json:"created"`
	Duplicates int              `json:"duplicates"`
	Updated    int              `json:"updated"`
	Errors     int              `json:"errors"`
}

type syncSOSCreate struct {
	PatientID     string   `json:"patient_id"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	PatientStatus string   `json:"patient_status"`
	Severity      int      `json:"severity"`
	Details       string   `json:"details"`
}

type syncSOSUpdate struct {
	SOSID  string `json:"sos_id"`
	Status string `json:"status"`
}

type syncPatientUpdate struct {
	PatientID string   `json:"patient_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// syncSOS maps a replayed event onto an SOS row. The client event id doubles
// as the dedup key, in the same column the mesh relay path uses, so an SOS
// that travelled both routes collapses to one row.
func syncSOS(ev SyncEvent, data syncSOSCreate, patient *domain.Patient) (*domain.SOSRequest, error) {
	status := domain.StatusInjured
	if data.PatientStatus != "" {
		var err error
		if status, err = domain.ParsePatientStatus(data.PatientStatus); err != nil {
			return nil, err
		}
	}
	severity := data.Severity
	if severity == 0 {
		severity = 3
	}
	if err := validateSeverity(severity); err != nil {
		return nil, err
	}
	loc, err := resolveLocation(data.Latitude, data.Longitude, patient)
	if err != nil {
		return nil, err
	}

	deviceTime := ev.DeviceTime.UTC()
	return &domain.SOSRequest{
		PatientID:     data.PatientID,
		Location:      loc,
		PatientStatus: status,
		Severity:      severity,
		Details:       data.Details,
		Source:        domain.SourceSync,
		EventID:       ev.EventID,
		MeshMessageID: ev.EventID,
		DeviceTime:    &deviceTime,
	}, nil
}

// ProcessSync replays an offline batch. Items fail individually; only an
// oversized batch is rejected outright.
func (r *Router) ProcessSync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if len(req.Events) > maxSyncBatch {
		return nil, fmt.Errorf("batch of %d exceeds %d: %w",
			len(req.Events), maxSyncBatch, domain.ErrInvalidPayload)
	}

	resp := &SyncResponse{Results: make([]SyncItemResult, 0, len(req.Events))}
	for _, ev := range req.Events {
		item := r.processSyncEvent(ctx, ev)
		switch item.Status {
		case "created":
			resp.Created++
		case "duplicate":
			resp.Duplicates++
		case "updated":
			resp.Updated++
		default:
			resp.Errors++
		}
		resp.Results = append(resp.Results, item)
	}
	return resp, nil
}

func (r *Router) processSyncEvent(ctx context.Context, ev SyncEvent) SyncItemResult {
	res := SyncItemResult{EventID: ev.EventID}

	switch ev.Type {
	case "sos_create":
		var data syncSOSCreate
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			res.Status, res.Detail = "error", "malformed sos_create data"
			return res
		}
		sosID, duplicate, err := r.syncCreateSOS(ctx, ev, data)
		if err != nil {
			res.Status, res.Detail = "error", err.Error()
			return res
		}
		res.SOSID = sosID
		if duplicate {
			res.Status = "duplicate"
		} else {
			res.Status = "created"
		}

	case "sos_update":
		var data syncSOSUpdate
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.SOSID == "" {
			res.Status, res.Detail = "error", "malformed sos_update data"
			return res
		}
		switch domain.SOSStatus(data.Status) {
		case domain.SOSResolved, domain.SOSCancelled:
			if err := r.store.SOS.Resolve(ctx, data.SOSID, ev.DeviceTime.UTC(), false); err != nil {
				res.Status, res.Detail = "error", err.Error()
				return res
			}
			res.Status, res.SOSID = "updated", data.SOSID
		default:
			res.Status, res.Detail = "error", fmt.Sprintf("unsupported status %q", data.Status)
		}

	case "patient_update":
		var data syncPatientUpdate
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PatientID == "" ||
			data.Latitude == nil || data.Longitude == nil {
			res.Status, res.Detail = "error", "malformed patient_update data"
			return res
		}
		if err := r.UpdatePatientLocation(ctx, data.PatientID, *data.Latitude, *data.Longitude); err != nil {
			res.Status, res.Detail = "error", err.Error()
			return res
		}
		res.Status = "updated"

	default:
		res.Status, res.Detail = "error", fmt.Sprintf("unknown event type %q", ev.Type)
	}
	return res
}

// syncCreateSOS stores one offline SOS. The event id doubles as the dedup
// key in the mesh namespace.
func (r *Router) syncCreateSOS(ctx context.Context, ev SyncEvent, data syncSOSCreate) (string, bool, error) {
	patient, err := r.store.Patients.GetByID(ctx, data.PatientID)
	if err != nil {
		r.logger.Warn("sync sos for unknown patient, creating anyway",
			"patient", data.PatientID, "event", ev.EventID)
		patient = nil
	}

	sos, err := syncSOS(ev, data, patient)
	if err != nil {
		return "", false, err
	}

	err = r.create(ctx, sos, patient)
	if prior, ok := priorSOSID(err); ok {
		metrics.SOSDuplicates.Inc()
		return prior, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return sos.ID, false, nil
}

// SimEvent is one admin-injected signal.
type SimEvent struct {
	PatientID     string  `json:"patient_id,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	PatientStatus string  `json:"patient_status,omitempty"`
	Severity      int     `json:"severity,omitempty"`
	Details       string  `json:"details,omitempty"`
}

// Simulate fans out drill events without persistence or triage.
func (r *Router) Simulate(ctx context.Context, events []SimEvent) int {
	emitted := 0
	for _, ev := range events {
		status := domain.StatusInjured
		if ev.PatientStatus != "" {
			parsed, err := domain.ParsePatientStatus(ev.PatientStatus)
			if err != nil {
				continue
			}
			status = parsed
		}
		severity := ev.Severity
		if severity < 1 || severity > 5 {
			severity = 3
		}

		sos := &domain.SOSRequest{
			ID:            uuid.New().String(),
			PatientID:     ev.PatientID,
			Location:      &domain.Location{Latitude: ev.Latitude, Longitude: ev.Longitude},
			PatientStatus: status,
			Severity:      severity,
			Details:       ev.Details,
			Source:        domain.SourceSimulation,
			Status:        domain.SOSPending,
			CreatedAt:     time.Now().UTC(),
		}
		r.publishNewSOS(ctx, sos, nil)
		emitted++
	}
	return emitted
}

// Package resolution closes active SOS when the patient reaches an
// operational responder facility.
package resolution

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
)

// minTrustToResolve guards against spoofed arrivals from low-trust patients.
const minTrustToResolve = 0.3

// Watcher reacts to patient location updates.
type Watcher struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewWatcher wires the resolution watcher.
func NewWatcher(st *store.Store, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: st, bus: b, logger: logger.With("component", "resolution")}
}

// HandleLocationUpdate resolves the patient's active SOS when the new
// position is within 500 m (inclusive) of an operational facility. An SOS
// that originated at that same facility stays open: the patient never left
// the facility under attack.
func (w *Watcher) HandleLocationUpdate(ctx context.Context, patientID string, loc domain.Location) {
	active, err := w.store.SOS.ListActiveByPatient(ctx, patientID)
	if err != nil {
		w.logger.Warn("active sos lookup failed", "patient", patientID, "error", err)
		return
	}
	if len(active) == 0 {
		return
	}

	near, err := w.store.Facilities.ListOperationalNear(ctx, loc, domain.HospitalOriginRadiusM)
	if err != nil {
		w.logger.Warn("facility lookup failed", "patient", patientID, "error", err)
		return
	}
	if len(near) == 0 {
		return
	}
	candidate := near[0].Facility

	patient, err := w.store.Patients.GetByID(ctx, patientID)
	if err != nil {
		w.logger.Warn("patient lookup failed", "patient", patientID, "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sos := range active {
		if ok, reason := resolvable(sos, candidate, patient); !ok {
			w.logger.Info("keeping sos open", "sos", sos.ID,
				"facility", candidate.ID, "reason", reason)
			continue
		}
		if err := w.store.SOS.Resolve(ctx, sos.ID, now, true); err != nil {
			w.logger.Warn("auto-resolve failed", "sos", sos.ID, "error", err)
			continue
		}
		metrics.SOSAutoResolved.Inc()
		w.emitResolved(ctx, sos, patient, candidate, loc, now)
	}
}

// resolvable reports whether arrival at facility may close this SOS. Low
// trust keeps the SOS open, and so does an SOS that originated at the
// arrival facility itself.
func resolvable(sos *domain.SOSRequest, facility *domain.Facility, patient *domain.Patient) (bool, string) {
	if patient.TrustScore < minTrustToResolve {
		return false, "patient trust below auto-resolve threshold"
	}
	if sos.OriginFacilityID != "" && sos.OriginFacilityID == facility.ID {
		return false, "sos originated at arrival facility"
	}
	return true, ""
}

func (w *Watcher) emitResolved(ctx context.Context, sos *domain.SOSRequest, patient *domain.Patient, facility *domain.Facility, loc domain.Location, at time.Time) {
	payload := bus.SOSResolvedPayload{
		SOSID:            sos.ID,
		PatientID:        patient.ID,
		Latitude:         loc.Latitude,
		Longitude:        loc.Longitude,
		HospitalID:       facility.ID,
		HospitalName:     facility.Name,
		OriginHospitalID: sos.OriginFacilityID,
		ResolvedAt:       at,
		AutoResolved:     true,
	}
	w.bus.Emit(ctx, bus.RoomAlerts, bus.KindSOSResolved, payload)
	w.bus.Emit(ctx, bus.RoomPatient(patient.ID), bus.KindSOSResolved, payload)

	w.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventPayload{
		ID:        sos.ID,
		EventType: "sos_resolved",
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Source:    domain.AlertFromSystem,
		Severity:  1,
		Title:     "SOS resolved",
		Details:   "patient arrived at " + facility.Name,
		Layer:     domain.LayerSOS,
		Metadata:  map[string]interface{}{"sos_id": sos.ID, "facility_id": facility.ID},
		CreatedAt: at,
		ExpiresAt: at.Add(24 * time.Hour),
	})
}

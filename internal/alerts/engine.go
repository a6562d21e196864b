// Package alerts persists alerts, computes the affected-patient sets, and
// fans the result out to the interested rooms and the live map.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
)

// Engine is the single writer of alerts.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewEngine wires the alert engine.
func NewEngine(st *store.Store, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, bus: b, logger: logger.With("component", "alerts")}
}

// CreateParams describes one alert to persist. Severity empty means
// classify from the event type; RadiusM zero means the default radius.
type CreateParams struct {
	EventType        domain.EventType
	Severity         domain.AlertSeverity
	Center           domain.Location
	RadiusM          float64
	Source           domain.AlertSource
	Confidence       float64
	Title            string
	Details          string
	Metadata         map[string]interface{}
	Department       domain.Department
	TargetFacilityID string
}

// baselineSeverity is the classification used when the caller supplies none.
var baselineSeverity = map[domain.EventType]domain.AlertSeverity{
	domain.EventBombing:          domain.SeverityCritical,
	domain.EventShooting:         domain.SeverityCritical,
	domain.EventChemical:         domain.SeverityCritical,
	domain.EventBuildingCollapse: domain.SeverityHigh,
	domain.EventEarthquake:       domain.SeverityHigh,
	domain.EventFire:             domain.SeverityHigh,
	domain.EventFlood:            domain.SeverityMedium,
	domain.EventInfrastructure:   domain.SeverityMedium,
	domain.EventMedical:          domain.SeverityMedium,
	domain.EventOther:            domain.SeverityLow,
}

// ClassifySeverity returns the baseline for an event type, promoted one
// level when confidence is at least 0.8. Critical stays critical.
func ClassifySeverity(eventType domain.EventType, confidence float64) domain.AlertSeverity {
	sev, ok := baselineSeverity[eventType]
	if !ok {
		sev = domain.SeverityLow
	}
	if confidence >= 0.8 {
		switch sev {
		case domain.SeverityLow:
			sev = domain.SeverityMedium
		case domain.SeverityMedium:
			sev = domain.SeverityHigh
		case domain.SeverityHigh:
			sev = domain.SeverityCritical
		}
	}
	return sev
}

// Create persists the alert and its crisis-layer geo event in one
// transaction, then publishes to every interested room. Patient matching
// failures degrade to an alert with zero affected patients.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*domain.Alert, error) {
	severity := p.Severity
	if severity == "" {
		severity = ClassifySeverity(p.EventType, p.Confidence)
	}
	radius := p.RadiusM
	if radius <= 0 {
		radius = domain.DefaultAlertRadiusM
	}

	affected, vulnerable, err := e.MatchPatients(ctx, p.Center, radius)
	if err != nil {
		e.logger.Warn("patient match failed, alert proceeds unmatched", "error", err)
	}

	meta := p.Metadata
	if meta == nil {
		meta = make(map[string]interface{})
	}
	if len(vulnerable) > 0 {
		ids := make([]string, 0, len(vulnerable))
		for _, v := range vulnerable {
			ids = append(ids, v.Patient.ID)
		}
		meta["vulnerable_patient_ids"] = ids
	}

	alert, ev := alertPair(p, severity, radius, meta, len(affected))

	if err := e.store.Alerts.CreateWithGeoEvent(ctx, alert, ev); err != nil {
		return nil, err
	}
	metrics.AlertsCreated.WithLabelValues(string(severity)).Inc()

	e.publish(ctx, alert, ev, affected)
	return alert, nil
}

// alertPair builds the alert row and its crisis-layer geo event. The alert
// id is assigned here so the geo event carries the back-reference at insert
// time.
func alertPair(p CreateParams, severity domain.AlertSeverity, radius float64, meta map[string]interface{}, affectedCount int) (*domain.Alert, *domain.GeoEvent) {
	alert := &domain.Alert{
		ID:                    uuid.New().String(),
		EventType:             p.EventType,
		Severity:              severity,
		Center:                p.Center,
		RadiusM:               radius,
		Source:                p.Source,
		Confidence:            p.Confidence,
		Title:                 p.Title,
		Details:               p.Details,
		Metadata:              meta,
		RoutedDepartment:      p.Department,
		TargetFacilityID:      p.TargetFacilityID,
		AffectedPatientsCount: affectedCount,
	}

	ev := &domain.GeoEvent{
		EventType: string(p.EventType),
		Source:    p.Source,
		Severity:  severity.Scale(),
		Layer:     domain.LayerCrisis,
		Location:  p.Center,
		Title:     p.Title,
		Details:   p.Details,
		Metadata: map[string]interface{}{
			"alert_severity": string(severity),
			"alert_id":       alert.ID,
		},
	}
	return alert, ev
}

// MatchPatients returns active located patients inside the radius and the
// vulnerable subset, both ordered by ascending distance.
func (e *Engine) MatchPatients(ctx context.Context, center domain.Location, radiusM float64) (affected, vulnerable []store.PatientWithDistance, err error) {
	affected, err = e.store.Patients.ListActiveInRadius(ctx, center, radiusM)
	if err != nil {
		return nil, nil, err
	}
	for _, pd := range affected {
		if pd.Patient.Vulnerable() {
			vulnerable = append(vulnerable, pd)
		}
	}
	return affected, vulnerable, nil
}

// publish emits the alert to the global room, the owning facility and
// department rooms, every affected patient's room, and the live map.
func (e *Engine) publish(ctx context.Context, alert *domain.Alert, ev *domain.GeoEvent, affected []store.PatientWithDistance) {
	e.bus.Emit(ctx, bus.RoomAlerts, bus.KindNewAlert, alert)

	if alert.TargetFacilityID != "" {
		e.bus.Emit(ctx, bus.RoomHospital(alert.TargetFacilityID), bus.KindNewAlert, alert)
	}
	if alert.RoutedDepartment != "" {
		e.bus.Emit(ctx, bus.RoomDept(alert.RoutedDepartment), bus.KindNewAlert, alert)
	}
	for _, pd := range affected {
		e.bus.Emit(ctx, bus.RoomPatient(pd.Patient.ID), bus.KindNewAlert, alert)
	}

	e.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventFromGeo(ev))
}

// Acknowledge records which facility took the alert. Only the owning
// facility may acknowledge: the targeted facility when one is set,
// otherwise any facility of the routed department (or any department when
// the alert is a broadcast). Repeat acks overwrite.
func (e *Engine) Acknowledge(ctx context.Context, alertID, facilityID string) error {
	alert, err := e.store.Alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}

	if alert.TargetFacilityID != "" {
		if alert.TargetFacilityID != facilityID {
			return fmt.Errorf("alert targets another facility: %w", domain.ErrForbidden)
		}
	} else if alert.RoutedDepartment != "" {
		facility, err := e.store.Facilities.GetByID(ctx, facilityID)
		if err != nil {
			return err
		}
		if facility.Department != alert.RoutedDepartment {
			return fmt.Errorf("alert routed to %s: %w", alert.RoutedDepartment, domain.ErrForbidden)
		}
	}

	return e.store.Alerts.Acknowledge(ctx, alertID, facilityID)
}

// ReportFalseAlarm flags the alert and, for SOS-sourced alerts, charges the
// false alarm to the reporting patient's trust state.
func (e *Engine) ReportFalseAlarm(ctx context.Context, alertID string) error {
	alert, err := e.store.Alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}

	if err := e.store.Alerts.SetMetadataKey(ctx, alertID, "reported_false", true); err != nil {
		return err
	}

	if alert.Source == domain.AlertFromSOS {
		sosID, _ := alert.Metadata["sos_id"].(string)
		if sosID != "" {
			sos, err := e.store.SOS.GetByID(ctx, sosID)
			if err == nil {
				if err := e.store.Patients.RecordFalseAlarm(ctx, sos.PatientID); err != nil {
					e.logger.Warn("false alarm trust update failed",
						"patient", sos.PatientID, "error", err)
				}
			}
		}
	}
	return nil
}

// PublishHospitalStatus emits a facility status change with its paired map
// event.
func (e *Engine) PublishHospitalStatus(ctx context.Context, f *domain.Facility) {
	payload := map[string]interface{}{
		"facility_id": f.ID,
		"name":        f.Name,
		"department":  string(f.Department),
		"status":      string(f.Status),
		"updated_at":  time.Now().UTC(),
	}
	e.bus.Emit(ctx, bus.RoomAlerts, bus.KindHospitalStatus, payload)
	e.bus.Emit(ctx, bus.RoomHospital(f.ID), bus.KindHospitalStatus, payload)

	e.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventPayload{
		ID:        f.ID,
		EventType: "hospital_status",
		Latitude:  f.Location.Latitude,
		Longitude: f.Location.Longitude,
		Source:    domain.AlertFromSystem,
		Severity:  1,
		Title:     f.Name,
		Details:   string(f.Status),
		Layer:     domain.LayerHospital,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	})
}

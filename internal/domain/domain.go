// Package domain holds the core entities of the crisis-response backend:
// patients, responder facilities, SOS requests, alerts, geo events, and
// intel channels. All wire enums are closed string types validated at the
// parsing boundary.
package domain

import (
	"fmt"
	"time"
)

// HospitalOriginRadiusM is the inclusive distance at which an SOS (or a
// patient-location update) is considered to be "at" a facility.
const HospitalOriginRadiusM = 500.0

// DefaultAlertRadiusM is the radius used when a caller does not override it.
const DefaultAlertRadiusM = 1000.0

// ============================================================================
// ENUMS
// ============================================================================

// Department is the routing target of an alert.
type Department string

const (
	DeptHospital     Department = "hospital"
	DeptPolice       Department = "police"
	DeptCivilDefense Department = "civil_defense"
)

// Valid reports whether d is one of the three known departments.
func (d Department) Valid() bool {
	switch d {
	case DeptHospital, DeptPolice, DeptCivilDefense:
		return true
	}
	return false
}

// PatientStatus is the self-reported condition carried by an SOS.
type PatientStatus string

const (
	StatusSafe     PatientStatus = "safe"
	StatusInjured  PatientStatus = "injured"
	StatusTrapped  PatientStatus = "trapped"
	StatusEvacuate PatientStatus = "evacuate"
)

func (s PatientStatus) Valid() bool {
	switch s {
	case StatusSafe, StatusInjured, StatusTrapped, StatusEvacuate:
		return true
	}
	return false
}

// ParsePatientStatus accepts the full enum string or the single-letter
// short codes used by battery-constrained mesh devices in batch sync.
func ParsePatientStatus(raw string) (PatientStatus, error) {
	switch raw {
	case "S":
		return StatusSafe, nil
	case "I":
		return StatusInjured, nil
	case "T":
		return StatusTrapped, nil
	case "E":
		return StatusEvacuate, nil
	}
	s := PatientStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown patient_status %q", raw)
	}
	return s, nil
}

// SOSSource identifies the channel an SOS arrived through.
type SOSSource string

const (
	SourceAPI  SOSSource = "api"
	SourceSMS  SOSSource = "sms"
	SourceMesh SOSSource = "mesh"
	SourceSync SOSSource = "sync"
	// SourceSimulation marks drill traffic; fan-out only, never persisted.
	SourceSimulation SOSSource = "simulation"
)

// SOSStatus is the lifecycle state of an SOS request.
type SOSStatus string

const (
	SOSPending      SOSStatus = "pending"
	SOSAcknowledged SOSStatus = "acknowledged"
	SOSDispatched   SOSStatus = "dispatched"
	SOSResolved     SOSStatus = "resolved"
	SOSCancelled    SOSStatus = "cancelled"
)

// Active reports whether an SOS in this state can still be auto-resolved.
func (s SOSStatus) Active() bool {
	switch s {
	case SOSPending, SOSAcknowledged, SOSDispatched:
		return true
	}
	return false
}

// AlertSeverity is the four-level alert scale.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Valid reports whether s is one of the four levels.
func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for comparisons (low=0 … critical=3).
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b AlertSeverity) AlertSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Scale maps the four-level alert scale onto the 1-5 integer geo scale.
func (s AlertSeverity) Scale() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 5
	}
	return 1
}

// EventType classifies the kind of incident behind an alert.
type EventType string

const (
	EventFlood            EventType = "flood"
	EventBombing          EventType = "bombing"
	EventEarthquake       EventType = "earthquake"
	EventFire             EventType = "fire"
	EventBuildingCollapse EventType = "building_collapse"
	EventShooting         EventType = "shooting"
	EventChemical         EventType = "chemical"
	EventMedical          EventType = "medical_emergency"
	EventInfrastructure   EventType = "infrastructure"
	EventOther            EventType = "other"
)

// AlertSource is the provenance of an alert or geo event.
type AlertSource string

const (
	AlertFromSOS      AlertSource = "sos"
	AlertFromTelegram AlertSource = "telegram"
	AlertFromSystem   AlertSource = "system"
)

// GeoLayer groups geo events for the live map.
type GeoLayer string

const (
	LayerSOS            GeoLayer = "sos"
	LayerCrisis         GeoLayer = "crisis"
	LayerHospital       GeoLayer = "hospital"
	LayerSMSActivity    GeoLayer = "sms_activity"
	LayerPatientDensity GeoLayer = "patient_density"
	LayerTelegramIntel  GeoLayer = "telegram_intel"
)

// Mobility describes a patient's movement capability.
type Mobility string

const (
	MobilityCanWalk    Mobility = "can_walk"
	MobilityWheelchair Mobility = "wheelchair"
	MobilityBedridden  Mobility = "bedridden"
	MobilityOther      Mobility = "other"
)

// LivingSituation describes who a patient lives with.
type LivingSituation string

const (
	LivingAlone        LivingSituation = "alone"
	LivingWithFamily   LivingSituation = "with_family"
	LivingCareFacility LivingSituation = "care_facility"
)

// FacilityStatus is the operational state of a responder facility.
type FacilityStatus string

const (
	FacilityOperational FacilityStatus = "operational"
	FacilityLimited     FacilityStatus = "limited"
	FacilityFull        FacilityStatus = "full"
	FacilityDestroyed   FacilityStatus = "destroyed"
)

// MonitoringStatus is the state of an intel channel.
type MonitoringStatus string

const (
	MonitoringActive      MonitoringStatus = "active"
	MonitoringPaused      MonitoringStatus = "paused"
	MonitoringBlacklisted MonitoringStatus = "blacklisted"
)

// RiskLevel is the per-patient triage classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ============================================================================
// ENTITIES
// ============================================================================

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ValidLocation reports whether lat/lon are inside WGS84 bounds.
func ValidLocation(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Patient is a registered (or SMS/mesh-inferred) person under care.
type Patient struct {
	ID              string          `json:"id"`
	Phone           string          `json:"phone"`
	Name            string          `json:"name,omitempty"`
	Location        *Location       `json:"location,omitempty"`
	Address         string          `json:"address,omitempty"`
	Mobility        Mobility        `json:"mobility,omitempty"`
	LivingSituation LivingSituation `json:"living_situation,omitempty"`
	DateOfBirth     *time.Time      `json:"date_of_birth,omitempty"`
	Conditions      []string        `json:"chronic_conditions,omitempty"`
	Allergies       []string        `json:"allergies,omitempty"`
	Medications     []string        `json:"medications,omitempty"`
	Equipment       []string        `json:"special_equipment,omitempty"`

	TotalSOSCount   int     `json:"total_sos_count"`
	FalseAlarmCount int     `json:"false_alarm_count"`
	TrustScore      float64 `json:"trust_score"`

	RiskScore float64   `json:"risk_score"`
	RiskLevel RiskLevel `json:"risk_level,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Vulnerable reports whether the patient belongs to the priority-evacuation
// set: restricted mobility or living alone.
func (p *Patient) Vulnerable() bool {
	switch p.Mobility {
	case MobilityWheelchair, MobilityBedridden, MobilityOther:
		return true
	}
	return p.LivingSituation == LivingAlone
}

// ComputeTrustScore applies the patient trust invariant:
// clamp(0.1, 1.0, 1 - false_alarms/max(total,1)).
func ComputeTrustScore(totalSOS, falseAlarms int) float64 {
	total := totalSOS
	if total < 1 {
		total = 1
	}
	score := 1.0 - float64(falseAlarms)/float64(total)
	if score < 0.1 {
		return 0.1
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// Facility is a hospital, police station, or civil-defense center.
type Facility struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Phone           string         `json:"phone,omitempty"`
	Location        Location       `json:"location"`
	CoverageRadiusM float64        `json:"coverage_radius_m"`
	Department      Department     `json:"department"`
	Status          FacilityStatus `json:"status"`

	// Hospital-specific capacity; zero values for other departments.
	BedCapacity   int            `json:"bed_capacity,omitempty"`
	ICUBeds       int            `json:"icu_beds,omitempty"`
	AvailableBeds int            `json:"available_beds,omitempty"`
	SupplyLevels  map[string]string `json:"supply_levels,omitempty"`

	Specialties []string  `json:"specialties,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SOSRequest is a patient-originated distress signal.
type SOSRequest struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Location  *Location `json:"location,omitempty"`

	PatientStatus PatientStatus `json:"patient_status"`
	Severity      int           `json:"severity"` // 1-5
	Details       string        `json:"details,omitempty"`
	Source        SOSSource     `json:"source"`

	// Source-specific idempotency metadata. Mesh and sync sos_create events
	// share the MeshMessageID namespace.
	EventID       string `json:"event_id,omitempty"`
	MeshMessageID string `json:"mesh_message_id,omitempty"`
	RelayDeviceID string `json:"relay_device_id,omitempty"`
	MeshHopCount  int    `json:"mesh_hop_count,omitempty"`

	RoutedDepartment   Department `json:"routed_department,omitempty"`
	FacilityNotifiedID string     `json:"facility_notified_id,omitempty"`
	OriginFacilityID   string     `json:"origin_facility_id,omitempty"`

	Status       SOSStatus  `json:"status"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	AutoResolved bool       `json:"auto_resolved"`

	CreatedAt  time.Time  `json:"created_at"`
	DeviceTime *time.Time `json:"device_time,omitempty"`
}

// Alert is a department-routed, radius-scoped incident notification.
type Alert struct {
	ID        string        `json:"id"`
	EventType EventType     `json:"event_type"`
	Severity  AlertSeverity `json:"severity"`

	Center  Location `json:"center"`
	RadiusM float64  `json:"radius_m"`

	Source     AlertSource            `json:"source"`
	Confidence float64                `json:"confidence"`
	Title      string                 `json:"title,omitempty"`
	Details    string                 `json:"details,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// RoutedDepartment empty means the alert is visible to all departments.
	RoutedDepartment Department `json:"routed_department,omitempty"`
	TargetFacilityID string     `json:"target_facility_id,omitempty"`

	AcknowledgedBy        string    `json:"acknowledged_by,omitempty"`
	AffectedPatientsCount int       `json:"affected_patients_count"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// GeoEvent is one immutable entry in the unified live-map feed.
type GeoEvent struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	Source    AlertSource            `json:"source"`
	Severity  int                    `json:"severity"` // 1-5
	Layer     GeoLayer               `json:"layer"`
	Location  Location               `json:"location"`
	Title     string                 `json:"title,omitempty"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// IntelChannel is the per-external-source trust state.
type IntelChannel struct {
	ChannelID   string           `json:"channel_id"`
	DisplayName string           `json:"display_name,omitempty"`
	TrustScore  float64          `json:"trust_score"`
	Status      MonitoringStatus `json:"monitoring_status"`

	TotalReports      int `json:"total_reports"`
	VerifiedReports   int `json:"verified_reports"`
	FalseReports      int `json:"false_reports"`
	UnverifiedReports int `json:"unverified_reports"`

	// Rolling buffer of the last 50 verification notes, newest first.
	Notes []string `json:"verification_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IntelMessage is a persisted raw channel message.
type IntelMessage struct {
	ID          string    `json:"id"`
	MessageID   int64     `json:"message_id"`
	ChatID      int64     `json:"chat_id"`
	Channel     string    `json:"channel"`
	ChannelName string    `json:"channel_name,omitempty"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// MedicalRecord is a per-patient clinical note consumed by triage.
type MedicalRecord struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

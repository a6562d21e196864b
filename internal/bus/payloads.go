package bus

import (
	"time"

	"github.com/tmt/backend/internal/domain"
)

// NewSOSPayload is the wire body of a new_sos envelope.
type NewSOSPayload struct {
	ID            string                 `json:"id"`
	PatientID     string                 `json:"patient_id"`
	Latitude      *float64               `json:"latitude,omitempty"`
	Longitude     *float64               `json:"longitude,omitempty"`
	Status        domain.SOSStatus       `json:"status"`
	PatientStatus domain.PatientStatus   `json:"patient_status"`
	Severity      int                    `json:"severity"`
	Source        domain.SOSSource       `json:"source"`
	Details       string                 `json:"details,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	PatientInfo   map[string]interface{} `json:"patient_info,omitempty"`
}

// MapEventPayload is the livemap projection of any geo event.
type MapEventPayload struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	Latitude  float64                `json:"latitude"`
	Longitude float64                `json:"longitude"`
	Source    domain.AlertSource     `json:"source"`
	Severity  int                    `json:"severity"`
	Title     string                 `json:"title,omitempty"`
	Details   string                 `json:"details,omitempty"`
	Layer     domain.GeoLayer        `json:"layer"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// MapEventFromGeo projects a stored geo event onto the livemap wire shape.
func MapEventFromGeo(ev *domain.GeoEvent) MapEventPayload {
	return MapEventPayload{
		ID:        ev.ID,
		EventType: ev.EventType,
		Latitude:  ev.Location.Latitude,
		Longitude: ev.Location.Longitude,
		Source:    ev.Source,
		Severity:  ev.Severity,
		Title:     ev.Title,
		Details:   ev.Details,
		Layer:     ev.Layer,
		Metadata:  ev.Metadata,
		CreatedAt: ev.CreatedAt,
		ExpiresAt: ev.ExpiresAt,
	}
}

// SOSResolvedPayload is the wire body of a sos_resolved envelope.
type SOSResolvedPayload struct {
	SOSID            string    `json:"sos_id"`
	PatientID        string    `json:"patient_id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	HospitalID       string    `json:"hospital_id"`
	HospitalName     string    `json:"hospital_name"`
	OriginHospitalID string    `json:"origin_hospital_id,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
	AutoResolved     bool      `json:"auto_resolved"`
}

// PatientLocationPayload is the wire body of a patient_location envelope.
type PatientLocationPayload struct {
	PatientID string    `json:"patient_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TelegramMessagePayload mirrors a persisted raw intel message.
type TelegramMessagePayload struct {
	MessageID   int64     `json:"message_id"`
	ChatID      int64     `json:"chat_id"`
	Channel     string    `json:"channel"`
	ChannelName string    `json:"channel_name,omitempty"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// TelegramProcessingPayload signals pipeline progress for a message.
type TelegramProcessingPayload struct {
	Channel   string `json:"channel"`
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// TelegramAnalysisPayload carries the classifier/extractor decision.
type TelegramAnalysisPayload struct {
	Channel    string  `json:"channel"`
	MessageID  int64   `json:"message_id"`
	IsCrisis   bool    `json:"is_crisis"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
	EventType  string  `json:"event_type,omitempty"`
	Severity   int     `json:"severity,omitempty"`
	GeoEventID string  `json:"geo_event_id,omitempty"`
	AlertID    string  `json:"alert_id,omitempty"`
}

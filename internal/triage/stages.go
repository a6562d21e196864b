package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/store"
)

const (
	contextAlertRadiusM    = 5000
	contextFacilityRadiusM = 10000
	contextHistoryWindow   = 72 * time.Hour
	contextHistoryLimit    = 10
	contextRecordLimit     = 20
)

// Context is the consolidated read-only view both stages reason over.
type Context struct {
	SOS        *domain.SOSRequest
	Patient    *domain.Patient
	Records    []*domain.MedicalRecord
	History    []*domain.SOSRequest
	Alerts     []store.AlertWithDistance
	Facilities []store.FacilityWithDistance
}

// GatherContext loads everything the risk scorer needs. Individual lookup
// failures leave that slice empty; the stage works with what it has.
func GatherContext(ctx context.Context, st *store.Store, item *WorkItem) *Context {
	tc := &Context{SOS: item.SOS}

	if p, err := st.Patients.GetByID(ctx, item.SOS.PatientID); err == nil {
		tc.Patient = p
	}
	if tc.Patient != nil {
		tc.Records, _ = st.Medical.ListByPatient(ctx, tc.Patient.ID, contextRecordLimit)
		tc.History, _ = st.SOS.ListRecentByPatient(ctx, tc.Patient.ID,
			time.Now().Add(-contextHistoryWindow), contextHistoryLimit)
	}
	if item.SOS.Location != nil {
		tc.Alerts, _ = st.Alerts.ListActiveNear(ctx, *item.SOS.Location,
			contextAlertRadiusM, time.Now().Add(-24*time.Hour))
		tc.Facilities, _ = st.Facilities.ListNear(ctx, *item.SOS.Location,
			contextFacilityRadiusM)
	}
	return tc
}

// riskOutput is stage A's required document.
type riskOutput struct {
	RiskScore           float64  `json:"risk_score"`
	RiskLevel           string   `json:"risk_level"`
	RiskFactors         []string `json:"risk_factors"`
	RecommendedFacility *struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"recommended_facility"`
	ResponseUrgency string `json:"response_urgency"`
}

// routeOutput is stage B's required document.
type routeOutput struct {
	EventType        string  `json:"event_type"`
	Severity         string  `json:"severity"`
	RoutedDepartment string  `json:"routed_department"`
	TargetFacilityID string  `json:"target_facility_id"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

const riskSystemPrompt = `You are a crisis-response risk assessor. Given a
distress signal and the patient's context, return ONLY a JSON object:
{"risk_score": <0-100>, "risk_level": "low|moderate|high|critical",
"risk_factors": ["..."], "recommended_facility": {"id": "...", "reason": "..."} | null,
"response_urgency": "immediate|within_1h|within_4h|when_available"}`

const routeSystemPrompt = `You are a crisis-response dispatcher. Given a risk
assessment and the distress signal, return ONLY a JSON object:
{"event_type": "flood|bombing|earthquake|fire|building_collapse|shooting|chemical|medical_emergency|infrastructure|other",
"severity": "low|medium|high|critical",
"routed_department": "hospital|police|civil_defense",
"target_facility_id": "..." | "", "confidence": <0-1>, "reasoning": "..."}`

// RunLLM executes both stages sequentially and validates each document.
// Any error sends the caller to the keyword branch.
func RunLLM(ctx context.Context, client *llm.Client, tc *Context) (*Result, error) {
	risk, err := runRiskStage(ctx, client, tc)
	if err != nil {
		return nil, err
	}
	route, err := runRouteStage(ctx, client, tc, risk)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RiskScore:        clampScore(risk.RiskScore),
		RiskLevel:        domain.RiskLevel(risk.RiskLevel),
		RiskFactors:      risk.RiskFactors,
		ResponseUrgency:  risk.ResponseUrgency,
		EventType:        domain.EventType(route.EventType),
		Severity:         domain.AlertSeverity(route.Severity),
		Department:       domain.Department(route.RoutedDepartment),
		TargetFacilityID: route.TargetFacilityID,
		Confidence:       route.Confidence,
		Method:           "llm",
		Reasoning:        route.Reasoning,
	}
	if res.TargetFacilityID == "" && risk.RecommendedFacility != nil {
		res.TargetFacilityID = risk.RecommendedFacility.ID
	}

	applyPolicyFloors(res, tc.SOS)
	return res, nil
}

func runRiskStage(ctx context.Context, client *llm.Client, tc *Context) (*riskOutput, error) {
	reply, err := client.Call(ctx, riskSystemPrompt, buildRiskPrompt(tc), 800)
	if err != nil {
		return nil, err
	}
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}

	var out riskOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("risk stage document: %w", domain.ErrInvalidPayload)
	}
	switch domain.RiskLevel(out.RiskLevel) {
	case domain.RiskLow, domain.RiskModerate, domain.RiskHigh, domain.RiskCritical:
	default:
		return nil, fmt.Errorf("risk stage level %q: %w", out.RiskLevel, domain.ErrInvalidPayload)
	}
	return &out, nil
}

func runRouteStage(ctx context.Context, client *llm.Client, tc *Context, risk *riskOutput) (*routeOutput, error) {
	reply, err := client.Call(ctx, routeSystemPrompt, buildRoutePrompt(tc, risk), 500)
	if err != nil {
		return nil, err
	}
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}

	var out routeOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("route stage document: %w", domain.ErrInvalidPayload)
	}
	switch domain.Department(out.RoutedDepartment) {
	case domain.DeptHospital, domain.DeptPolice, domain.DeptCivilDefense:
	default:
		return nil, fmt.Errorf("route stage department %q: %w", out.RoutedDepartment, domain.ErrInvalidPayload)
	}
	switch domain.AlertSeverity(out.Severity) {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return nil, fmt.Errorf("route stage severity %q: %w", out.Severity, domain.ErrInvalidPayload)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("route stage confidence %v: %w", out.Confidence, domain.ErrInvalidPayload)
	}
	return &out, nil
}

func buildRiskPrompt(tc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOS: status=%s severity=%d details=%q\n",
		tc.SOS.PatientStatus, tc.SOS.Severity, tc.SOS.Details)
	if tc.SOS.Location != nil {
		fmt.Fprintf(&b, "Location: %.5f, %.5f\n",
			tc.SOS.Location.Latitude, tc.SOS.Location.Longitude)
	}
	if tc.Patient != nil {
		fmt.Fprintf(&b, "Patient: mobility=%s living=%s trust=%.2f conditions=%v medications=%v\n",
			tc.Patient.Mobility, tc.Patient.LivingSituation, tc.Patient.TrustScore,
			tc.Patient.Conditions, tc.Patient.Medications)
	}
	for _, rec := range tc.Records {
		fmt.Fprintf(&b, "Record(%s): %s\n", rec.Kind, rec.Summary)
	}
	fmt.Fprintf(&b, "Prior SOS in 72h: %d\n", len(tc.History))
	fmt.Fprintf(&b, "Active alerts within 5km: %d\n", len(tc.Alerts))
	for _, f := range tc.Facilities {
		fmt.Fprintf(&b, "Facility %s (%s, %s): %.0fm away, beds=%d, specialties=%v\n",
			f.Facility.ID, f.Facility.Department, f.Facility.Status,
			f.DistanceM, f.Facility.AvailableBeds, f.Facility.Specialties)
	}
	return b.String()
}

func buildRoutePrompt(tc *Context, risk *riskOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk assessment: score=%.0f level=%s urgency=%s factors=%v\n",
		risk.RiskScore, risk.RiskLevel, risk.ResponseUrgency, risk.RiskFactors)
	fmt.Fprintf(&b, "SOS: status=%s severity=%d\nMessage: %s\n",
		tc.SOS.PatientStatus, tc.SOS.Severity, tc.SOS.Details)
	return b.String()
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

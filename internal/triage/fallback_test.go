package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmt/backend/internal/domain"
)

func workItem(status domain.PatientStatus, severity int, details string) *WorkItem {
	return &WorkItem{
		SOSID: "sos-1",
		SOS: &domain.SOSRequest{
			ID:            "sos-1",
			PatientStatus: status,
			Severity:      severity,
			Details:       details,
		},
		Patient: &PatientSnapshot{ID: "p-1", TrustScore: 0.5},
	}
}

func TestClassifyDepartment(t *testing.T) {
	cases := []struct {
		message string
		status  domain.PatientStatus
		want    domain.Department
	}{
		{"someone is shooting outside", domain.StatusSafe, domain.DeptPolice},
		{"the building collapsed on us", domain.StatusInjured, domain.DeptCivilDefense},
		{"I broke my leg", domain.StatusInjured, domain.DeptHospital},
		{"", domain.StatusTrapped, domain.DeptCivilDefense},
		{"", domain.StatusEvacuate, domain.DeptCivilDefense},
		{"", domain.StatusInjured, domain.DeptHospital},
		// One hit each side; police wins the tie.
		{"armed men set a fire", domain.StatusSafe, domain.DeptPolice},
		// Override beats civil-defense keyword counts.
		{"bomb threat at the shelter, smoke and fire everywhere", domain.StatusSafe, domain.DeptPolice},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyDepartment(tc.message, tc.status), tc.message)
	}
}

func TestCountHits_StemMatching(t *testing.T) {
	assert.Equal(t, 1, countHits("they are shooting at us", policeKeywords))
	assert.Equal(t, 1, countHits("wall collapsed", civilDefenseKeywords))
	// "gas leak" is a multi-word stem, matched as a substring.
	assert.Equal(t, 1, countHits("there is a gas leak in the kitchen", civilDefenseKeywords))
	assert.Equal(t, 0, countHits("all quiet here", policeKeywords))
}

func TestKeywordTriage_ViolenceRaisesSeverity(t *testing.T) {
	// Severity 3 alone scores 54; the violence bump pushes it past the
	// high-severity floor.
	item := workItem(domain.StatusSafe, 3, "sniper on the roof")
	res := KeywordTriage(item, 0)

	assert.Equal(t, domain.DeptPolice, res.Department)
	assert.InDelta(t, 66, res.RiskScore, 0.01)
	assert.Equal(t, domain.RiskHigh, res.RiskLevel)
	assert.Equal(t, domain.SeverityHigh, res.Severity)
	assert.Equal(t, "within_1h", res.ResponseUrgency)
	assert.Equal(t, "keyword_fallback", res.Method)
}

func TestKeywordTriage_TrappedFloor(t *testing.T) {
	item := workItem(domain.StatusTrapped, 2, "")
	res := KeywordTriage(item, 0)

	assert.Equal(t, domain.DeptCivilDefense, res.Department)
	assert.Equal(t, domain.EventBuildingCollapse, res.EventType)
	// Base severity 2 maps to medium; trapped floors it to high.
	assert.Equal(t, domain.SeverityHigh, res.Severity)
	assert.Contains(t, res.RiskFactors, "patient reports being trapped")
}

func TestKeywordTriage_MaxSeverityIsAlwaysCritical(t *testing.T) {
	item := workItem(domain.StatusSafe, 5, "")
	item.Patient.TrustScore = 0.1 // even a distrusted sender keeps the floor
	res := KeywordTriage(item, 0)

	assert.Equal(t, domain.SeverityCritical, res.Severity)
}

func TestPriorityScore_Adjustments(t *testing.T) {
	item := workItem(domain.StatusInjured, 3, "")
	score, _ := priorityScore(item, 0)
	assert.InDelta(t, 54, score, 0.01)

	item.Patient.Vulnerable = true
	score, factors := priorityScore(item, 0)
	assert.InDelta(t, 69, score, 0.01)
	assert.Contains(t, factors, "vulnerable patient")

	item.Patient.Vulnerable = false
	item.Patient.TrustScore = 0.2
	score, factors = priorityScore(item, 0)
	// Penalty is 10 + 10*(0.5-0.2)/0.5 = 16.
	assert.InDelta(t, 38, score, 0.01)
	assert.Contains(t, factors, "low trust score")
}

func TestPriorityScore_NearbyAlertsCapped(t *testing.T) {
	item := workItem(domain.StatusInjured, 3, "")
	withTwo, _ := priorityScore(item, 2)
	assert.InDelta(t, 64, withTwo, 0.01)

	withTen, _ := priorityScore(item, 10)
	assert.InDelta(t, 69, withTen, 0.01) // bump caps at 15
}

func TestPriorityScore_Clamped(t *testing.T) {
	item := workItem(domain.StatusTrapped, 5, "shooting, fire, collapsed building")
	item.Patient.Vulnerable = true
	item.Patient.Conditions = []string{"diabetes"}
	score, _ := priorityScore(item, 5)
	assert.Equal(t, 100.0, score)

	low := workItem(domain.StatusSafe, 1, "")
	low.Patient.TrustScore = 0.0
	score, _ = priorityScore(low, 0)
	assert.GreaterOrEqual(t, score, 1.0)
}

func TestRiskLevelBoundaries(t *testing.T) {
	assert.Equal(t, domain.RiskCritical, riskLevelFor(80))
	assert.Equal(t, domain.RiskHigh, riskLevelFor(79.9))
	assert.Equal(t, domain.RiskHigh, riskLevelFor(60))
	assert.Equal(t, domain.RiskModerate, riskLevelFor(59.9))
	assert.Equal(t, domain.RiskModerate, riskLevelFor(40))
	assert.Equal(t, domain.RiskLow, riskLevelFor(39.9))
}

func TestApplyPolicyFloors_ScoreDriven(t *testing.T) {
	res := Result{RiskScore: 85, Severity: domain.SeverityLow}
	applyPolicyFloors(&res, &domain.SOSRequest{Severity: 2})
	assert.Equal(t, domain.SeverityCritical, res.Severity)

	res = Result{RiskScore: 65, Severity: domain.SeverityCritical}
	applyPolicyFloors(&res, &domain.SOSRequest{Severity: 2})
	// Floors never lower an already higher severity.
	assert.Equal(t, domain.SeverityCritical, res.Severity)
}

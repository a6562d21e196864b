package triage

import (
	"regexp"
	"strings"

	"github.com/tmt/backend/internal/domain"
)

// Result is the triage decision produced by either branch.
type Result struct {
	RiskScore        float64              `json:"risk_score"`
	RiskLevel        domain.RiskLevel     `json:"risk_level"`
	RiskFactors      []string             `json:"risk_factors,omitempty"`
	ResponseUrgency  string               `json:"response_urgency,omitempty"`
	EventType        domain.EventType     `json:"event_type"`
	Severity         domain.AlertSeverity `json:"severity"`
	Department       domain.Department    `json:"routed_department"`
	TargetFacilityID string               `json:"target_facility_id,omitempty"`
	Confidence       float64              `json:"confidence"`
	Method           string               `json:"method"`
	Reasoning        string               `json:"reasoning,omitempty"`
}

// Keyword lexicons for department routing. Stems, matched on word
// boundaries, so "shooting" hits "shoot" and "collapsed" hits "collaps".
var (
	policeKeywords = []string{
		"shoot", "shot", "gun", "armed", "sniper", "kidnap", "robb", "loot",
		"hostage", "stab", "knife", "weapon", "murder", "assault", "theft",
		"crime", "violence", "gang",
	}
	civilDefenseKeywords = []string{
		"fire", "flame", "burning", "smoke", "collaps", "rubble", "flood",
		"earthquake", "gas leak", "hazmat", "spill", "evacuat", "rescue",
		"ordnance", "mortar", "debris", "bomb", "shell", "trapped", "airstrike",
	}
	// Phrases that route straight to police regardless of keyword counts.
	policeOverrides = []string{"bomb threat", "suspicious package"}

	wordSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

var statusEventType = map[domain.PatientStatus]domain.EventType{
	domain.StatusInjured:  domain.EventMedical,
	domain.StatusTrapped:  domain.EventBuildingCollapse,
	domain.StatusEvacuate: domain.EventOther,
	domain.StatusSafe:     domain.EventOther,
}

var severityBase = map[int]domain.AlertSeverity{
	1: domain.SeverityLow,
	2: domain.SeverityMedium,
	3: domain.SeverityMedium,
	4: domain.SeverityHigh,
	5: domain.SeverityCritical,
}

// KeywordTriage is the deterministic branch used whenever the LLM path is
// unavailable, over budget, or returns an invalid document.
// nearbyAlerts is the count of active alerts within 5 km of the SOS.
func KeywordTriage(item *WorkItem, nearbyAlerts int) Result {
	sos := item.SOS

	res := Result{
		EventType:  statusEventType[sos.PatientStatus],
		Severity:   severityBase[sos.Severity],
		Department: classifyDepartment(sos.Details, sos.PatientStatus),
		Confidence: 0.5,
		Method:     "keyword_fallback",
	}
	if res.EventType == "" {
		res.EventType = domain.EventOther
	}
	if res.Severity == "" {
		res.Severity = domain.SeverityMedium
	}

	res.RiskScore, res.RiskFactors = priorityScore(item, nearbyAlerts)
	res.RiskLevel = riskLevelFor(res.RiskScore)
	res.ResponseUrgency = urgencyFor(res.RiskLevel)

	applyPolicyFloors(&res, sos)
	return res
}

// classifyDepartment picks exactly one department for the SOS text.
func classifyDepartment(message string, status domain.PatientStatus) domain.Department {
	lower := strings.ToLower(message)

	for _, phrase := range policeOverrides {
		if strings.Contains(lower, phrase) {
			return domain.DeptPolice
		}
	}

	police := countHits(lower, policeKeywords)
	civil := countHits(lower, civilDefenseKeywords)

	switch {
	case police > 0 && police >= civil:
		// Ties favor police.
		return domain.DeptPolice
	case civil > 0:
		return domain.DeptCivilDefense
	case status == domain.StatusTrapped || status == domain.StatusEvacuate:
		return domain.DeptCivilDefense
	default:
		return domain.DeptHospital
	}
}

// countHits counts words starting with any lexicon stem. Multi-word stems
// match as substrings.
func countHits(lower string, stems []string) int {
	words := wordSplit.Split(lower, -1)
	hits := 0
	for _, stem := range stems {
		if strings.ContainsRune(stem, ' ') {
			if strings.Contains(lower, stem) {
				hits++
			}
			continue
		}
		for _, w := range words {
			if strings.HasPrefix(w, stem) {
				hits++
				break
			}
		}
	}
	return hits
}

// priorityScore is the rule-based risk assessment: SOS severity sets the
// base, vulnerability and nearby-alert density raise it, low patient trust
// lowers it by 10-20 points but never to zero.
func priorityScore(item *WorkItem, nearbyAlerts int) (float64, []string) {
	score := float64(item.SOS.Severity) * 18
	var factors []string

	if item.SOS.PatientStatus == domain.StatusTrapped {
		score += 12
		factors = append(factors, "patient reports being trapped")
	}
	if item.Patient != nil {
		if item.Patient.Vulnerable {
			score += 15
			factors = append(factors, "vulnerable patient")
		}
		if len(item.Patient.Conditions) > 0 {
			score += 5
			factors = append(factors, "chronic conditions on record")
		}
	}
	lower := strings.ToLower(item.SOS.Details)
	if countHits(lower, policeKeywords) > 0 {
		score += 12
		factors = append(factors, "violence indicators in message")
	} else if countHits(lower, civilDefenseKeywords) > 0 {
		score += 8
		factors = append(factors, "hazard indicators in message")
	}

	if nearbyAlerts > 0 {
		bump := float64(nearbyAlerts) * 5
		if bump > 15 {
			bump = 15
		}
		score += bump
		factors = append(factors, "active alerts in the area")
	}

	if item.Patient != nil && item.Patient.TrustScore < 0.5 {
		penalty := 10 + 10*(0.5-item.Patient.TrustScore)/0.5
		score -= penalty
		factors = append(factors, "low trust score")
	}

	if score < 1 {
		score = 1
	}
	if score > 100 {
		score = 100
	}
	return score, factors
}

func riskLevelFor(score float64) domain.RiskLevel {
	switch {
	case score >= 80:
		return domain.RiskCritical
	case score >= 60:
		return domain.RiskHigh
	case score >= 40:
		return domain.RiskModerate
	default:
		return domain.RiskLow
	}
}

func urgencyFor(level domain.RiskLevel) string {
	switch level {
	case domain.RiskCritical:
		return "immediate"
	case domain.RiskHigh:
		return "within_1h"
	case domain.RiskModerate:
		return "within_4h"
	default:
		return "when_available"
	}
}

// applyPolicyFloors enforces the non-negotiable severity minimums on any
// triage result, LLM or fallback.
func applyPolicyFloors(res *Result, sos *domain.SOSRequest) {
	if res.RiskScore >= 80 {
		res.Severity = domain.SeverityCritical
	} else if res.RiskScore >= 60 {
		res.Severity = domain.MaxSeverity(res.Severity, domain.SeverityHigh)
	}
	if sos.PatientStatus == domain.StatusTrapped {
		res.Severity = domain.MaxSeverity(res.Severity, domain.SeverityHigh)
	}
	if sos.Severity == 5 {
		res.Severity = domain.SeverityCritical
	}
}

package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmt/backend/internal/domain"
)

func TestApplySafetyOverride_ForcesCrisis(t *testing.T) {
	c := ApplySafetyOverride(Classification{IsCrisis: false, Confidence: 0.2}, "heavy قصف near the port")
	assert.True(t, c.IsCrisis)
	assert.Equal(t, "keyword_override", c.Category)
	assert.InDelta(t, overrideConfidence, c.Confidence, 1e-9)
}

func TestApplySafetyOverride_KeepsHigherConfidence(t *testing.T) {
	c := ApplySafetyOverride(Classification{IsCrisis: false, Confidence: 0.9}, "explosion downtown")
	assert.True(t, c.IsCrisis)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)
}

func TestApplySafetyOverride_NoKeywordNoChange(t *testing.T) {
	in := Classification{IsCrisis: false, Confidence: 0.5, Category: "no_keywords"}
	out := ApplySafetyOverride(in, "bakery reopened this morning")
	assert.Equal(t, in, out)
}

func TestApplySafetyOverride_CrisisUntouched(t *testing.T) {
	in := Classification{IsCrisis: true, Confidence: 0.95, Category: "llm"}
	out := ApplySafetyOverride(in, "quiet day")
	assert.Equal(t, in, out)
}

func TestClassifyKeywords(t *testing.T) {
	c := classifyKeywords("غارة جوية على المدينة")
	assert.True(t, c.IsCrisis)
	assert.Equal(t, "keyword", c.Category)

	c = classifyKeywords("weather is sunny")
	assert.False(t, c.IsCrisis)
	assert.Equal(t, "no_keywords", c.Category)
}

func TestExtractKeywords_EventTypes(t *testing.T) {
	cases := []struct {
		text     string
		event    domain.EventType
		severity domain.AlertSeverity
	}{
		{"صاروخ سقط على الحي", domain.EventBombing, domain.SeverityCritical},
		{"huge fire in the market", domain.EventFire, domain.SeverityHigh},
		{"the tower collapsed", domain.EventBuildingCollapse, domain.SeverityHigh},
		{"suspected gas attack reported", domain.EventChemical, domain.SeverityCritical},
		{"dozens wounded at the crossing", domain.EventMedical, domain.SeverityHigh},
		{"road closed for repairs", domain.EventOther, domain.SeverityMedium},
	}
	for _, tc := range cases {
		ex := extractKeywords(tc.text)
		assert.Equal(t, string(tc.event), ex.EventType, tc.text)
		assert.Equal(t, string(tc.severity), ex.Severity, tc.text)
	}
}

func TestSeverityScale(t *testing.T) {
	assert.Equal(t, 1, severityScale("low"))
	assert.Equal(t, 2, severityScale("medium"))
	assert.Equal(t, 3, severityScale("high"))
	assert.Equal(t, 5, severityScale("critical"))
	assert.Equal(t, 3, severityScale("garbage"))
}

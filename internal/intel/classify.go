package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/llm"
)

// Classification is the crisis/noise decision for one message.
type Classification struct {
	IsCrisis   bool    `json:"is_crisis"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// Extraction is the structured crisis record pulled from a message.
type Extraction struct {
	EventType     string   `json:"event_type"`
	Severity      string   `json:"severity"`
	LocationText  string   `json:"location_text,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Details       string   `json:"details,omitempty"`
	Confidence    float64  `json:"confidence"`
	AffectedCount int      `json:"affected_count,omitempty"`
	Urgency       string   `json:"urgency,omitempty"`
}

// strongCrisisKeywords force a crisis classification regardless of what the
// model said. Arabic terms cover the channels this deployment monitors.
var strongCrisisKeywords = []string{
	// English
	"bombing", "bombardment", "airstrike", "air strike", "explosion",
	"missile", "rocket", "shelling", "casualties", "killed", "wounded",
	"collapse", "collapsed", "fire", "evacuation", "evacuate", "injured",
	"dead bodies", "mass casualty", "chemical", "gas attack",
	// Arabic
	"قصف",     // shelling
	"انفجار",  // explosion
	"غارة",    // airstrike
	"صاروخ",   // missile
	"شهداء",   // casualties
	"جرحى",    // wounded
	"قتلى",    // dead
	"حريق",    // fire
	"انهيار",  // collapse
	"إخلاء",   // evacuation
	"مصابين",  // injured
	"كيماوي",  // chemical
}

// overrideConfidence is the floor applied when the lexicon overrides the
// classifier.
const overrideConfidence = 0.6

// ApplySafetyOverride upgrades a non-crisis classification when the raw
// text carries a strong-crisis keyword. Missing a real strike is worse than
// a false positive here.
func ApplySafetyOverride(c Classification, text string) Classification {
	if c.IsCrisis {
		return c
	}
	lower := strings.ToLower(text)
	for _, kw := range strongCrisisKeywords {
		if strings.Contains(lower, kw) {
			c.IsCrisis = true
			c.Category = "keyword_override"
			if c.Confidence < overrideConfidence {
				c.Confidence = overrideConfidence
			}
			return c
		}
	}
	return c
}

const classifyPrompt = `You monitor crisis-zone news channels. Decide whether
the message reports an ongoing crisis event. Return ONLY a JSON object:
{"is_crisis": true|false, "confidence": <0-1>, "category": "..."}`

const extractPrompt = `Extract the crisis facts from the message. Return ONLY
a JSON object:
{"event_type": "flood|bombing|earthquake|fire|building_collapse|shooting|chemical|medical_emergency|infrastructure|other",
"severity": "low|medium|high|critical", "location_text": "...",
"latitude": <num>|null, "longitude": <num>|null, "details": "...",
"confidence": <0-1>, "affected_count": <int>|0,
"urgency": "immediate|within_1h|within_4h|when_available"}`

// Classify runs the LLM classifier with the keyword path as fallback, then
// the safety override in both cases.
func Classify(ctx context.Context, client *llm.Client, text string) Classification {
	c := classifyKeywords(text)
	if client != nil && client.Configured() {
		if llmC, err := classifyLLM(ctx, client, text); err == nil {
			c = llmC
		}
	}
	return ApplySafetyOverride(c, text)
}

func classifyLLM(ctx context.Context, client *llm.Client, text string) (Classification, error) {
	reply, err := client.Call(ctx, classifyPrompt, text, 200)
	if err != nil {
		return Classification{}, err
	}
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return Classification{}, err
	}
	var c Classification
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return Classification{}, fmt.Errorf("classifier document: %w", domain.ErrInvalidPayload)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return Classification{}, fmt.Errorf("classifier confidence %v: %w", c.Confidence, domain.ErrInvalidPayload)
	}
	return c, nil
}

// classifyKeywords is the no-LLM classification: lexicon hit means crisis.
func classifyKeywords(text string) Classification {
	lower := strings.ToLower(text)
	for _, kw := range strongCrisisKeywords {
		if strings.Contains(lower, kw) {
			return Classification{IsCrisis: true, Confidence: overrideConfidence, Category: "keyword"}
		}
	}
	return Classification{IsCrisis: false, Confidence: 0.5, Category: "no_keywords"}
}

// Extract runs the LLM extractor with a lexicon-derived fallback.
func Extract(ctx context.Context, client *llm.Client, text string) Extraction {
	if client != nil && client.Configured() {
		if ex, err := extractLLM(ctx, client, text); err == nil {
			return ex
		}
	}
	return extractKeywords(text)
}

func extractLLM(ctx context.Context, client *llm.Client, text string) (Extraction, error) {
	reply, err := client.Call(ctx, extractPrompt, text, 400)
	if err != nil {
		return Extraction{}, err
	}
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return Extraction{}, err
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(doc), &ex); err != nil {
		return Extraction{}, fmt.Errorf("extractor document: %w", domain.ErrInvalidPayload)
	}
	if ex.EventType == "" {
		ex.EventType = string(domain.EventOther)
	}
	return ex, nil
}

// extractKeywords guesses event type and severity from the lexicon.
func extractKeywords(text string) Extraction {
	lower := strings.ToLower(text)
	ex := Extraction{
		EventType:  string(domain.EventOther),
		Severity:   string(domain.SeverityMedium),
		Details:    text,
		Confidence: 0.4,
		Urgency:    "within_4h",
	}
	switch {
	case containsAny(lower, "قصف", "غارة", "airstrike", "air strike", "bombing", "bombardment", "صاروخ", "missile", "rocket", "shelling", "انفجار", "explosion"):
		ex.EventType = string(domain.EventBombing)
		ex.Severity = string(domain.SeverityCritical)
		ex.Urgency = "immediate"
	case containsAny(lower, "حريق", "fire"):
		ex.EventType = string(domain.EventFire)
		ex.Severity = string(domain.SeverityHigh)
	case containsAny(lower, "انهيار", "collapse"):
		ex.EventType = string(domain.EventBuildingCollapse)
		ex.Severity = string(domain.SeverityHigh)
	case containsAny(lower, "كيماوي", "chemical", "gas attack"):
		ex.EventType = string(domain.EventChemical)
		ex.Severity = string(domain.SeverityCritical)
		ex.Urgency = "immediate"
	case containsAny(lower, "جرحى", "مصابين", "wounded", "injured", "casualties"):
		ex.EventType = string(domain.EventMedical)
		ex.Severity = string(domain.SeverityHigh)
	}
	return ex
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// severityScale maps the extractor's severity word onto the 1-5 feed scale.
func severityScale(s string) int {
	switch domain.AlertSeverity(s) {
	case domain.SeverityLow:
		return 1
	case domain.SeverityMedium:
		return 2
	case domain.SeverityHigh:
		return 3
	case domain.SeverityCritical:
		return 5
	default:
		return 3
	}
}

// Package verify re-scores unverified intel events against independent
// signals and maintains per-channel trust.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geo"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
)

const (
	eventWindow          = 6 * time.Hour
	batchSize            = 20
	corroborationRadiusM = 3000.0
	relatedSOSBoxDeg     = 0.03
	relatedSOSWindow     = 2 * time.Hour
	falseThreshold       = 0.3
	verifiedTrustDelta   = 0.05
	falseTrustDelta      = -0.02
)

// Loop is the periodic verification sweep.
type Loop struct {
	store  *store.Store
	llm    *llm.Client
	logger *slog.Logger
}

// NewLoop wires the sweep.
func NewLoop(st *store.Store, client *llm.Client, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: st, llm: client, logger: logger.With("component", "verify")}
}

// Run sweeps every interval until ctx ends.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Sweep(ctx); err != nil {
				l.logger.Warn("sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep verifies one batch of unverified telegram events.
func (l *Loop) Sweep(ctx context.Context) error {
	events, err := l.store.GeoEvents.ListUnverifiedTelegram(ctx,
		time.Now().Add(-eventWindow), batchSize)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := l.verifyEvent(ctx, ev); err != nil {
			l.logger.Warn("event verification failed", "event", ev.ID, "error", err)
		}
	}
	return nil
}

// Verdict is one verification outcome.
type Verdict struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	TrustDelta float64 `json:"trust_delta"`
}

func (l *Loop) verifyEvent(ctx context.Context, ev *domain.GeoEvent) error {
	corroboration, err := l.corroborationSet(ctx, ev)
	if err != nil {
		return err
	}
	relatedSOS, err := l.relatedSOSSet(ctx, ev)
	if err != nil {
		return err
	}

	verdict := l.judge(ctx, ev, corroboration, relatedSOS)

	if err := l.store.GeoEvents.MergeMetadata(ctx, ev.ID, map[string]interface{}{
		"verified":                verdict.Verified,
		"verification_confidence": verdict.Confidence,
		"verification_reasoning":  verdict.Reasoning,
		"verified_at":             time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	if verdict.Verified {
		metrics.EventsVerified.WithLabelValues("verified").Inc()
	} else {
		metrics.EventsVerified.WithLabelValues("unverified").Inc()
	}

	channelID, _ := ev.Metadata["channel_id"].(string)
	if channelID == "" {
		return nil
	}
	return l.applyToChannel(ctx, channelID, verdict)
}

// corroborationSet is the non-telegram events near the claim in space and
// time.
func (l *Loop) corroborationSet(ctx context.Context, ev *domain.GeoEvent) ([]*domain.GeoEvent, error) {
	near, err := l.store.GeoEvents.ListInRadius(ctx, ev.Location, corroborationRadiusM,
		ev.CreatedAt.Add(-eventWindow), nil)
	if err != nil {
		return nil, err
	}

	var out []*domain.GeoEvent
	for _, candidate := range near {
		if candidate.Source == domain.AlertFromTelegram {
			continue
		}
		if candidate.CreatedAt.After(ev.CreatedAt.Add(eventWindow)) {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}

// relatedSOSSet uses the square-degree approximation for SOS proximity.
func (l *Loop) relatedSOSSet(ctx context.Context, ev *domain.GeoEvent) ([]*domain.SOSRequest, error) {
	box := geo.SquareBox(ev.Location, relatedSOSBoxDeg)
	return l.store.SOS.ListInBox(ctx, box, ev.CreatedAt.Add(-relatedSOSWindow))
}

const verifierPrompt = `You verify open-source crisis reports. Given the
claim and independent nearby signals, return ONLY a JSON object:
{"verified": true|false, "confidence": <0-1>, "reasoning": "...",
"trust_delta": <-0.1..0.1>}`

// judge asks the LLM verifier, falling back to the count heuristic.
func (l *Loop) judge(ctx context.Context, ev *domain.GeoEvent, corroboration []*domain.GeoEvent, relatedSOS []*domain.SOSRequest) Verdict {
	if l.llm != nil && l.llm.Configured() {
		if v, err := l.judgeLLM(ctx, ev, corroboration, relatedSOS); err == nil {
			return v
		} else {
			l.logger.Warn("llm verifier failed, using count heuristic",
				"event", ev.ID, "error", err)
		}
	}

	verified := len(corroboration)+len(relatedSOS) > 0
	v := Verdict{Verified: verified}
	if verified {
		v.Confidence = 0.7
		v.TrustDelta = verifiedTrustDelta
		v.Reasoning = fmt.Sprintf("%d corroborating events, %d related SOS",
			len(corroboration), len(relatedSOS))
	} else {
		v.Confidence = 0.3
		v.TrustDelta = falseTrustDelta
		v.Reasoning = "no independent signals nearby"
	}
	return v
}

func (l *Loop) judgeLLM(ctx context.Context, ev *domain.GeoEvent, corroboration []*domain.GeoEvent, relatedSOS []*domain.SOSRequest) (Verdict, error) {
	user := fmt.Sprintf(
		"Claim: type=%s severity=%d at (%.5f, %.5f) %s: %s\nIndependent events within 3km/6h: %d\nSOS within 0.03deg/2h: %d\n",
		ev.EventType, ev.Severity, ev.Location.Latitude, ev.Location.Longitude,
		ev.Title, ev.Details, len(corroboration), len(relatedSOS))
	for _, c := range corroboration {
		user += fmt.Sprintf("- event %s severity=%d source=%s\n", c.EventType, c.Severity, c.Source)
	}

	reply, err := l.llm.Call(ctx, verifierPrompt, user, 400)
	if err != nil {
		return Verdict{}, err
	}
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return Verdict{}, fmt.Errorf("verifier document: %w", domain.ErrInvalidPayload)
	}
	if v.TrustDelta < -0.1 {
		v.TrustDelta = -0.1
	}
	if v.TrustDelta > 0.1 {
		v.TrustDelta = 0.1
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return Verdict{}, fmt.Errorf("verifier confidence %v: %w", v.Confidence, domain.ErrInvalidPayload)
	}
	return v, nil
}

// applyToChannel folds the verdict into the channel trust state. A verdict
// with confidence below the threshold counts as a false report.
func (l *Loop) applyToChannel(ctx context.Context, channelID string, v Verdict) error {
	bucket := store.BucketUnverified
	switch {
	case v.Verified:
		bucket = store.BucketVerified
	case v.Confidence < falseThreshold:
		bucket = store.BucketFalse
	}

	updated, err := l.store.Channels.ApplyVerification(ctx, channelID, store.VerificationOutcome{
		Bucket: bucket,
		Delta:  v.TrustDelta,
		Note: fmt.Sprintf("%s verified=%t conf=%.2f: %s",
			time.Now().UTC().Format(time.RFC3339), v.Verified, v.Confidence, v.Reasoning),
	})
	if err != nil {
		return err
	}
	if updated.Status == domain.MonitoringBlacklisted {
		l.logger.Warn("channel blacklisted", "channel", channelID,
			"trust", updated.TrustScore, "total_reports", updated.TotalReports)
	}
	return nil
}

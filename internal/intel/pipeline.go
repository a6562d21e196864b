// Package intel pulls open-source channel messages, filters them for crisis
// content, and feeds the geo feed and the alert engine.
package intel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/vector"
)

// RawMessage is one message as the platform client hands it over.
type RawMessage struct {
	MessageID   int64
	ChatID      int64
	Channel     string
	ChannelName string
	Text        string
	SentAt      time.Time
}

// Fetcher is the external messaging-platform client. The MTProto session
// itself lives outside this service.
type Fetcher interface {
	// FetchMessages returns the newest messages of a channel, most recent
	// last.
	FetchMessages(ctx context.Context, channelID string, limit int) ([]RawMessage, error)
	// Join subscribes the session to a channel it has not seen before.
	Join(ctx context.Context, channelID string) error
}

// Options are the pull-loop pacing knobs.
type Options struct {
	BatchSize      int
	ChannelPacing  time.Duration // minimum gap between channel reads
	JoinPacing     time.Duration // minimum gap between joins
	DefaultCenter  domain.Location
	AlertThreshold int // feed-scale severity that triggers an alert
}

// DefaultOptions mirrors the deployment defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:      20,
		ChannelPacing:  2 * time.Second,
		JoinPacing:     10 * time.Second,
		DefaultCenter:  domain.Location{Latitude: 31.5017, Longitude: 34.4668},
		AlertThreshold: 3,
	}
}

// Pipeline drives the per-message processing chain.
type Pipeline struct {
	store    *store.Store
	bus      *bus.Bus
	llm      *llm.Client
	vector   *vector.Client
	alerts   *alerts.Engine
	fetcher  Fetcher
	opts     Options
	logger   *slog.Logger
	lastJoin time.Time
}

// NewPipeline wires the intel pipeline. fetcher may be nil; the pull loop
// then idles and messages can still be injected via ProcessMessage.
func NewPipeline(st *store.Store, b *bus.Bus, client *llm.Client, vec *vector.Client, engine *alerts.Engine, fetcher Fetcher, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = DefaultOptions().AlertThreshold
	}
	return &Pipeline{
		store:   st,
		bus:     b,
		llm:     client,
		vector:  vec,
		alerts:  engine,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With("component", "intel"),
	}
}

// Run pulls every interval until ctx ends.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.PullOnce(ctx); err != nil {
				p.logger.Warn("pull cycle failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// PullOnce reads every active channel with the configured pacing.
// Blacklisted and paused channels are skipped.
func (p *Pipeline) PullOnce(ctx context.Context) error {
	if p.fetcher == nil {
		return nil
	}

	channels, err := p.store.Channels.ListActive(ctx)
	if err != nil {
		return err
	}

	for i, ch := range channels {
		if i > 0 && p.opts.ChannelPacing > 0 {
			select {
			case <-time.After(p.opts.ChannelPacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		msgs, err := p.fetcher.FetchMessages(ctx, ch.ChannelID, p.opts.BatchSize)
		if err != nil {
			p.logger.Warn("channel fetch failed", "channel", ch.ChannelID, "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := p.ProcessMessage(ctx, msg); err != nil {
				metrics.IntelMessages.WithLabelValues("error").Inc()
				p.logger.Warn("message processing failed",
					"channel", msg.Channel, "message", msg.MessageID, "error", err)
			}
		}
	}
	return nil
}

// JoinChannel subscribes to a new channel, respecting the join pacing, and
// seeds its trust state.
func (p *Pipeline) JoinChannel(ctx context.Context, channelID, displayName string) error {
	if p.fetcher != nil {
		if wait := p.opts.JoinPacing - time.Since(p.lastJoin); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := p.fetcher.Join(ctx, channelID); err != nil {
			return fmt.Errorf("join %s: %w", channelID, err)
		}
		p.lastJoin = time.Now()
	}
	_, err := p.store.Channels.GetOrCreate(ctx, channelID, displayName)
	return err
}

// ProcessMessage runs the full chain for one message: persist, announce,
// classify, extract, index, project, alert.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg RawMessage) error {
	stored := &domain.IntelMessage{
		MessageID:   msg.MessageID,
		ChatID:      msg.ChatID,
		Channel:     msg.Channel,
		ChannelName: msg.ChannelName,
		Text:        msg.Text,
		SentAt:      msg.SentAt.UTC(),
	}
	if err := p.store.Intel.SaveMessage(ctx, stored); err != nil {
		return err
	}

	p.bus.Emit(ctx, bus.RoomTelegram, bus.KindTelegramMessage, bus.TelegramMessagePayload{
		MessageID:   msg.MessageID,
		ChatID:      msg.ChatID,
		Channel:     msg.Channel,
		ChannelName: msg.ChannelName,
		Text:        msg.Text,
		SentAt:      stored.SentAt,
	})
	p.bus.Emit(ctx, bus.RoomTelegram, bus.KindTelegramProcessing, bus.TelegramProcessingPayload{
		Channel:   msg.Channel,
		MessageID: msg.MessageID,
		Status:    "processing",
	})

	classification := Classify(ctx, p.llm, msg.Text)

	analysis := bus.TelegramAnalysisPayload{
		Channel:    msg.Channel,
		MessageID:  msg.MessageID,
		IsCrisis:   classification.IsCrisis,
		Confidence: classification.Confidence,
		Category:   classification.Category,
	}

	var extraction Extraction
	if classification.IsCrisis {
		extraction = Extract(ctx, p.llm, msg.Text)
		analysis.EventType = extraction.EventType
		analysis.Severity = severityScale(extraction.Severity)
	}

	p.index(ctx, stored, classification, extraction)

	if classification.IsCrisis {
		ev, alert := p.project(ctx, stored, classification, extraction)
		if ev != nil {
			analysis.GeoEventID = ev.ID
		}
		if alert != nil {
			analysis.AlertID = alert.ID
		}
		metrics.IntelMessages.WithLabelValues("crisis").Inc()
	} else {
		metrics.IntelMessages.WithLabelValues("noise").Inc()
	}

	p.bus.Emit(ctx, bus.RoomTelegram, bus.KindTelegramAnalysis, analysis)
	return nil
}

// SimilarReport is one similarity hit against the indexed reports.
type SimilarReport struct {
	MessageID string                 `json:"message_id"`
	Score     float64                `json:"score"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

const searchLimitCap = 50

// SearchSimilar finds indexed reports close to the query text.
func (p *Pipeline) SearchSimilar(ctx context.Context, query string, limit int) ([]SimilarReport, error) {
	if p.vector == nil || !p.vector.Enabled() {
		return nil, fmt.Errorf("vector store not configured: %w", domain.ErrDependencyUnavailable)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query: %w", domain.ErrInvalidPayload)
	}
	if limit <= 0 || limit > searchLimitCap {
		limit = 10
	}

	hits, err := p.vector.Search(ctx, vector.Embed(query), limit)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarReport, 0, len(hits))
	for _, h := range hits {
		out = append(out, SimilarReport{MessageID: h.ID, Score: h.Score, Payload: h.Payload})
	}
	return out, nil
}

// index writes the embedding; failures are logged and skipped.
func (p *Pipeline) index(ctx context.Context, msg *domain.IntelMessage, c Classification, ex Extraction) {
	if p.vector == nil || !p.vector.Enabled() {
		return
	}
	err := p.vector.Upsert(ctx, vector.Point{
		ID:     msg.ID,
		Vector: vector.Embed(msg.Text),
		Payload: map[string]interface{}{
			"source":        "telegram",
			"channel":       msg.Channel,
			"date":          msg.SentAt.Format(time.RFC3339),
			"is_crisis":     c.IsCrisis,
			"event_type":    ex.EventType,
			"severity":      ex.Severity,
			"location_text": ex.LocationText,
		},
	})
	if err != nil {
		p.logger.Warn("vector index failed", "message", msg.ID, "error", err)
	}
}

// extractionSeverity maps the extractor's label onto the alert scale. An
// unrecognized label stays empty so the alert engine classifies from the
// event type.
func extractionSeverity(raw string) domain.AlertSeverity {
	if s := domain.AlertSeverity(raw); s.Valid() {
		return s
	}
	return ""
}

// project records the geo event and, for severe reports, raises an alert.
func (p *Pipeline) project(ctx context.Context, msg *domain.IntelMessage, c Classification, ex Extraction) (*domain.GeoEvent, *domain.Alert) {
	loc := p.opts.DefaultCenter
	located := false
	if ex.Latitude != nil && ex.Longitude != nil {
		loc = domain.Location{Latitude: *ex.Latitude, Longitude: *ex.Longitude}
		located = true
	}

	sev := severityScale(ex.Severity)

	ev := &domain.GeoEvent{
		EventType: ex.EventType,
		Source:    domain.AlertFromTelegram,
		Severity:  sev,
		Layer:     domain.LayerTelegramIntel,
		Location:  loc,
		Title:     ex.LocationText,
		Details:   ex.Details,
		Metadata: map[string]interface{}{
			"channel_id":     msg.Channel,
			"message_id":     msg.MessageID,
			"category":       c.Category,
			"confidence":     c.Confidence,
			"located":        located,
			"affected_count": ex.AffectedCount,
		},
	}
	if err := p.store.GeoEvents.Create(ctx, ev); err != nil {
		p.logger.Warn("geo event create failed", "message", msg.ID, "error", err)
		return nil, nil
	}
	p.bus.Emit(ctx, bus.RoomLivemap, bus.KindMapEvent, bus.MapEventFromGeo(ev))

	if sev < p.opts.AlertThreshold {
		return ev, nil
	}

	alert, err := p.alerts.Create(ctx, alerts.CreateParams{
		EventType:  domain.EventType(ex.EventType),
		Severity:   extractionSeverity(ex.Severity),
		Center:     loc,
		Source:     domain.AlertFromTelegram,
		Confidence: ex.Confidence,
		Title:      "Intel: " + ex.EventType,
		Details:    ex.Details,
		Metadata: map[string]interface{}{
			"channel_id":   msg.Channel,
			"message_id":   msg.MessageID,
			"geo_event_id": ev.ID,
		},
	})
	if err != nil {
		p.logger.Warn("intel alert create failed", "message", msg.ID, "error", err)
		return ev, nil
	}
	return ev, alert
}

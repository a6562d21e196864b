package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tmt/backend/internal/domain"
)

// ChannelRepo persists per-channel trust state for external intel sources.
type ChannelRepo struct {
	db *sql.DB
}

const channelColumns = `channel_id, display_name, trust_score, monitoring_status,
	total_reports, verified_reports, false_reports, unverified_reports,
	verification_notes, created_at`

// Trust bounds for intel channels. Blacklisting needs both a floor breach and
// enough history to make the score meaningful.
const (
	channelStartTrust     = 0.5
	channelBlacklistTrust = 0.15
	channelBlacklistMin   = 5
	channelNoteCap        = 50
)

func scanChannel(row interface{ Scan(...interface{}) error }) (*domain.IntelChannel, error) {
	var c domain.IntelChannel
	var name sql.NullString

	err := row.Scan(&c.ChannelID, &name, &c.TrustScore, &c.Status,
		&c.TotalReports, &c.VerifiedReports, &c.FalseReports,
		&c.UnverifiedReports, pq.Array(&c.Notes), &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.DisplayName = name.String
	return &c, nil
}

// GetOrCreate returns the channel's trust state, inserting a fresh row at
// the starting trust when the channel is new.
func (r *ChannelRepo) GetOrCreate(ctx context.Context, channelID, displayName string) (*domain.IntelChannel, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO intel_channels (channel_id, display_name, trust_score,
			monitoring_status, total_reports, verified_reports, false_reports,
			unverified_reports, verification_notes, created_at)
		VALUES ($1, $2, $3, 'active', 0, 0, 0, 0, '{}', $4)
		ON CONFLICT (channel_id) DO UPDATE
			SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), intel_channels.display_name)
		RETURNING `+channelColumns,
		channelID, nullStr(displayName), channelStartTrust, time.Now().UTC())

	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("get or create channel: %w", err)
	}
	return c, nil
}

// GetByID loads one channel.
func (r *ChannelRepo) GetByID(ctx context.Context, channelID string) (*domain.IntelChannel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM intel_channels WHERE channel_id = $1`, channelID)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound)
	}
	return c, err
}

// ListActive returns channels still being monitored.
func (r *ChannelRepo) ListActive(ctx context.Context) ([]*domain.IntelChannel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+channelColumns+` FROM intel_channels
		WHERE monitoring_status = 'active' ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("query active channels: %w", err)
	}
	defer rows.Close()

	var out []*domain.IntelChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Report buckets for verification verdicts.
const (
	BucketVerified   = "verified"
	BucketFalse      = "false"
	BucketUnverified = "unverified"
)

// VerificationOutcome is one verdict applied to a channel's trust state.
type VerificationOutcome struct {
	Bucket string
	// Delta is the signed trust adjustment for this verdict.
	Delta float64
	Note  string
}

// ApplyVerification folds a verdict into the channel row: adjusts trust
// clamped to [0,1], bumps the verified or false counter, prepends the note
// to the rolling buffer, and blacklists the channel once trust falls below
// the floor with enough total reports behind it. Returns the updated row.
func (r *ChannelRepo) ApplyVerification(ctx context.Context, channelID string, o VerificationOutcome) (*domain.IntelChannel, error) {
	c, err := r.GetByID(ctx, channelID)
	if err != nil {
		return nil, err
	}

	next := foldOutcome(c, o)

	row := r.db.QueryRowContext(ctx, `
		UPDATE intel_channels SET
			trust_score = $2,
			total_reports = $3,
			verified_reports = $4,
			false_reports = $5,
			unverified_reports = $6,
			verification_notes = $7,
			monitoring_status = $8
		WHERE channel_id = $1
		RETURNING `+channelColumns,
		channelID, next.TrustScore, next.TotalReports, next.VerifiedReports,
		next.FalseReports, next.UnverifiedReports, pq.Array(next.Notes),
		string(next.Status))

	updated, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("apply verification: %w", err)
	}
	return updated, nil
}

// foldOutcome computes the next trust state for one verdict. Trust clamps to
// [0,1]; blacklisting needs both the floor breach and enough history.
func foldOutcome(c *domain.IntelChannel, o VerificationOutcome) domain.IntelChannel {
	next := *c
	next.TrustScore += o.Delta
	if next.TrustScore < 0 {
		next.TrustScore = 0
	}
	if next.TrustScore > 1 {
		next.TrustScore = 1
	}

	next.TotalReports++
	switch o.Bucket {
	case BucketVerified:
		next.VerifiedReports++
	case BucketFalse:
		next.FalseReports++
	default:
		next.UnverifiedReports++
	}

	if o.Note != "" {
		next.Notes = append([]string{o.Note}, next.Notes...)
		if len(next.Notes) > channelNoteCap {
			next.Notes = next.Notes[:channelNoteCap]
		}
	}

	if next.TrustScore < channelBlacklistTrust && next.TotalReports >= channelBlacklistMin {
		next.Status = domain.MonitoringBlacklisted
	}
	return next
}

package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmt/backend/internal/domain"
)

func freshChannel() *domain.IntelChannel {
	return &domain.IntelChannel{
		ChannelID:  "gaza_now",
		TrustScore: channelStartTrust,
		Status:     domain.MonitoringActive,
	}
}

func TestFoldOutcomeVerified(t *testing.T) {
	c := freshChannel()
	next := foldOutcome(c, VerificationOutcome{Bucket: BucketVerified, Delta: 0.05, Note: "corroborated by 2 reports"})

	assert.InDelta(t, 0.55, next.TrustScore, 1e-9)
	assert.Equal(t, 1, next.TotalReports)
	assert.Equal(t, 1, next.VerifiedReports)
	assert.Equal(t, 0, next.FalseReports)
	assert.Equal(t, domain.MonitoringActive, next.Status)
	assert.Equal(t, []string{"corroborated by 2 reports"}, next.Notes)

	// the input row is untouched
	assert.Equal(t, 0, c.TotalReports)
	assert.InDelta(t, channelStartTrust, c.TrustScore, 1e-9)
}

func TestFoldOutcomeClampsTrust(t *testing.T) {
	c := freshChannel()
	c.TrustScore = 0.98
	next := foldOutcome(c, VerificationOutcome{Bucket: BucketVerified, Delta: 0.05})
	assert.Equal(t, 1.0, next.TrustScore)

	c.TrustScore = 0.01
	next = foldOutcome(c, VerificationOutcome{Bucket: BucketFalse, Delta: -0.05})
	assert.Equal(t, 0.0, next.TrustScore)
}

func TestFoldOutcomeBlacklistNeedsHistory(t *testing.T) {
	// Low trust alone does not blacklist.
	c := freshChannel()
	c.TrustScore = 0.12
	c.TotalReports = 3
	next := foldOutcome(c, VerificationOutcome{Bucket: BucketFalse, Delta: -0.02})
	assert.Equal(t, domain.MonitoringActive, next.Status)

	// Same trust with enough reports does.
	c.TotalReports = 4
	next = foldOutcome(c, VerificationOutcome{Bucket: BucketFalse, Delta: -0.02})
	assert.Equal(t, 5, next.TotalReports)
	assert.Equal(t, domain.MonitoringBlacklisted, next.Status)
}

func TestFoldOutcomeNoteRing(t *testing.T) {
	c := freshChannel()
	for i := 0; i < channelNoteCap+10; i++ {
		note := fmt.Sprintf("note %d", i)
		folded := foldOutcome(c, VerificationOutcome{Bucket: BucketVerified, Delta: 0, Note: note})
		c = &folded
	}
	assert.Len(t, c.Notes, channelNoteCap)
	assert.Equal(t, fmt.Sprintf("note %d", channelNoteCap+9), c.Notes[0])
}

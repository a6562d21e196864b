package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmt/backend/internal/domain"
)

func TestJudge_CountHeuristicVerified(t *testing.T) {
	l := NewLoop(nil, nil, nil)
	ev := &domain.GeoEvent{ID: "ev-1", EventType: "bombing", Severity: 4}

	v := l.judge(context.Background(), ev, []*domain.GeoEvent{{ID: "other"}}, nil)
	assert.True(t, v.Verified)
	assert.InDelta(t, 0.7, v.Confidence, 1e-9)
	assert.InDelta(t, verifiedTrustDelta, v.TrustDelta, 1e-9)

	v = l.judge(context.Background(), ev, nil, []*domain.SOSRequest{{ID: "sos-1"}})
	assert.True(t, v.Verified)
}

func TestJudge_CountHeuristicUnverified(t *testing.T) {
	l := NewLoop(nil, nil, nil)
	ev := &domain.GeoEvent{ID: "ev-2", EventType: "fire", Severity: 2}

	v := l.judge(context.Background(), ev, nil, nil)
	assert.False(t, v.Verified)
	assert.InDelta(t, 0.3, v.Confidence, 1e-9)
	assert.InDelta(t, falseTrustDelta, v.TrustDelta, 1e-9)
	assert.NotEmpty(t, v.Reasoning)
}

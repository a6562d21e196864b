package triage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func TestMemoryQueue_RoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	item := NewWorkItem(&domain.SOSRequest{ID: "sos-1", Severity: 3}, &domain.Patient{ID: "p-1", TrustScore: 0.8})

	require.NoError(t, q.Enqueue(context.Background(), item))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sos-1", got.SOSID)
	require.NotNil(t, got.Patient)
	assert.Equal(t, "p-1", got.Patient.ID)
	assert.InDelta(t, 0.8, got.Patient.TrustScore, 1e-9)
}

func TestMemoryQueue_FullIsUnavailable(t *testing.T) {
	q := NewMemoryQueue(1)
	item := NewWorkItem(&domain.SOSRequest{ID: "sos-1"}, nil)

	require.NoError(t, q.Enqueue(context.Background(), item))
	err := q.Enqueue(context.Background(), item)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewWorkItem_NilPatient(t *testing.T) {
	item := NewWorkItem(&domain.SOSRequest{ID: "sos-2"}, nil)
	assert.Nil(t, item.Patient)
	assert.False(t, item.EnqueuedAt.IsZero())
}

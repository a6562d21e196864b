package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
)

func f64(v float64) *float64 { return &v }

func TestValidateSeverity(t *testing.T) {
	for s := 1; s <= 5; s++ {
		assert.NoError(t, validateSeverity(s))
	}
	assert.ErrorIs(t, validateSeverity(0), domain.ErrInvalidPayload)
	assert.ErrorIs(t, validateSeverity(6), domain.ErrInvalidPayload)
}

func TestResolveLocation_Explicit(t *testing.T) {
	loc, err := resolveLocation(f64(31.5), f64(34.45), nil)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.InDelta(t, 31.5, loc.Latitude, 1e-9)
	assert.InDelta(t, 34.45, loc.Longitude, 1e-9)
}

func TestResolveLocation_OutOfRange(t *testing.T) {
	_, err := resolveLocation(f64(91), f64(34.45), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = resolveLocation(f64(31.5), f64(181), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestResolveLocation_PatientFallback(t *testing.T) {
	p := &domain.Patient{
		ID:       "p-1",
		Location: &domain.Location{Latitude: 31.52, Longitude: 34.44},
	}
	loc, err := resolveLocation(nil, nil, p)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.InDelta(t, 31.52, loc.Latitude, 1e-9)

	// No coordinates anywhere: the SOS is created without a location.
	loc, err = resolveLocation(nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, loc)
}

// Mesh relays and offline sync replays write their dedup key into the same
// column, so the same SOS arriving over both routes collapses to one row.
func TestMeshAndSyncShareDedupColumn(t *testing.T) {
	mesh, err := meshSOS(MeshRequest{
		MessageID: "m-abc123",
		PatientID: "p-1",
		Latitude:  f64(31.5),
		Longitude: f64(34.45),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m-abc123", mesh.MeshMessageID)
	assert.Equal(t, domain.SourceMesh, mesh.Source)

	sync, err := syncSOS(SyncEvent{
		EventID:    "m-abc123",
		DeviceTime: time.Date(2026, 5, 12, 8, 30, 0, 0, time.UTC),
	}, syncSOSCreate{
		PatientID: "p-1",
		Latitude:  f64(31.5),
		Longitude: f64(34.45),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m-abc123", sync.MeshMessageID)
	assert.Equal(t, "m-abc123", sync.EventID)
	assert.Equal(t, domain.SourceSync, sync.Source)

	assert.Equal(t, mesh.MeshMessageID, sync.MeshMessageID)
}

func TestMeshSOS_Defaults(t *testing.T) {
	sos, err := meshSOS(MeshRequest{
		MessageID:         "m-1",
		PatientID:         "p-1",
		OriginalTimestamp: 1747038600,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInjured, sos.PatientStatus)
	assert.Equal(t, 3, sos.Severity)
	require.NotNil(t, sos.DeviceTime)
	assert.Equal(t, int64(1747038600), sos.DeviceTime.Unix())

	_, err = meshSOS(MeshRequest{MessageID: "m-2", PatientID: "p-1", Severity: 9}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestPriorSOSID(t *testing.T) {
	wrapped := fmt.Errorf("insert sos: %w", &domain.DuplicateError{PriorID: "sos-77"})
	prior, ok := priorSOSID(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "sos-77", prior)

	_, ok = priorSOSID(fmt.Errorf("plain failure"))
	assert.False(t, ok)
	_, ok = priorSOSID(nil)
	assert.False(t, ok)
}

func TestSMSPlaintext(t *testing.T) {
	keys, err := crypto.NewKeyring("test-master-secret")
	require.NoError(t, err)
	r := NewRouter(nil, nil, keys, nil, nil)

	// Bare text passes through untouched.
	body, ok := r.smsPlaintext("p-1", "trapped near the market")
	assert.True(t, ok)
	assert.Equal(t, "trapped near the market", body)

	// A sealed envelope opens with the sender's derived key.
	sealed, err := keys.EncryptSMS("p-1", []byte(`{"severity":4}`))
	require.NoError(t, err)
	body, ok = r.smsPlaintext("p-1", sealed)
	assert.True(t, ok)
	assert.Equal(t, `{"severity":4}`, body)

	// The same envelope under another patient's key fails closed.
	_, ok = r.smsPlaintext("p-2", sealed)
	assert.False(t, ok)

	_, ok = r.smsPlaintext("p-1", crypto.EnvelopePrefix+"!!not-base64!!")
	assert.False(t, ok)
}

func TestPublishPatientLocation(t *testing.T) {
	b := bus.New(bus.NewLocalBroker(), nil)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), bus.RoomPatient("p-1"))
	require.NoError(t, err)

	r := NewRouter(nil, b, nil, nil, nil)
	r.publishPatientLocation(context.Background(), "p-1",
		domain.Location{Latitude: 31.5, Longitude: 34.45})

	select {
	case env := <-sub.C():
		assert.Equal(t, bus.KindPatientLocation, env.Kind)
		var p bus.PatientLocationPayload
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, "p-1", p.PatientID)
		assert.InDelta(t, 31.5, p.Latitude, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no patient_location envelope")
	}
}

func TestProcessSync_RejectsOversizedBatch(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil, nil)

	events := make([]SyncEvent, maxSyncBatch+1)
	for i := range events {
		events[i] = SyncEvent{
			EventID: fmt.Sprintf("ev-%d", i),
			Type:    "sos_create",
			Data:    json.RawMessage(`{}`),
		}
	}

	_, err := r.ProcessSync(context.Background(), SyncRequest{Events: events})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestResolveLocation_OneCoordinateMissing(t *testing.T) {
	p := &domain.Patient{Location: &domain.Location{Latitude: 1, Longitude: 2}}
	loc, err := resolveLocation(f64(31.5), nil, p)
	require.NoError(t, err)
	require.NotNil(t, loc)
	// A half-supplied pair falls back to the profile location.
	assert.InDelta(t, 1, loc.Latitude, 1e-9)
}

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func recvEnvelope(t *testing.T, sub *Subscriber) *Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestBus_RoomIsolation(t *testing.T) {
	b := New(NewLocalBroker(), nil)
	defer b.Close()
	ctx := context.Background()

	alerts, err := b.Subscribe(ctx, RoomAlerts)
	require.NoError(t, err)
	livemap, err := b.Subscribe(ctx, RoomLivemap)
	require.NoError(t, err)

	b.Emit(ctx, RoomAlerts, KindNewSOS, NewSOSPayload{ID: "s1", PatientID: "p1", Severity: 4})

	env := recvEnvelope(t, alerts)
	assert.Equal(t, KindNewSOS, env.Kind)
	assert.Equal(t, RoomAlerts, env.Room)

	var payload NewSOSPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "s1", payload.ID)
	assert.Equal(t, 4, payload.Severity)

	select {
	case <-livemap.C():
		t.Fatal("livemap subscriber must not see alerts traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PerRoomOrdering(t *testing.T) {
	b := New(NewLocalBroker(), nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, RoomAlerts)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		b.Emit(ctx, RoomAlerts, KindNewSOS, NewSOSPayload{ID: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		env := recvEnvelope(t, sub)
		var payload NewSOSPayload
		require.NoError(t, env.Decode(&payload))
		assert.Equal(t, string(rune('a'+i)), payload.ID, "room order must match publish order")
	}
}

func TestBus_MultipleSubscribersSameRoom(t *testing.T) {
	b := New(NewLocalBroker(), nil)
	defer b.Close()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, RoomDept(domain.DeptPolice))
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, RoomDept(domain.DeptPolice))
	require.NoError(t, err)

	b.Emit(ctx, RoomDept(domain.DeptPolice), KindNewAlert, map[string]string{"id": "a1"})

	assert.Equal(t, KindNewAlert, recvEnvelope(t, s1).Kind)
	assert.Equal(t, KindNewAlert, recvEnvelope(t, s2).Kind)
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	b := New(NewLocalBroker(), nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, RoomAlerts)
	require.NoError(t, err)

	// Never drain: fill past the high-water mark plus one.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Emit(ctx, RoomAlerts, KindMapEvent, MapEventPayload{ID: "x"})
	}

	// The channel must be closed after draining the buffered messages.
	drained := 0
	for range sub.C() {
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
}

func TestBus_CloseRemovesFromRooms(t *testing.T) {
	b := New(NewLocalBroker(), nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, RoomAlerts, RoomLivemap, RoomPatient("p1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RoomAlerts, RoomLivemap, "patient_p1"}, sub.Rooms())

	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")
	assert.Empty(t, sub.Rooms())

	// Publishing after the drop must not panic or deliver.
	b.Emit(ctx, RoomAlerts, KindNewSOS, NewSOSPayload{ID: "s"})
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "hospital_f1", RoomHospital("f1"))
	assert.Equal(t, "dept_civil_defense", RoomDept(domain.DeptCivilDefense))
	assert.Equal(t, "patient_p9", RoomPatient("p9"))
}

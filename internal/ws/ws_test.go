package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/bus"
)

func dial(t *testing.T, srv *httptest.Server, rooms string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?rooms=" + rooms
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *bus.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return &env
}

func TestWebSocketRelaysRoomTraffic(t *testing.T) {
	b := bus.New(bus.NewLocalBroker(), nil)
	defer b.Close()

	h := NewHandler(b, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, bus.RoomAlerts)
	defer conn.Close()

	// The upgrade goroutines need the subscription live before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Emit(context.Background(), bus.RoomAlerts, bus.KindNewAlert,
		map[string]string{"id": "a1"})

	env := readEnvelope(t, conn)
	assert.Equal(t, bus.RoomAlerts, env.Room)
	assert.Equal(t, bus.KindNewAlert, env.Kind)

	var payload map[string]string
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "a1", payload["id"])
}

func TestWebSocketRoomIsolation(t *testing.T) {
	b := bus.New(bus.NewLocalBroker(), nil)
	defer b.Close()

	h := NewHandler(b, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, bus.RoomLivemap)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	b.Emit(context.Background(), bus.RoomAlerts, bus.KindNewAlert, map[string]string{"id": "a1"})
	b.Emit(context.Background(), bus.RoomLivemap, bus.KindMapEvent, map[string]string{"id": "m1"})

	env := readEnvelope(t, conn)
	assert.Equal(t, bus.RoomLivemap, env.Room)
}

func TestWebSocketJoinControlMessage(t *testing.T) {
	b := bus.New(bus.NewLocalBroker(), nil)
	defer b.Close()

	h := NewHandler(b, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "join", Room: "hospital_h1"}))
	time.Sleep(50 * time.Millisecond)

	b.Emit(context.Background(), "hospital_h1", bus.KindHospitalStatus,
		map[string]string{"status": "operational"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "hospital_h1", env.Room)
	assert.Equal(t, bus.KindHospitalStatus, env.Kind)
}

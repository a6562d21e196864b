package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func TestBridgeFetcher_FetchMessages(t *testing.T) {
	sent := time.Date(2026, 8, 20, 14, 5, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/gaza_now/messages", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]interface{}{
				{"message_id": 101, "chat_id": -100123, "channel": "gaza_now",
					"channel_name": "Gaza Now", "text": "انفجار في الميناء",
					"sent_at": sent.Format(time.RFC3339)},
			},
		})
	}))
	defer srv.Close()

	f := NewBridgeFetcher(srv.URL + "/")
	msgs, err := f.FetchMessages(context.Background(), "gaza_now", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(101), msgs[0].MessageID)
	assert.Equal(t, int64(-100123), msgs[0].ChatID)
	assert.Equal(t, "Gaza Now", msgs[0].ChannelName)
	assert.True(t, msgs[0].SentAt.Equal(sent))
}

func TestBridgeFetcher_FetchMessagesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewBridgeFetcher(srv.URL)
	_, err := f.FetchMessages(context.Background(), "gaza_now", 20)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestBridgeFetcher_Join(t *testing.T) {
	status := http.StatusOK
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	f := NewBridgeFetcher(srv.URL)

	require.NoError(t, f.Join(context.Background(), "gaza_now"))
	assert.Equal(t, "/channels/gaza_now/join", path)

	// Already joined counts as success.
	status = http.StatusConflict
	require.NoError(t, f.Join(context.Background(), "gaza_now"))

	status = http.StatusForbidden
	assert.ErrorIs(t, f.Join(context.Background(), "gaza_now"), domain.ErrDependencyUnavailable)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func TestCallRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "  {\"risk\": 70}  "}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	out, err := c.Call(context.Background(), "sys", "user", 500)
	require.NoError(t, err)
	assert.Equal(t, `{"risk": 70}`, out)
}

func TestCallUnconfigured(t *testing.T) {
	c := NewClient("http://unused", "", "m")
	_, err := c.Call(context.Background(), "s", "u", 10)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestCallServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "m")
	_, err := c.Call(context.Background(), "s", "u", 10)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestCallContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, "k", "m")
	_, err := c.Call(ctx, "s", "u", 10)
	require.Error(t, err)
	if !errors.Is(err, domain.ErrDependencyTimeout) {
		assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here is the result:\n{\"a\": {\"b\": 2}}\nDone.", `{"a": {"b": 2}}`},
	}
	for _, tc := range cases {
		got, err := ExtractJSON(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ExtractJSON("no json here")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

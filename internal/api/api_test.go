package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/config"
	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geoevents"
	"github.com/tmt/backend/internal/ingest"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/triage"
	"github.com/tmt/backend/internal/ws"
)

// newTestServer wires the edge without a database. Only routes that never
// reach the store are exercised here; the store-backed paths are covered by
// the service package tests.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{Port: "0", Debug: true, Tuning: config.DefaultTuning()}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	keys, err := crypto.NewKeyring("test-master-secret")
	require.NoError(t, err)

	st := store.New(nil, keys)
	b := bus.New(bus.NewLocalBroker(), logger)
	t.Cleanup(func() { b.Close() })

	ing := ingest.NewRouter(st, b, keys, triage.NewMemoryQueue(8), logger)
	engine := alerts.NewEngine(st, b, logger)
	geo := geoevents.NewService(st, b, logger)
	hub := ws.NewHandler(b, logger, nil)
	sse := ws.NewSSEHandler(b, geo, logger)

	return NewServer(cfg, st, ing, engine, geo, nil, hub, sse, nil, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateSOS_MissingPatient(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "POST", "/api/v1/sos",
		map[string]interface{}{"severity": 3, "patient_status": "injured"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSOS_BadJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/v1/sos", bytes.NewBufferString("{nope"))
	req.Header.Set("X-Patient-ID", "p-1")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulate_FanOutOnly(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Routes(), "POST", "/api/v1/sos/simulate", map[string]interface{}{
		"events": []map[string]interface{}{
			{"latitude": 31.5, "longitude": 34.45, "severity": 4},
			{"latitude": 31.51, "longitude": 34.46},
		},
	}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out["emitted"])
}

func TestAlertAck_MissingFacility(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "POST", "/api/v1/alerts/a-1/ack",
		map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFacilityStatus_InvalidStatus(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "POST", "/api/v1/facilities/f-1/status",
		map[string]string{"status": "thriving"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinChannel_NoPipeline(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "POST", "/api/v1/intel/channels",
		map[string]string{"channel_id": "gaza_now"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIntelSearch_NoPipeline(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Routes(), "GET", "/api/v1/intel/search?q=airstrike", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInboundSMS_BadSignature(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Debug = false
	s.cfg.SMSAuthToken = "carrier-token"

	req := httptest.NewRequest("POST", "/api/v1/sms/inbound",
		bytes.NewBufferString("From=%2B970591234567&Body=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", "bogus")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInboundSMS_MissingSender(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/sms/inbound",
		bytes.NewBufferString("Body=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGeoQueryParsing(t *testing.T) {
	req := httptest.NewRequest("GET",
		"/api/v1/geo/events?hours_back=6&layers=sos,crisis&min_severity=3&include_expired=true&limit=50&source=telegram", nil)
	q := geoQuery(req)

	assert.Equal(t, 6, q.HoursBack)
	assert.Equal(t, []domain.GeoLayer{domain.LayerSOS, domain.LayerCrisis}, q.Layers)
	assert.Equal(t, 3, q.MinSeverity)
	assert.True(t, q.IncludeExpired)
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, domain.AlertFromTelegram, q.Source)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrInvalidPayload, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrDependencyUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestRequestURL(t *testing.T) {
	req := httptest.NewRequest("POST", "http://edge.example/api/v1/sms/inbound?x=1", nil)
	assert.Equal(t, "http://edge.example/api/v1/sms/inbound?x=1", requestURL(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://edge.example/api/v1/sms/inbound?x=1", requestURL(req))
}

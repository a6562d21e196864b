package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/geoevents"
	"github.com/tmt/backend/internal/ingest"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrDependencyUnavailable), errors.Is(err, domain.ErrDependencyTimeout):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidPayload
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// patientID comes from the device header until the auth gateway lands in
// front of this service.
func patientID(r *http.Request) string {
	return r.Header.Get("X-Patient-ID")
}

func (s *Server) handleCreateSOS(w http.ResponseWriter, r *http.Request) {
	pid := patientID(r)
	if pid == "" {
		s.writeError(w, domain.ErrUnauthorized)
		return
	}

	var req ingest.APIRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	sos, err := s.ingest.CreateFromAPI(r.Context(), pid, req)
	if err != nil {
		if dup, ok := domain.AsDuplicate(err); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":      true,
				"sos_id":       dup.PriorID,
				"is_duplicate": true,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"sos_id":  sos.ID,
		"status":  sos.Status,
	})
}

func (s *Server) handleMeshSOS(w http.ResponseWriter, r *http.Request) {
	var req ingest.MeshRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.ingest.CreateFromMesh(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req ingest.SyncRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.ingest.ProcessSync(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []ingest.SimEvent `json:"events"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	emitted := s.ingest.Simulate(r.Context(), req.Events)
	writeJSON(w, http.StatusOK, map[string]int{"emitted": emitted})
}

// handleInboundSMS is the carrier webhook. The carrier expects 200 for
// anything it should not retry, so soft failures still answer ok.
func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, domain.ErrInvalidPayload)
		return
	}

	if !s.cfg.Debug {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		sig := r.Header.Get("X-Carrier-Signature")
		if !crypto.VerifyCarrierSignature(s.cfg.SMSAuthToken, requestURL(r), params, sig) {
			s.writeError(w, domain.ErrUnauthorized)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" {
		s.writeError(w, domain.ErrInvalidPayload)
		return
	}

	result, err := s.ingest.HandleInboundSMS(r.Context(), from, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) handlePatientLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.ingest.UpdatePatientLocation(r.Context(), id, req.Latitude, req.Longitude); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		FacilityID string `json:"facility_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.FacilityID == "" {
		s.writeError(w, domain.ErrInvalidPayload)
		return
	}

	if err := s.alerts.Acknowledge(r.Context(), id, req.FacilityID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAlertFalseAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.alerts.ReportFalseAlarm(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func geoQuery(r *http.Request) geoevents.Query {
	q := geoevents.Query{}
	vals := r.URL.Query()
	if n, err := strconv.Atoi(vals.Get("hours_back")); err == nil {
		q.HoursBack = n
	}
	if n, err := strconv.Atoi(vals.Get("min_severity")); err == nil {
		q.MinSeverity = n
	}
	if n, err := strconv.Atoi(vals.Get("limit")); err == nil {
		q.Limit = n
	}
	if raw := vals.Get("layers"); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			if l = strings.TrimSpace(l); l != "" {
				q.Layers = append(q.Layers, domain.GeoLayer(l))
			}
		}
	}
	q.Source = domain.AlertSource(vals.Get("source"))
	q.IncludeExpired = vals.Get("include_expired") == "true"
	return q
}

func (s *Server) handleGeoEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.geo.List(r.Context(), geoQuery(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleGeoClusters(w http.ResponseWriter, r *http.Request) {
	precision := 0.01
	if p, err := strconv.ParseFloat(r.URL.Query().Get("precision"), 64); err == nil && p > 0 {
		precision = p
	}

	clusters, err := s.geo.Clusters(r.Context(), geoQuery(r), precision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

var validFacilityStatus = map[domain.FacilityStatus]bool{
	domain.FacilityOperational: true,
	domain.FacilityLimited:     true,
	domain.FacilityFull:        true,
	domain.FacilityDestroyed:   true,
}

func (s *Server) handleFacilityStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Status domain.FacilityStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !validFacilityStatus[req.Status] {
		s.writeError(w, domain.ErrInvalidPayload)
		return
	}

	if err := s.store.Facilities.UpdateStatus(r.Context(), id, req.Status); err != nil {
		s.writeError(w, err)
		return
	}

	facility, err := s.store.Facilities.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.alerts.PublishHospitalStatus(r.Context(), facility)

	writeJSON(w, http.StatusOK, facility)
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	if s.intel == nil {
		s.writeError(w, domain.ErrDependencyUnavailable)
		return
	}

	var req struct {
		ChannelID   string `json:"channel_id"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ChannelID == "" {
		s.writeError(w, domain.ErrInvalidPayload)
		return
	}

	if err := s.intel.JoinChannel(r.Context(), req.ChannelID, req.DisplayName); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleIntelSearch(w http.ResponseWriter, r *http.Request) {
	if s.intel == nil {
		s.writeError(w, domain.ErrDependencyUnavailable)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := s.intel.SearchSimilar(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": hits})
}

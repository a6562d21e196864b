package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/llm"
)

func TestRunSteps_DoneStepsNotRerun(t *testing.T) {
	var risk, alert, routing int
	fail := true

	steps := []*commitStep{
		{name: "update risk", run: func() error { risk++; return nil }},
		{name: "create alert", run: func() error { alert++; return nil }},
		{name: "update routing", run: func() error {
			routing++
			if fail {
				return domain.ErrDependencyUnavailable
			}
			return nil
		}},
	}

	err := runSteps(steps)
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Contains(t, err.Error(), "update routing")

	fail = false
	require.NoError(t, runSteps(steps))

	// The retry only re-ran the failed step.
	assert.Equal(t, 1, risk)
	assert.Equal(t, 1, alert)
	assert.Equal(t, 2, routing)
}

func TestRunSteps_SkipsDisabledSteps(t *testing.T) {
	ran := false
	steps := []*commitStep{
		{name: "update risk", skip: true, run: func() error {
			t.Fatal("skipped step ran")
			return nil
		}},
		{name: "update routing", run: func() error { ran = true; return nil }},
	}
	require.NoError(t, runSteps(steps))
	assert.True(t, ran)
}

func TestWithRetries_TransientThenSuccess(t *testing.T) {
	o := &Orchestrator{budgets: Budgets{MaxRetries: 1}}

	attempts := 0
	err := o.withRetries(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return domain.ErrDependencyUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithRetries_TerminalErrorsNotRetried(t *testing.T) {
	o := &Orchestrator{budgets: Budgets{MaxRetries: 2}}

	for _, terminal := range []error{domain.ErrInvalidPayload, domain.ErrNotFound} {
		attempts := 0
		err := o.withRetries(context.Background(), func() error {
			attempts++
			return fmt.Errorf("step: %w", terminal)
		})
		assert.ErrorIs(t, err, terminal)
		assert.Equal(t, 1, attempts)
	}
}

func TestWithRetries_CancelledContext(t *testing.T) {
	o := &Orchestrator{budgets: Budgets{MaxRetries: 3}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := o.withRetries(ctx, func() error {
		attempts++
		return domain.ErrDependencyUnavailable
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func triageItem() (*WorkItem, *Context) {
	sos := &domain.SOSRequest{
		ID:            "sos-1",
		PatientID:     "p-1",
		PatientStatus: domain.StatusTrapped,
		Severity:      4,
		Details:       "trapped under rubble",
		Location:      &domain.Location{Latitude: 31.5, Longitude: 34.45},
	}
	item := NewWorkItem(sos, nil)
	return &item, &Context{SOS: sos}
}

func TestDecide_SoftBudgetExhaustedFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away;
		// otherwise r.Context() never fires and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := llm.NewClient(srv.URL, "test-key", "test-model")
	o := NewOrchestrator(nil, nil, client, nil, Budgets{Soft: time.Millisecond, MaxRetries: 1}, nil)

	item, tc := triageItem()
	res, method := o.decide(context.Background(), tc, item)

	require.NotNil(t, res)
	assert.Equal(t, "fallback", method)
	assert.Equal(t, "keyword_fallback", res.Method)
	assert.Equal(t, domain.DeptCivilDefense, res.Department)
}

func TestDecide_LLMBranch(t *testing.T) {
	replies := []string{
		`{"risk_score": 85, "risk_level": "critical", "risk_factors": ["trapped"],
		  "recommended_facility": {"id": "f-1", "reason": "closest trauma unit"},
		  "response_urgency": "immediate"}`,
		`{"event_type": "building_collapse", "severity": "critical",
		  "routed_department": "civil_defense", "target_facility_id": "",
		  "confidence": 0.9, "reasoning": "collapse indicators"}`,
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := replies[call%len(replies)]
		call++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	defer srv.Close()

	client := llm.NewClient(srv.URL, "test-key", "test-model")
	o := NewOrchestrator(nil, nil, client, nil, Budgets{Soft: 5 * time.Second, MaxRetries: 1}, nil)

	item, tc := triageItem()
	res, method := o.decide(context.Background(), tc, item)

	require.NotNil(t, res)
	assert.Equal(t, "llm", method)
	assert.Equal(t, 2, call)
	assert.Equal(t, domain.EventBuildingCollapse, res.EventType)
	assert.Equal(t, domain.SeverityCritical, res.Severity)
	assert.Equal(t, domain.DeptCivilDefense, res.Department)
	// The risk stage's recommendation fills an empty routing target.
	assert.Equal(t, "f-1", res.TargetFacilityID)
}

func TestDecide_UnconfiguredLLMSkipsStraightToFallback(t *testing.T) {
	client := llm.NewClient("http://localhost:0", "", "test-model")
	o := NewOrchestrator(nil, nil, client, nil, Budgets{Soft: time.Second}, nil)

	item, tc := triageItem()
	res, method := o.decide(context.Background(), tc, item)
	require.NotNil(t, res)
	assert.Equal(t, "fallback", method)
}

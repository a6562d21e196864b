package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/vector"
)

func TestSearchSimilar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/intel/points/search", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 10, req["limit"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{"id": "m-1", "score": 0.92, "payload": map[string]interface{}{
					"channel": "gaza_now", "event_type": "bombing",
				}},
				{"id": "m-2", "score": 0.71},
			},
		})
	}))
	defer srv.Close()

	vec := vector.NewClient(srv.URL, "intel", vector.EmbeddingDim)
	p := NewPipeline(nil, nil, nil, vec, nil, nil, DefaultOptions(), nil)

	hits, err := p.SearchSimilar(context.Background(), "airstrike near the port", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m-1", hits[0].MessageID)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-9)
	assert.Equal(t, "gaza_now", hits[0].Payload["channel"])
}

func TestExtractionSeverity(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, extractionSeverity("critical"))
	assert.Equal(t, domain.SeverityLow, extractionSeverity("low"))
	// Anything off the scale defers to the engine's classification.
	assert.Equal(t, domain.AlertSeverity(""), extractionSeverity("catastrophic"))
	assert.Equal(t, domain.AlertSeverity(""), extractionSeverity(""))
}

func TestSearchSimilar_EmptyQuery(t *testing.T) {
	vec := vector.NewClient("http://localhost:1", "intel", vector.EmbeddingDim)
	p := NewPipeline(nil, nil, nil, vec, nil, nil, DefaultOptions(), nil)

	_, err := p.SearchSimilar(context.Background(), "   ", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestSearchSimilar_VectorStoreDisabled(t *testing.T) {
	vec := vector.NewClient("", "intel", vector.EmbeddingDim)
	p := NewPipeline(nil, nil, nil, vec, nil, nil, DefaultOptions(), nil)

	_, err := p.SearchSimilar(context.Background(), "flooding", 5)
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

// Package vector indexes intel messages into an HTTP vector store so
// analysts can search past reports by similarity. Indexing is best effort;
// the pipeline never blocks on it.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/domain"
)

// Point is one indexed document.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Client talks to a qdrant-style points API. A nil or unconfigured client
// turns every call into a no-op.
type Client struct {
	baseURL    string
	collection string
	dim        int
	http       *http.Client
}

// NewClient builds a client for one collection. Empty baseURL disables
// indexing.
func NewClient(baseURL, collection string, dim int) *Client {
	if dim <= 0 {
		dim = EmbeddingDim
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dim:        dim,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a store endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

// EnsureCollection creates the collection if missing. Safe to call at boot.
func (c *Client) EnsureCollection(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	body, _ := json.Marshal(map[string]interface{}{
		"vectors": map[string]interface{}{"size": c.dim, "distance": "Cosine"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ensure collection: %w", domain.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()
	// 409 means it already exists.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("ensure collection status %d: %w",
			resp.StatusCode, domain.ErrDependencyUnavailable)
	}
	return nil
}

// Upsert writes one point.
func (c *Client) Upsert(ctx context.Context, p Point) error {
	if !c.Enabled() {
		return nil
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	body, err := json.Marshal(map[string]interface{}{"points": []Point{p}})
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/collections/%s/points", c.baseURL, c.collection),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upsert point: %w", domain.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upsert point status %d: %w",
			resp.StatusCode, domain.ErrDependencyUnavailable)
	}
	return nil
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Search returns the closest points to the query vector.
func (c *Client) Search(ctx context.Context, vec []float32, limit int) ([]SearchResult, error) {
	if !c.Enabled() {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"vector":       vec,
		"limit":        limit,
		"with_payload": true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection),
		bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search points: %w", domain.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search points status %d: %w",
			resp.StatusCode, domain.ErrDependencyUnavailable)
	}

	var out struct {
		Result []SearchResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Result, nil
}

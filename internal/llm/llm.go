// Package llm is a narrow chat-completion client for the triage and intel
// analysis stages. It speaks the OpenAI-compatible wire shape so the backing
// model is a deployment choice.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tmt/backend/internal/domain"
)

// Client calls one chat-completion endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient builds a client. An empty apiKey marks the client unconfigured;
// Call then fails fast with ErrDependencyUnavailable so callers fall back to
// keyword heuristics.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends one system+user exchange and returns the assistant text.
// Timeouts surface as domain.ErrDependencyTimeout so the orchestrator can
// retry within its budget.
func (c *Client) Call(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("llm not configured: %w", domain.ErrDependencyUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("chat completion: %w", domain.ErrDependencyTimeout)
		}
		return "", fmt.Errorf("chat completion: %w", domain.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion status %d: %w",
			resp.StatusCode, domain.ErrDependencyUnavailable)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completion: %s: %w",
			out.Error.Message, domain.ErrDependencyUnavailable)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices: %w",
			domain.ErrDependencyUnavailable)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ExtractJSON pulls the first JSON object out of a model reply, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if i := strings.Index(reply, "```"); i >= 0 {
		reply = reply[i+3:]
		reply = strings.TrimPrefix(reply, "json")
		if j := strings.Index(reply, "```"); j >= 0 {
			reply = reply[:j]
		}
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in reply: %w", domain.ErrInvalidPayload)
	}
	return reply[start : end+1], nil
}

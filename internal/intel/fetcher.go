package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmt/backend/internal/domain"
)

// BridgeFetcher reads channels through the MTProto sidecar's HTTP API. The
// sidecar owns the session and the platform credentials; this service only
// ever sees normalized messages.
type BridgeFetcher struct {
	baseURL string
	http    *http.Client
}

// NewBridgeFetcher points the fetcher at the sidecar.
func NewBridgeFetcher(baseURL string) *BridgeFetcher {
	return &BridgeFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type bridgeMessage struct {
	MessageID   int64     `json:"message_id"`
	ChatID      int64     `json:"chat_id"`
	Channel     string    `json:"channel"`
	ChannelName string    `json:"channel_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// FetchMessages returns the newest messages of a channel, most recent last.
func (f *BridgeFetcher) FetchMessages(ctx context.Context, channelID string, limit int) ([]RawMessage, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages?limit=%d",
		f.baseURL, url.PathEscape(channelID), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge fetch %s: %w", channelID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge fetch %s: status %d: %w",
			channelID, resp.StatusCode, domain.ErrDependencyUnavailable)
	}

	var out struct {
		Messages []bridgeMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bridge fetch %s: %w", channelID, err)
	}

	msgs := make([]RawMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, RawMessage{
			MessageID:   m.MessageID,
			ChatID:      m.ChatID,
			Channel:     m.Channel,
			ChannelName: m.ChannelName,
			Text:        m.Text,
			SentAt:      m.SentAt,
		})
	}
	return msgs, nil
}

// Join subscribes the sidecar session to a channel. An already-joined
// channel answers 409 and counts as success.
func (f *BridgeFetcher) Join(ctx context.Context, channelID string) error {
	endpoint := fmt.Sprintf("%s/channels/%s/join", f.baseURL, url.PathEscape(channelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge join %s: %w", channelID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("bridge join %s: status %d: %w",
			channelID, resp.StatusCode, domain.ErrDependencyUnavailable)
	}
	return nil
}

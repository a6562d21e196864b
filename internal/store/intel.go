package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/domain"
)

// IntelRepo archives raw channel messages before any analysis touches them.
type IntelRepo struct {
	db *sql.DB
}

// SaveMessage stores one raw message. A repeat of the same (chat_id,
// message_id) pair is a no-op.
func (r *IntelRepo) SaveMessage(ctx context.Context, m *domain.IntelMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO intel_messages (id, message_id, chat_id, channel,
			channel_name, text, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chat_id, message_id) DO NOTHING`,
		m.ID, m.MessageID, m.ChatID, m.Channel, nullStr(m.ChannelName),
		m.Text, m.SentAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert intel message: %w", err)
	}
	return nil
}

// ListRecentByChannel returns a channel's newest archived messages.
func (r *IntelRepo) ListRecentByChannel(ctx context.Context, channel string, limit int) ([]*domain.IntelMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, chat_id, channel, channel_name, text, sent_at, created_at
		FROM intel_messages WHERE channel = $1
		ORDER BY sent_at DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query intel messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.IntelMessage
	for rows.Next() {
		var m domain.IntelMessage
		var name sql.NullString
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.Channel, &name,
			&m.Text, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ChannelName = name.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

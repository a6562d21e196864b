package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubBroker is a Google Cloud Pub/Sub-backed broker for deployments that
// need durable cross-region fan-out. One topic carries every room; the room
// name rides in a message attribute and subscriptions filter on it
// client-side. Ordering uses the room as the ordering key, matching the
// per-room arrival-order guarantee.
type PubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

// NewPubSubBroker creates (if needed) and attaches to the deployment topic.
func NewPubSubBroker(projectID, topicID string) (*PubSubBroker, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pub/sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubBroker{client: client, topic: topic}, nil
}

func (b *PubSubBroker) Publish(ctx context.Context, room string, data []byte) error {
	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  map[string]string{"room": room},
		OrderingKey: room,
	})
	// Result checked off the hot path; a failed publish resumes the key.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("pub/sub publish failed", "room", room, "error", err)
			b.topic.ResumePublish(room)
		}
	}()
	return nil
}

// Subscribe creates a per-process subscription that receives every room and
// dispatches only the requested one to the handler.
func (b *PubSubBroker) Subscribe(ctx context.Context, room string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	subID := fmt.Sprintf("%s-%s-%s", b.topic.ID(), room, uuid.New().String()[:8])
	createCtx, cancelCreate := context.WithTimeout(ctx, 15*time.Second)
	defer cancelCreate()

	sub, err := b.client.CreateSubscription(createCtx, subID, pubsub.SubscriptionConfig{
		Topic:                 b.topic,
		AckDeadline:           10 * time.Second,
		EnableMessageOrdering: true,
		ExpirationPolicy:      24 * time.Hour,
		Filter:                fmt.Sprintf(`attributes.room = "%s"`, room),
	})
	if err != nil {
		return nil, fmt.Errorf("CreateSubscription: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			handler(msg.Data)
			msg.Ack()
		})
		if err != nil && recvCtx.Err() == nil {
			slog.Warn("pub/sub receive stopped", "room", room, "error", err)
		}
	}()

	return cancel, nil
}

func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancel {
		cancel()
	}
	b.topic.Stop()
	return b.client.Close()
}

// Package bus implements the room-based fan-out layer. Publishers (the HTTP
// edge and background workers) push typed envelopes into named rooms through
// a shared broker; every subscriber of a room receives envelopes in broker
// arrival order regardless of which process published them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmt/backend/internal/domain"
)

// Well-known rooms. Facility, department, and patient rooms are derived.
const (
	RoomAlerts   = "alerts"
	RoomLivemap  = "livemap"
	RoomTelegram = "telegram"
)

// RoomHospital names the per-facility room.
func RoomHospital(facilityID string) string { return "hospital_" + facilityID }

// RoomDept names the per-department room.
func RoomDept(d domain.Department) string { return "dept_" + string(d) }

// RoomPatient names the per-patient room.
func RoomPatient(patientID string) string { return "patient_" + patientID }

// Envelope kinds. Subscribers parse Kind before decoding Payload.
const (
	KindNewSOS             = "new_sos"
	KindNewAlert           = "new_alert"
	KindMapEvent           = "map_event"
	KindSOSResolved        = "sos_resolved"
	KindHospitalStatus     = "hospital_status"
	KindPatientLocation    = "patient_location"
	KindTelegramMessage    = "telegram_message"
	KindTelegramAnalysis   = "telegram_analysis"
	KindTelegramProcessing = "telegram_processing"
)

// Envelope is the discriminated-union message every room emits.
type Envelope struct {
	ID          string          `json:"id"`
	Room        string          `json:"room"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEnvelope marshals payload into a wire envelope for room/kind.
func NewEnvelope(room, kind string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:          uuid.New().String(),
		Room:        room,
		Kind:        kind,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Broker is the shared pub/sub transport keyed by room name. Implementations
// must deliver a published message to every process-level subscription of
// that room.
type Broker interface {
	Publish(ctx context.Context, room string, data []byte) error
	Subscribe(ctx context.Context, room string, handler func([]byte)) (unsubscribe func(), err error)
	Close() error
}

// subscriberBuffer is the per-subscriber high-water mark. A subscriber whose
// queue is full is dropped rather than back-pressuring publishers.
const subscriberBuffer = 256

// Subscriber is one consumer connection. Envelopes for all joined rooms
// arrive on C in room arrival order; the channel is closed when the
// subscriber is dropped or closed.
type Subscriber struct {
	ID    string
	bus   *Bus
	ch    chan *Envelope
	rooms map[string]bool
	once  sync.Once
}

// C returns the delivery channel.
func (s *Subscriber) C() <-chan *Envelope { return s.ch }

// Rooms returns the rooms the subscriber has joined.
func (s *Subscriber) Rooms() []string {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Close removes the subscriber from every room and closes its channel.
func (s *Subscriber) Close() { s.bus.drop(s) }

// Bus multiplexes broker rooms onto local subscribers.
type Bus struct {
	broker Broker
	logger *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]map[*Subscriber]bool // room -> members
	unsubs   map[string]func()               // room -> broker unsubscribe
	closed   bool
}

// New creates a bus over the given broker.
func New(broker Broker, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		broker: broker,
		logger: logger.With("component", "bus"),
		rooms:  make(map[string]map[*Subscriber]bool),
		unsubs: make(map[string]func()),
	}
}

// Subscribe creates a subscriber joined to the given rooms.
func (b *Bus) Subscribe(ctx context.Context, rooms ...string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:    uuid.New().String(),
		bus:   b,
		ch:    make(chan *Envelope, subscriberBuffer),
		rooms: make(map[string]bool),
	}
	for _, room := range rooms {
		if err := b.Join(ctx, sub, room); err != nil {
			b.drop(sub)
			return nil, err
		}
	}
	return sub, nil
}

// Join adds a subscriber to a room, wiring the broker subscription for the
// room on first local member.
func (b *Bus) Join(ctx context.Context, sub *Subscriber, room string) error {
	if strings.TrimSpace(room) == "" {
		return fmt.Errorf("empty room name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Subscriber]bool)
		b.rooms[room] = members

		unsub, err := b.broker.Subscribe(ctx, room, func(data []byte) {
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				b.logger.Warn("dropping undecodable envelope", "room", room, "error", err)
				return
			}
			b.deliver(&env)
		})
		if err != nil {
			delete(b.rooms, room)
			return fmt.Errorf("broker subscribe %s: %w", room, err)
		}
		b.unsubs[room] = unsub
	}

	members[sub] = true
	sub.rooms[room] = true
	return nil
}

// Leave removes a subscriber from one room.
func (b *Bus) Leave(sub *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, room)
}

// Publish sends an envelope through the broker. It never blocks on slow
// subscribers; it fails only if the broker rejects the publish.
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.broker.Publish(ctx, env.Room, data); err != nil {
		return fmt.Errorf("broker publish %s: %w", env.Room, err)
	}
	return nil
}

// Emit builds and publishes an envelope in one call. Broker failures are
// logged, not returned: fan-out must never abort the operation that caused
// it.
func (b *Bus) Emit(ctx context.Context, room, kind string, payload interface{}) {
	env, err := NewEnvelope(room, kind, payload)
	if err != nil {
		b.logger.Error("envelope build failed", "room", room, "kind", kind, "error", err)
		return
	}
	if err := b.Publish(ctx, env); err != nil {
		b.logger.Warn("publish failed", "room", room, "kind", kind, "error", err)
	}
}

// deliver fans an envelope out to the room's local subscribers. A subscriber
// whose buffer is full is dropped from all rooms.
func (b *Bus) deliver(env *Envelope) {
	b.mu.RLock()
	members := make([]*Subscriber, 0, len(b.rooms[env.Room]))
	for sub := range b.rooms[env.Room] {
		members = append(members, sub)
	}
	b.mu.RUnlock()

	for _, sub := range members {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("subscriber over high-water mark, dropping",
				"subscriber", sub.ID, "room", env.Room)
			b.drop(sub)
		}
	}
}

// drop removes a subscriber from every room and closes its channel once.
func (b *Bus) drop(sub *Subscriber) {
	b.mu.Lock()
	for room := range sub.rooms {
		b.removeLocked(sub, room)
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// removeLocked must be called with b.mu held.
func (b *Bus) removeLocked(sub *Subscriber, room string) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, sub)
	delete(sub.rooms, room)

	if len(members) == 0 {
		delete(b.rooms, room)
		if unsub, ok := b.unsubs[room]; ok {
			unsub()
			delete(b.unsubs, room)
		}
	}
}

// Close drops every subscriber and closes the broker.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make(map[*Subscriber]bool)
	for _, members := range b.rooms {
		for sub := range members {
			subs[sub] = true
		}
	}
	b.mu.Unlock()

	for sub := range subs {
		b.drop(sub)
	}
	return b.broker.Close()
}

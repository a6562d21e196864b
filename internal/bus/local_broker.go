package bus

import (
	"context"
	"fmt"
	"sync"
)

// LocalBroker is an in-process broker for tests and single-process dev runs.
// Delivery is synchronous in publish order per room.
type LocalBroker struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]func([]byte)
	closed  bool
}

// NewLocalBroker creates an in-memory broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[int]func([]byte))}
}

func (b *LocalBroker) Publish(_ context.Context, room string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	handlers := make([]func([]byte), 0, len(b.subs[room]))
	for _, h := range b.subs[room] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, room string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	b.nextID++
	id := b.nextID
	if b.subs[room] == nil {
		b.subs[room] = make(map[int]func([]byte))
	}
	b.subs[room][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[room], id)
	}, nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]func([]byte))
	return nil
}

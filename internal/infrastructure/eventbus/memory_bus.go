package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Handlers run synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	log    zerolog.Logger
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(log zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[int]Handler),
		log:  log.With().Str("component", "memory-bus").Logger(),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.SessionID]))
	for _, h := range b.subs[ev.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string, h Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]Handler)
	}
	b.subs[sessionID][id] = h
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
		})
	}
	return unsub, nil
}

func (b *MemoryBus) Health(ctx context.Context) error { return nil }

// SubscriberCount reports how many handlers are registered for a session.
func (b *MemoryBus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

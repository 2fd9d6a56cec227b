package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
)

// MemoryEventBus is an in-process EventBus. It stands in for Redis in
// relay tests.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[chan *entities.CaseEvent]struct{}
	closed      bool
}

// Ensure MemoryEventBus implements EventBus
var _ providers.EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates a new in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: make(map[chan *entities.CaseEvent]struct{}),
	}
}

// Publish delivers event to every current subscriber without blocking
func (b *MemoryEventBus) Publish(_ context.Context, event *entities.CaseEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
			log.Warn().Str("event_id", event.ID).Msg("subscriber channel full, skipping event")
		}
	}
	return nil
}

// Subscribe returns events until ctx is done or the bus is closed
func (b *MemoryEventBus) Subscribe(ctx context.Context) (<-chan *entities.CaseEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	eventChan := make(chan *entities.CaseEvent, subscriberBuffer)
	b.subscribers[eventChan] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[eventChan]; ok {
			delete(b.subscribers, eventChan)
			close(eventChan)
		}
	}()

	return eventChan, nil
}

// Close ends every subscription
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for subscriber := range b.subscribers {
		delete(b.subscribers, subscriber)
		close(subscriber)
	}
	return nil
}

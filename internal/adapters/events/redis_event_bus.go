package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	redisclient "github.com/zatekoja/preauthagent/internal/infrastructure/clients/redis"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 100

// RedisEventBus implements the EventBus interface using Redis Pub/Sub. One
// Redis subscription is shared by every local subscriber.
type RedisEventBus struct {
	client      *redisclient.Client
	channel     string
	pubsub      *redis.PubSub
	subscribers map[chan *entities.CaseEvent]struct{}
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// Ensure RedisEventBus implements EventBus
var _ providers.EventBus = (*RedisEventBus)(nil)

// NewRedisEventBus creates a new Redis-based event bus on channel
func NewRedisEventBus(client *redisclient.Client, channel string) *RedisEventBus {
	if channel == "" {
		channel = providers.EventChannelCaseUpdates
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client:      client,
		channel:     channel,
		subscribers: make(map[chan *entities.CaseEvent]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish publishes an event to every instance subscribed to the bus
func (b *RedisEventBus) Publish(ctx context.Context, event *entities.CaseEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Client().Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().Str("event_id", event.ID).Str("channel", event.Channel).Msg("published case event")
	return nil
}

// Subscribe returns events until ctx is done or the bus is closed
func (b *RedisEventBus) Subscribe(ctx context.Context) (<-chan *entities.CaseEvent, error) {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}

	if b.pubsub == nil {
		pubsub := b.client.Client().Subscribe(b.ctx, b.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
		}
		b.pubsub = pubsub
		go b.receiveMessages(pubsub)
	}

	eventChan := make(chan *entities.CaseEvent, subscriberBuffer)
	b.subscribers[eventChan] = struct{}{}
	subscriberCount := len(b.subscribers)
	b.mu.Unlock()

	log.Info().Str("channel", b.channel).Int("subscribers", subscriberCount).Msg("subscribed to event bus")

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.removeSubscriber(eventChan)
	}()

	return eventChan, nil
}

// receiveMessages decodes Redis messages and fans them out to subscribers
func (b *RedisEventBus) receiveMessages(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event entities.CaseEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().Err(err).Str("channel", b.channel).Msg("failed to unmarshal case event")
				continue
			}

			b.fanOut(&event)
		}
	}
}

func (b *RedisEventBus) fanOut(event *entities.CaseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
			log.Warn().Str("event_id", event.ID).Msg("subscriber channel full, skipping event")
		}
	}
}

func (b *RedisEventBus) removeSubscriber(eventChan chan *entities.CaseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[eventChan]; !ok {
		return
	}
	delete(b.subscribers, eventChan)
	close(eventChan)

	if len(b.subscribers) == 0 && b.pubsub != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
		log.Info().Str("channel", b.channel).Msg("closed event bus subscription")
	}
}

// Close closes the event bus and all subscriptions
func (b *RedisEventBus) Close() error {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for subscriber := range b.subscribers {
		close(subscriber)
		delete(b.subscribers, subscriber)
	}

	if b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		if err != nil {
			return fmt.Errorf("failed to close subscription %s: %w", b.channel, err)
		}
	}

	log.Info().Msg("event bus closed")
	return nil
}

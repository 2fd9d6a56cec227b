package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	"github.com/zatekoja/preauthagent/internal/realtime"
)

// CaseNotifier delivers a case update to one subscriber channel.
type CaseNotifier interface {
	Notify(ctx context.Context, channel string, c *entities.Case) error
}

// RegistryNotifier broadcasts straight into the local registry. It suits a
// single API instance.
type RegistryNotifier struct {
	registry *realtime.Registry
}

// NewRegistryNotifier creates a notifier over registry
func NewRegistryNotifier(registry *realtime.Registry) *RegistryNotifier {
	return &RegistryNotifier{registry: registry}
}

// Notify broadcasts c to channel
func (n *RegistryNotifier) Notify(ctx context.Context, channel string, c *entities.Case) error {
	_, err := n.registry.Broadcast(ctx, channel, c)
	return err
}

// BusNotifier publishes case updates on the event bus so every instance,
// including this one, can broadcast them to its own connections.
type BusNotifier struct {
	bus providers.EventBus
}

// NewBusNotifier creates a notifier over bus
func NewBusNotifier(bus providers.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify publishes c for channel
func (n *BusNotifier) Notify(ctx context.Context, channel string, c *entities.Case) error {
	return n.bus.Publish(ctx, entities.NewCaseEvent(channel, c))
}

// CaseEventRelay feeds events from the bus into the local registry.
type CaseEventRelay struct {
	bus      providers.EventBus
	registry *realtime.Registry
}

// NewCaseEventRelay creates a relay from bus to registry
func NewCaseEventRelay(bus providers.EventBus, registry *realtime.Registry) *CaseEventRelay {
	return &CaseEventRelay{bus: bus, registry: registry}
}

// Run relays until ctx is done or the bus closes the subscription.
func (r *CaseEventRelay) Run(ctx context.Context) error {
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to case events: %w", err)
	}

	log.Info().Msg("case event relay started")
	for event := range events {
		if event == nil || event.Case == nil {
			continue
		}
		delivered, err := r.registry.Broadcast(ctx, event.Channel, event.Case)
		if err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Str("channel", event.Channel).Msg("failed to relay case event")
			continue
		}
		log.Debug().
			Str("event_id", event.ID).
			Str("channel", event.Channel).
			Str("case_id", event.Case.ID).
			Int("delivered", delivered).
			Msg("relayed case event")
	}
	log.Info().Msg("case event relay stopped")
	return nil
}

package providers

import (
	"context"

	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// EventChannelCaseUpdates is the bus channel carrying case events between
// API instances.
const EventChannelCaseUpdates = "preauth:case-updates"

// EventBus defines the interface for publishing and subscribing to case events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, event *entities.CaseEvent) error

	// Subscribe returns a stream of events that ends when ctx is done
	Subscribe(ctx context.Context) (<-chan *entities.CaseEvent, error)

	// Close closes the event bus and all subscriptions
	Close() error
}

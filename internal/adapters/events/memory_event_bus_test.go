package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

func receive(t *testing.T, ch <-chan *entities.CaseEvent) *entities.CaseEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryEventBus_FanOut(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	event := entities.NewCaseEvent(entities.ChannelInsurerQueue, &entities.Case{ID: "c1"})
	require.NoError(t, bus.Publish(ctx, event))

	assert.Equal(t, "c1", receive(t, a).Case.ID)
	assert.Equal(t, "c1", receive(t, b).Case.ID)
}

func TestMemoryEventBus_CancelEndsSubscription(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, ok := <-ch
	assert.False(t, ok)

	assert.Error(t, bus.Publish(ctx, entities.NewCaseEvent("x", &entities.Case{})))
	_, err = bus.Subscribe(ctx)
	assert.Error(t, err)
}

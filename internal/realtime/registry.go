// Package realtime keeps track of live subscriber connections grouped by
// channel and fans case updates out to them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Connection is one live subscriber. Send must be safe to call from any
// goroutine.
type Connection interface {
	ID() string
	Send(ctx context.Context, message []byte) error
}

// Registry maps a channel id to the connections currently subscribed to it.
// The lock guards membership only; it is never held while sending.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[Connection]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[Connection]struct{}),
	}
}

// Connect registers conn under channel. It receives broadcasts from now on.
func (r *Registry) Connect(channel string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[channel] == nil {
		r.channels[channel] = make(map[Connection]struct{})
	}
	r.channels[channel][conn] = struct{}{}

	log.Debug().
		Str("channel", channel).
		Str("connection_id", conn.ID()).
		Int("subscribers", len(r.channels[channel])).
		Msg("connection added to channel")
}

// Disconnect removes conn from channel. Removing an absent connection is a
// no-op.
func (r *Registry) Disconnect(channel string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(channel, conn)
}

func (r *Registry) removeLocked(channel string, conn Connection) bool {
	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := members[conn]; !ok {
		return false
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.channels, channel)
	}

	log.Debug().
		Str("channel", channel).
		Str("connection_id", conn.ID()).
		Msg("connection removed from channel")
	return true
}

// Broadcast serializes payload to JSON and sends it to every connection on
// channel. A connection whose send fails is dropped from the channel and the
// remaining connections still receive the message. It returns the number of
// successful deliveries; an empty channel delivers zero without error.
func (r *Registry) Broadcast(ctx context.Context, channel string, payload interface{}) (int, error) {
	message, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	targets := r.snapshot(channel)
	if len(targets) == 0 {
		return 0, nil
	}

	delivered := 0
	var failed []Connection
	for _, conn := range targets {
		if err := conn.Send(ctx, message); err != nil {
			log.Warn().
				Err(err).
				Str("channel", channel).
				Str("connection_id", conn.ID()).
				Msg("dropping connection after failed send")
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			r.removeLocked(channel, conn)
		}
		r.mu.Unlock()
	}

	log.Debug().
		Str("channel", channel).
		Int("delivered", delivered).
		Int("dropped", len(failed)).
		Msg("broadcast complete")

	return delivered, nil
}

func (r *Registry) snapshot(channel string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]Connection, 0, len(members))
	for conn := range members {
		out = append(out, conn)
	}
	return out
}

// ConnectionCount returns the number of connections on channel.
func (r *Registry) ConnectionCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// TotalConnections returns the number of registrations across all channels.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, members := range r.channels {
		count += len(members)
	}
	return count
}

// ChannelCount returns the number of channels with at least one connection.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Package eventmirror mirrors a Hub's repeated events across a Redis
// pub/sub channel, so multiple streamcore instances behind a load balancer
// can observe each other's connection traffic (the server-side analogue of
// the teacher's room-wide message broadcast, generalized from "a chat
// message in a room" to "any repeated event on any Hub").
package eventmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/streamcore/internal/event"
)

// envelope is the wire format published on the mirror channel.
type envelope struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// Mirror publishes and receives repeated-event firings over a single Redis
// pub/sub channel.
type Mirror struct {
	client  redis.UniversalClient
	channel string
	logger  *log.Logger
}

// New builds a Mirror. client may be any redis.UniversalClient (a
// *redis.Client, a *redis.ClusterClient, or a miniredis-backed client in
// tests) - Subscribe needs the long-lived *PubSub that only UniversalClient
// exposes, unlike the request/response-only Cmdable.
func New(client redis.UniversalClient, channel string, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.Default()
	}
	return &Mirror{client: client, channel: channel, logger: logger}
}

// Publish broadcasts one firing of a named repeated event to every other
// instance subscribed to this Mirror's channel.
func (m *Mirror) Publish(ctx context.Context, name string, data map[string]interface{}) error {
	payload, err := json.Marshal(envelope{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("eventmirror: marshaling %s: %w", name, err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("eventmirror: publishing %s: %w", name, err)
	}
	return nil
}

// MirrorRepeated binds a listener on hub for each name in names that
// publishes every local firing to Redis. Errors are logged, not returned,
// matching the teacher's message store's "log and drop" treatment of Redis
// failures - a mirror outage should never take down local event delivery.
func (m *Mirror) MirrorRepeated(ctx context.Context, hub *event.Hub, names ...string) {
	for _, name := range names {
		name := name
		hub.Repeated(name).Bind(func(data map[string]interface{}) {
			if err := m.Publish(ctx, name, data); err != nil {
				m.logger.Printf("eventmirror: %v", err)
			}
		})
	}
}

// Subscribe listens on the Mirror's channel and fires every received event
// onto hub's matching repeated event, so a remote instance's firing appears
// locally too. It runs until ctx is canceled or the returned stop func is
// called; either can be used, stop is provided for callers that want to
// detach from the subscription without canceling a broader context.
//
// A Mirror that both MirrorRepeated's and Subscribe's the same hub on the
// same channel will re-fire its own locally-originated events back onto
// that hub once Redis echoes them; callers whose listeners are not
// idempotent should route local and mirrored firings through separate
// hubs, or separate channels per instance.
func (m *Mirror) Subscribe(ctx context.Context, hub *event.Hub) (stop func(), err error) {
	ps := m.client.Subscribe(ctx, m.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("eventmirror: subscribing to %s: %w", m.channel, err)
	}

	done := make(chan struct{})
	go func() {
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m.deliver(hub, msg.Payload)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		ps.Close()
	}, nil
}

func (m *Mirror) deliver(hub *event.Hub, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		m.logger.Printf("eventmirror: malformed payload: %v", err)
		return
	}
	hub.Repeated(env.Event).Fire(env.Data)
}

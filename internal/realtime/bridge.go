package realtime

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "rt:events"

// envelope wraps events on the redis channel with the origin instance so
// a node does not re-deliver its own broadcasts.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Bridge fans events out across API instances over redis pub/sub. Local
// delivery happens synchronously; peers receive via the subscription
// loop.
type Bridge struct {
	hub    *Hub
	client *redis.Client
	origin string
}

// NewBridge wires a hub to redis. Run must be started for peer delivery.
func NewBridge(hub *Hub, client *redis.Client) *Bridge {
	return &Bridge{hub: hub, client: client, origin: uuid.NewString()}
}

// Publish delivers locally and forwards to peers. A redis failure only
// loses peer delivery; local observers still hear the event.
func (b *Bridge) Publish(ctx context.Context, evt Event) {
	b.hub.Publish(evt)
	if b.client == nil {
		return
	}
	raw, err := json.Marshal(envelope{Origin: b.origin, Event: evt})
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, bridgeChannel, raw).Err(); err != nil {
		log.Printf("realtime bridge publish failed: %v", err)
	}
}

// Run consumes peer events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	if b.client == nil {
		return
	}
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.Publish(env.Event)
		}
	}
}

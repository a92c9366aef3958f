package feed

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "biasboard:room:"

// RedisBridge relays change events through Redis pub/sub so that rooms served
// by different backend instances still observe each other's mutations. The
// local dispatcher remains the delivery path; the bridge only widens its reach.
type RedisBridge struct {
	client     *redis.Client
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewRedisBridge wires a Redis client to the local dispatcher.
func NewRedisBridge(client *redis.Client, dispatcher *Dispatcher, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, dispatcher: dispatcher, logger: logger}
}

// Publish forwards a local event to the room's Redis channel and to the local
// dispatcher. Redis failures degrade to local-only delivery.
func (b *RedisBridge) Publish(event Event) {
	b.dispatcher.Publish(event)
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("feed event encode failed", zap.Error(err))
		return
	}
	if err := b.client.Publish(context.Background(), channelPrefix+event.RoomID, payload).Err(); err != nil {
		b.logger.Warn("feed event publish failed", zap.String("room_id", event.RoomID), zap.Error(err))
	}
}

// Run subscribes to every room channel and republishes remote events into the
// local dispatcher until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-pubsub.Channel():
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				b.logger.Warn("feed event decode failed", zap.Error(err))
				continue
			}
			if event.RoomID == "" {
				event.RoomID = strings.TrimPrefix(message.Channel, channelPrefix)
			}
			b.dispatcher.Publish(event)
		}
	}
}

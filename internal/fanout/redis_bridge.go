package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatcore-backend/internal/database"
)

// BridgeChannel is the Redis pub/sub channel shared by every node
const BridgeChannel = "fanout:events"

const bridgeRetryDelay = 5 * time.Second

// RedisBridge carries broadcasts between nodes so that a user connected to
// another node still receives events raised here.
type RedisBridge struct {
	client *database.RedisClient
	nodeID string
	log    *zap.Logger
}

// NewRedisBridge creates a bridge identified by nodeID.
func NewRedisBridge(client *database.RedisClient, nodeID string, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{client: client, nodeID: nodeID, log: log}
}

// Publish implements Relay.
func (b *RedisBridge) Publish(ctx context.Context, env *Envelope) error {
	if b.client.IsDegraded() {
		return nil
	}
	out := *env
	out.Origin = b.nodeID
	data, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.SafePublish(ctx, BridgeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Run subscribes to the bridge channel and replays foreign envelopes through
// d until ctx is cancelled. Subscription failures are retried.
func (b *RedisBridge) Run(ctx context.Context, d *Dispatcher) {
	for {
		err := b.subscribe(ctx, d)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("Fanout bridge subscription ended, retrying",
			zap.Duration("retry_in", bridgeRetryDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(bridgeRetryDelay):
		}
	}
}

func (b *RedisBridge) subscribe(ctx context.Context, d *Dispatcher) error {
	pubsub := b.client.SafeSubscribe(ctx, BridgeChannel)
	if pubsub == nil {
		return database.ErrRedisDegraded
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", BridgeChannel, err)
	}
	b.log.Info("Fanout bridge subscribed", zap.String("node_id", b.nodeID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			b.handle(d, msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(d *Dispatcher, payload string) int {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("Failed to unmarshal fanout envelope", zap.Error(err))
		return 0
	}
	if env.Origin == b.nodeID {
		return 0
	}
	return d.DeliverRemote(&env)
}

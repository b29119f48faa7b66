// Package redisrelay carries real-time events between backend instances over a Redis
// pub/sub channel. Every instance re-broadcasts what it receives to its local clients.
package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
)

// LocalPublisher delivers an encoded envelope to this instance's clients.
type LocalPublisher interface {
	PublishMessage(msg events.Message) error
}

// Client is the subset of the go-redis client used by the relay.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Relay publishes events to Redis and feeds events received from Redis to the local hub.
type Relay struct {
	client  Client
	channel string
	local   LocalPublisher
	logger  *zap.Logger

	// subscribed is true while Run holds a confirmed subscription to channel.
	subscribed atomic.Bool
}

// New connects to the Redis server named by url, e.g. redis://localhost:6379/0.
func New(url, channel string, local LocalPublisher, logger *zap.Logger) (*Relay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), channel, local, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, channel string, local LocalPublisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, channel: channel, local: local, logger: logger.Named("redisrelay")}
}

// Ping checks that Redis answers.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (r *Relay) Close() error {
	return r.client.Close()
}

// Publish sends the event to every instance, this one included, through Redis. The event
// is delivered locally instead when Redis is unreachable, when this instance is not
// subscribed or when nobody received it.
func (r *Relay) Publish(ctx context.Context, eventType string, data any) error {
	msg, err := events.NewMessage(eventType, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	receivers, err := r.client.Publish(ctx, r.channel, payload).Result()
	switch {
	case err != nil:
		r.logger.Warn("redis publish failed, delivering locally", zap.String("event", eventType), zap.Error(err))
	case receivers == 0 || !r.subscribed.Load():
		r.logger.Debug("relay subscription down, delivering locally",
			zap.String("event", eventType), zap.Int64("receivers", receivers))
	default:
		return nil
	}

	if localErr := r.local.PublishMessage(msg); localErr != nil {
		return errors.Join(err, localErr)
	}
	return nil
}

// Run subscribes to the channel and forwards every message to the local hub until ctx
// is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so that no published event is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.logger.Info("relaying events through redis", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			r.deliver(m.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var msg events.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Type == "" {
		r.logger.Warn("ignoring malformed relayed event", zap.Error(err))
		return
	}
	if err := r.local.PublishMessage(msg); err != nil {
		r.logger.Warn("local broadcast failed", zap.String("event", msg.Type), zap.Error(err))
	}
}

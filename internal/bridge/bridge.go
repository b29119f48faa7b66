// Package bridge relays node messages from an MQTT broker to the backend ingestion
// endpoint, merging fragmentary messages per node.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agrolink/relay/internal/metrics"
	"agrolink/relay/internal/normalize"
)

// State is the bridge connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Relaying
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Relaying:
		return "relaying"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bridge message results.
const (
	resultReceived  = "received"
	resultForwarded = "forwarded"
	resultDropped   = "dropped"
)

// Outbound keys understood by the ingestion endpoint.
const (
	outNodeID    = "nodeId"
	outTimestamp = "timestamp"
)

// Options configures the MQTT side of the bridge.
type Options struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// Bridge subscribes to <prefix>/+ and forwards one merged record per message.
type Bridge struct {
	opts      Options
	cache     NodeCache
	forwarder Forwarder
	logger    *zap.Logger
	now       func() time.Time
	state     atomic.Int32
}

// New wires a bridge. The cache is owned by the caller.
func New(opts Options, cache NodeCache, forwarder Forwarder, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClientID == "" {
		opts.ClientID = "agrolink-bridge-" + uuid.NewString()[:8]
	}
	opts.TopicPrefix = strings.TrimRight(opts.TopicPrefix, "/")
	return &Bridge{
		opts:      opts,
		cache:     cache,
		forwarder: forwarder,
		logger:    logger.Named("bridge"),
		now:       time.Now,
	}
}

// Topic is the wildcard subscription covering every node.
func (b *Bridge) Topic() string {
	return b.opts.TopicPrefix + "/+"
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	if prev := State(b.state.Swap(int32(s))); prev != s {
		b.logger.Info("bridge state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// HandleMessage parses, merges and forwards one message. It returns the record sent, or
// the delivery error; either way the message is done with.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) (map[string]any, error) {
	metrics.RecordBridgeMessage(resultReceived)
	if b.State() == Subscribed {
		b.setState(Relaying)
	}

	nodeID := NodeIDFromTopic(topic)
	parsed := ParseMessage(payload)
	if _, ok := parsed[MessageKey]; ok {
		b.logger.Debug("unstructured node message", zap.String("node_id", nodeID), zap.String("text", parsed[MessageKey].(string)))
	}

	c := normalize.Normalize(parsed)
	update := make(map[string]any, len(c.Values)+1)
	for f, v := range c.Values {
		update[string(f)] = v.Interface()
	}
	if c.GatewayAddress != "" {
		update[normalize.KeyGatewayAddress] = c.GatewayAddress
	}

	record := b.cache.Merge(nodeID, update)
	record[outNodeID] = nodeID
	record[outTimestamp] = b.now().Unix()

	if err := b.forwarder.Forward(ctx, record); err != nil {
		metrics.RecordBridgeMessage(resultDropped)
		b.logger.Warn("dropping message", zap.String("topic", topic), zap.Error(err))
		return record, err
	}

	metrics.RecordBridgeMessage(resultForwarded)
	b.logger.Debug("message relayed", zap.String("node_id", nodeID), zap.Int("fields", len(record)-2))
	return record, nil
}

// Run connects to the broker and relays messages until ctx is cancelled. Reconnection is
// left to the MQTT client; every (re)connect subscribes again. Messages are handed to a
// worker per node, so a slow backend delays only that node's queue.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.opts.Broker).
		SetClientID(b.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
	}
	if b.opts.Password != "" {
		opts.SetPassword(b.opts.Password)
	}

	workers := newNodeWorkers(ctx, func(ctx context.Context, topic string, payload []byte) {
		_, _ = b.HandleMessage(ctx, topic, payload)
	})
	defer workers.close()

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(b.Topic(), 0, func(_ mqtt.Client, msg mqtt.Message) {
			if !workers.dispatch(msg.Topic(), msg.Payload()) {
				metrics.RecordBridgeMessage(resultReceived)
				metrics.RecordBridgeMessage(resultDropped)
				b.logger.Warn("node queue full, dropping message", zap.String("topic", msg.Topic()))
			}
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				b.logger.Error("subscribe failed", zap.String("topic", b.Topic()), zap.Error(err))
				return
			}
			b.setState(Subscribed)
			b.logger.Info("subscribed", zap.String("topic", b.Topic()))
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("broker connection lost", zap.Error(err))
		b.setState(Connecting)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		b.setState(Connecting)
	})

	client := mqtt.NewClient(opts)
	b.setState(Connecting)
	b.logger.Info("connecting to broker", zap.String("broker", b.opts.Broker), zap.String("client_id", b.opts.ClientID))

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			b.setState(Disconnected)
			return fmt.Errorf("connect to %s: %w", b.opts.Broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	client.Disconnect(250)
	b.setState(Disconnected)

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

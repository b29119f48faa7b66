// Package fanout pushes real-time events to connected dashboard clients over WebSocket.
package fanout

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/metrics"
)

// ErrHubBusy is returned by Publish when the broadcast queue is full.
var ErrHubBusy = errors.New("fanout: broadcast queue full")

// ErrHubStopped is returned by Publish after the hub has shut down.
var ErrHubStopped = errors.New("fanout: hub stopped")

const broadcastBuffer = 256

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan events.Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub creates a hub. Call RunWithContext to start it.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.Named("fanout"),
	}
}

// RunWithContext owns the client set until ctx is cancelled, then closes every client.
// Lifecycle events are drained before broadcasts so that a client registered before a
// publish always receives it.
func (h *Hub) RunWithContext(ctx context.Context) error {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info("websocket client connected", zap.Uint64("client_id", c.id), zap.Int("total_clients", n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info("websocket client disconnected", zap.Uint64("client_id", c.id), zap.Int("total_clients", n))
}

// broadcastToClients delivers in client id order. A client whose buffer is full is dropped.
func (h *Hub) broadcastToClients(msg events.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped []*Client
	for _, c := range h.sortedClients() {
		if !c.trySend(msg) {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		c.close()
		delete(h.clients, c)
		h.logger.Warn("dropping slow websocket client", zap.Uint64("client_id", c.id), zap.String("event", msg.Type))
	}
	if len(dropped) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}

// sortedClients must be called with mu held.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	n := len(h.clients)
	for _, c := range h.sortedClients() {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)
	h.logger.Info("websocket hub stopped", zap.Int("clients_closed", n))
}

// Publish queues an event for every connected client without waiting for delivery.
func (h *Hub) Publish(_ context.Context, eventType string, data any) error {
	msg, err := events.NewMessage(eventType, data)
	if err != nil {
		return err
	}
	return h.PublishMessage(msg)
}

// PublishMessage queues an already encoded envelope.
func (h *Hub) PublishMessage(msg events.Message) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- msg:
		metrics.RecordBroadcast(msg.Type, true)
		return nil
	default:
		metrics.RecordBroadcast(msg.Type, false)
		return ErrHubBusy
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds c to the hub. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c. It is safe to call after the hub stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	// initialReserve keeps room in the send buffer for the connect snapshot.
	initialReserve = 4
)

var clientIDCounter atomic.Uint64

// RequestHandler answers client requests. The returned messages go to the requester only.
type RequestHandler interface {
	Handle(ctx context.Context, msg events.Message) []events.Message
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id      uint64
	hub     *Hub
	conn    *websocket.Conn
	handler RequestHandler
	logger  *zap.Logger

	mu     sync.Mutex
	send   chan events.Message
	closed bool
	// While holding, broadcasts are parked in held until release queues the snapshot.
	holding bool
	held    []events.Message
}

func newClient(hub *Hub, conn *websocket.Conn, handler RequestHandler) *Client {
	id := clientIDCounter.Add(1)
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		handler: handler,
		logger:  hub.logger.With(zap.Uint64("client_id", id)),
		send:    make(chan events.Message, sendBuffer),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// trySend queues msg without blocking. It reports false when the buffer is full or the
// client is closed.
func (c *Client) trySend(msg events.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.holding {
		if len(c.held) >= sendBuffer-initialReserve {
			return false
		}
		c.held = append(c.held, msg)
		return true
	}
	return c.enqueue(msg)
}

// enqueue must be called with mu held.
func (c *Client) enqueue(msg events.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// hold parks broadcasts so that the client can be registered before its snapshot is read.
func (c *Client) hold() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// release queues first ahead of every parked broadcast and resumes direct delivery.
func (c *Client) release(first []events.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.holding, c.held = false, nil
	if c.closed {
		return false
	}
	for _, msg := range append(first, held...) {
		if !c.enqueue(msg) {
			return false
		}
	}
	return true
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump decodes requests until the connection fails, answering each in order.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}

		var replies []events.Message
		var msg events.Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			replies = []events.Message{errorMessage("malformed request: expected {\"type\": ..., \"data\": ...}")}
		} else {
			replies = c.handler.Handle(ctx, msg)
		}

		for _, reply := range replies {
			if !c.trySend(reply) {
				c.logger.Warn("reply dropped", zap.String("event", reply.Type))
			}
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("failed to encode message", zap.String("event", msg.Type), zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package fanout

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards may be served from any origin, as with the HTTP API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades requests to WebSocket connections attached to a hub.
type Handler struct {
	hub      *Hub
	requests *Requests
	logger   *zap.Logger
}

// NewHandler returns the /ws endpoint.
func NewHandler(hub *Hub, requests *Requests) *Handler {
	return &Handler{hub: hub, requests: requests, logger: hub.logger}
}

// ServeHTTP registers the client, queues the initial snapshot ahead of any broadcast
// published meanwhile and serves the client until the connection ends. A reading
// stored while the snapshot is read may arrive both in the snapshot and as an event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h.hub, conn, h.requests)
	c.hold()

	if !h.hub.Register(c) {
		c.close()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	if !c.release(h.requests.Initial(r.Context())) {
		h.logger.Warn("websocket client fell behind during its snapshot", zap.Uint64("client_id", c.id))
		h.hub.Unregister(c)
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump(r.Context())
}

// Package ws streams coordinator events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/pkg/constants"
	apperrors "secureconnect-callcore/pkg/errors"
	"secureconnect-callcore/pkg/metrics"
	"secureconnect-callcore/pkg/response"
)

// Event types carried in an Envelope
const (
	EventSession    = "session"
	EventConnection = "connection"
	EventError      = "error"
	EventIncoming   = "incoming"
)

const clientSendBuffer = 64

// Envelope is one JSON frame on the event stream
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSource is the set of coordinator streams the hub drains
type EventSource interface {
	SessionStates() <-chan domain.CallSession
	ConnectionStates() <-chan domain.ConnectionState
	Errors() <-chan *apperrors.AppError
	IncomingCalls() <-chan domain.CallSession
}

// EventHub is the only consumer of the coordinator streams and fans every
// event out to the connected clients. A client that cannot keep up is
// disconnected rather than allowed to stall the others.
type EventHub struct {
	source   EventSource
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

type eventClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates a hub over source. allowedOrigins empty accepts any
// origin, which suits a loopback-only agent.
func NewEventHub(source EventSource, m *metrics.Metrics, allowedOrigins []string, log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &EventHub{
		source:  source,
		metrics: m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || origins[origin]
			},
		},
		clients:   make(map[*eventClient]struct{}),
		semaphore: make(chan struct{}, constants.MaxEventStreamConnections),
	}
}

// Run drains the streams until they are all closed or ctx is done, then
// disconnects every client.
func (h *EventHub) Run(ctx context.Context) {
	defer h.closeAll()

	sessions := h.source.SessionStates()
	conns := h.source.ConnectionStates()
	errs := h.source.Errors()
	incoming := h.source.IncomingCalls()

	for sessions != nil || conns != nil || errs != nil || incoming != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			h.broadcast(EventSession, s)
		case s, ok := <-conns:
			if !ok {
				conns = nil
				continue
			}
			h.broadcast(EventConnection, gin.H{"state": s})
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.broadcast(EventError, e)
		case s, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			h.broadcast(EventIncoming, s)
		}
	}
}

func (h *EventHub) broadcast(eventType string, data any) {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
			h.recordMessage(eventType, "sent")
		default:
			h.log.Warn("Dropping slow event stream client", zap.String("type", eventType))
			h.recordMessage(eventType, "dropped")
			h.removeLocked(client)
		}
	}
}

// ServeWS upgrades the request and attaches the client to the hub
func (h *EventHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("Event stream connection rejected: max connections reached",
			zap.Int("max_connections", constants.MaxEventStreamConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Too many event stream connections")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &eventClient{hub: h, conn: conn, send: make(chan []byte, clientSendBuffer)}
	if !h.add(client) {
		<-h.semaphore
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(constants.WebSocketWriteWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *EventHub) add(client *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	h.setConnections()
	return true
}

func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *EventHub) removeLocked(client *eventClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	<-h.semaphore
	h.setConnections()
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.removeLocked(client)
	}
}

// ClientCount reports the number of attached clients
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) setConnections() {
	if h.metrics != nil {
		h.metrics.SetEventClients(len(h.clients))
	}
}

func (h *EventHub) recordMessage(eventType, status string) {
	if h.metrics != nil {
		h.metrics.RecordEvent(eventType, status)
	}
}

// readPump only watches for the peer going away. Inbound frames are ignored,
// commands go through the HTTP API.
func (c *eventClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("Event stream closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package realtime pushes session events to dashboards over websockets and,
// optionally, to an AMQP exchange.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wbot/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	sendBuffer     = 16
	pairingTimeout = 30 * time.Second
)

// Event names.
const (
	EventJoin               = "join-session"
	EventRequestPairingCode = "request-pairing-code"
	EventQR                 = "qr"
	EventPairingCode        = "pairing-code"
	EventStatus             = "status"
	EventError              = "error"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type qrData struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
	Image     string `json:"image,omitempty"`
}

type pairingCodeData struct {
	Code string `json:"code"`
}

type statusData struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

type errorData struct {
	Message string `json:"message"`
}

type pairingRequest struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
}

// Sessions is what the hub needs from the session manager.
type Sessions interface {
	Snapshot(tenantID string) (session.Snapshot, bool)
	RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error)
}

// Hub groups websocket clients into per-session rooms.
type Hub struct {
	sessions Sessions
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

var _ session.Publisher = (*Hub)(nil)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a hub.
func NewHub(sessions Sessions, log zerolog.Logger) *Hub {
	return &Hub{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log.With().Str("component", "realtime").Logger(),
		rooms: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	go c.writePump()
	c.readPump()
}

// PublishStatus sends a status change to the session's room.
func (h *Hub) PublishStatus(tenantID string, status session.Status) {
	h.broadcast(tenantID, EventStatus, statusData{SessionID: tenantID, Status: status})
}

// PublishQR sends a fresh QR code to the session's room.
func (h *Hub) PublishQR(tenantID, code, image string) {
	h.broadcast(tenantID, EventQR, qrData{SessionID: tenantID, QR: code, Image: image})
}

// PublishPairingCode sends a pairing code to the session's room.
func (h *Hub) PublishPairingCode(tenantID, code string) {
	h.broadcast(tenantID, EventPairingCode, pairingCodeData{Code: code})
}

// Clients returns how many clients joined tenantID.
func (h *Hub) Clients(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}

func (h *Hub) broadcast(tenantID, event string, data interface{}) {
	msg, err := encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("Could not encode frame")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[tenantID] {
		c.enqueue(msg)
	}
}

func (h *Hub) join(tenantID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[tenantID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[tenantID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leaveAll(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) handle(c *client, f Frame) {
	switch f.Event {
	case EventJoin:
		var tenantID string
		if err := json.Unmarshal(f.Data, &tenantID); err != nil || tenantID == "" {
			c.emit(EventError, errorData{Message: "sessionId required"})
			return
		}
		h.join(tenantID, c)
		h.log.Debug().Str("tenant", tenantID).Msg("Client joined session room")

		// a reloaded dashboard gets the pending pairing material again
		snap, ok := h.sessions.Snapshot(tenantID)
		if !ok {
			return
		}
		if snap.QR != "" {
			c.emit(EventQR, qrData{SessionID: tenantID, QR: snap.QR, Image: snap.QRImage})
		}
		if snap.PairingCode != "" {
			c.emit(EventPairingCode, pairingCodeData{Code: snap.PairingCode})
		}

	case EventRequestPairingCode:
		var req pairingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.SessionID == "" {
			c.emit(EventError, errorData{Message: "Failed to generate code"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pairingTimeout)
		defer cancel()
		code, err := h.sessions.RequestPairingCode(ctx, req.SessionID, req.PhoneNumber)
		if err != nil {
			h.log.Warn().Err(err).Str("tenant", req.SessionID).Msg("Pairing code error")
			c.emit(EventError, errorData{Message: "Failed to generate code"})
			return
		}
		c.emit(EventPairingCode, pairingCodeData{Code: code})

	default:
		h.log.Debug().Str("event", f.Event).Msg("Ignoring unknown event")
	}
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func (c *client) emit(event string, data interface{}) {
	msg, err := encode(event, data)
	if err != nil {
		c.hub.log.Error().Err(err).Str("event", event).Msg("Could not encode frame")
		return
	}
	c.enqueue(msg)
}

// enqueue drops clients that cannot keep up.
func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.hub.log.Warn().Msg("Dropping slow websocket client")
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.hub.leaveAll(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.emit(EventError, errorData{Message: "invalid frame"})
			continue
		}
		c.hub.handle(c, f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

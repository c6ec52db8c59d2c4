package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tabletd.sh/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

type role string

const (
	roleDevice role = "device"
	roleAdmin  role = "admin"
)

// session is a single websocket connection. Devices bind a device ID on
// REGISTER_DEVICE; admins are identified at upgrade time.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	role     role
	deviceID string

	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, r role) *session {
	return &session{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		role: r,
	}
}

func (s *session) setDeviceID(id string) {
	s.mu.Lock()
	s.deviceID = id
	s.mu.Unlock()
}

func (s *session) getDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// enqueue pushes a marshalled envelope to the client, dropping the message
// if the client cannot keep up.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		metrics.GatewayDroppedTotal.WithLabelValues(string(s.role)).Inc()
		s.hub.logger.Warn("Dropping message for slow client",
			"role", s.role,
			"device_id", s.getDeviceID())
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// readPump consumes inbound frames and routes them through the hub's event
// handler. It owns the connection's read side.
func (s *session) readPump() {
	defer func() {
		s.hub.detach(s)
		s.close()
	}()

	if s.conn == nil {
		return
	}

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("Websocket read error",
					"error", err,
					"device_id", s.getDeviceID())
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.hub.logger.Warn("Discarding malformed gateway message", "error", err)
			continue
		}

		metrics.GatewayMessagesTotal.WithLabelValues("inbound", env.Event).Inc()
		s.hub.dispatch(context.Background(), s, env)
	}
}

// writePump flushes the send channel and keeps the connection alive with
// pings. It owns the connection's write side.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	if s.conn == nil {
		return
	}

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"chat-core/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// writeResync tells the client to re-fetch full state before the
// connection drops; resuming the stream would hide the gap.
func (s *Server) writeResync(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(hub.Event{Type: hub.EventResync})
}

// subscribe is the push channel. It opens a hub subscription for the
// authenticated user and streams events until the client disconnects, the
// subscription is released, or the client falls behind and gets a resync
// signal.
func (s *Server) subscribe(conn *websocket.Conn) {
	defer conn.Close()

	uid, _ := conn.Locals("userID").(string)
	clientID := uuid.NewString()

	sub, err := s.hub.Subscribe(context.Background(), clientID, uid)
	if err != nil {
		s.log.Warn("subscribe rejected", "user_id", uid, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown user"),
			time.Now().Add(writeWait))
		return
	}
	defer s.hub.Unsubscribe(sub)

	// The read side only exists to detect disconnects and answer pings;
	// clients never send payload over the push channel.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case e := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug("push write failed", "client_id", clientID, "error", err)
				return
			}
		case <-sub.Resync():
			s.writeResync(conn)
			return
		case <-sub.Done():
			// An overflow raises the resync signal and then releases the
			// subscription, so both channels can be ready here; check the
			// signal before treating this as a plain release.
			select {
			case <-sub.Resync():
				s.writeResync(conn)
			default:
			}
			return
		case <-disconnected:
			return
		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package api

import (
	"net/http"
	"time"

	"possync/internal/events"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to the POS terminal itself; the UI is served from another origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents streams queue and network events to a websocket client. The
// first message is always the current queue status.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	send := make(chan events.Event, sendBuffer)
	initial, err := events.NewJSONEvent(events.EventQueueStatus, s.svc.Status())
	if err == nil {
		send <- initial
	}

	unsubscribe := s.bus.Subscribe(events.Wildcard, func(e *events.Event) error {
		select {
		case send <- *e:
		default:
			s.logger.Warn().Str("type", e.Type).Msg("Websocket client too slow, dropping event")
		}
		return nil
	})

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(conn)

	unsubscribe()
	close(done)
}

// readPump discards client messages and returns when the connection closes.
func (s *HTTPServer) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
	}
}

func (s *HTTPServer) writePump(conn *websocket.Conn, send <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case e := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medilink-signal/internal/coordinator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	eventQueue = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API listens for the local portal only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events streams status snapshots for one call over a WebSocket until the
// call reaches a terminal state or the client goes away.
func (h *CallHandler) Events(c *gin.Context) {
	coord, ok := h.active(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("call_id", coord.CallID()), zap.Error(err))
		return
	}

	send := make(chan coordinator.Status, eventQueue)
	stop := coord.Observe(func(s coordinator.Status) {
		select {
		case send <- s:
			return
		default:
		}
		// slow reader: drop the oldest snapshot, the newest matters most
		select {
		case <-send:
		default:
		}
		select {
		case send <- s:
		default:
		}
	})
	defer stop()

	gone := make(chan struct{})
	go readPump(conn, gone)
	writePump(conn, send, gone, h.log)
}

// readPump discards client frames and signals when the socket closes.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan coordinator.Status, gone <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-gone:
			return
		case s := <-send:
			payload, err := json.Marshal(s)
			if err != nil {
				log.Warn("encode call status", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if s.State.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(s.State)))
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

package broadcast

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 512
	wsPongWait   = 2 * DefaultKeepAlive
	wsCloseGrace = time.Second
)

// WebSocketSink writes events as JSON text frames. Keep-alives become pings.
type WebSocketSink struct {
	conn *websocket.Conn
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Send(ctx context.Context, ev Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	if ev.Kind == KindKeepAlive {
		return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
	}

	b, err := ev.JSON()
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return s.conn.Close()
}

// ReadLoop consumes inbound frames until the peer goes away. The stream is
// one-way, so anything the client sends is discarded. Pongs extend the read
// deadline.
func ReadLoop(conn *websocket.Conn, keepAlive time.Duration) error {
	wait := wsPongWait
	if keepAlive > 0 {
		wait = 2 * keepAlive
	}
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}

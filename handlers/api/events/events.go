package events

import (
	"net/http"

	"msgboard/broadcast"
	"msgboard/handlers/api"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// HandleSSE streams board events as Server-Sent Events until the client
// leaves or the hub drops it.
func HandleSSE(hub *broadcast.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sink, err := broadcast.NewSSESink(w)
		if err != nil {
			logrus.WithError(err).Error("Cannot stream events")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		sub, err := hub.Subscribe("sse", sink)
		if err != nil {
			// Headers are already sent; end the stream.
			return
		}
		defer hub.Unsubscribe(sub)

		select {
		case <-r.Context().Done():
		case <-sub.Done():
		}
	}
}

// HandleWebSocket upgrades the request and streams board events as JSON
// text frames.
func HandleWebSocket(hub *broadcast.Hub, checkOrigin func(*http.Request) bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already replied.
			logrus.WithError(err).Debug("WebSocket upgrade failed")
			return
		}

		sub, err := hub.Subscribe("websocket", broadcast.NewWebSocketSink(conn))
		if err != nil {
			_ = conn.Close()
			return
		}

		err = broadcast.ReadLoop(conn, hub.KeepAliveInterval())
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logrus.WithError(err).WithField("subscriber", sub.ID()).Debug("WebSocket closed")
		}
		hub.Unsubscribe(sub)
	}
}

// HandleHealth reports liveness along with log and subscriber counts.
func HandleHealth(messages interface{ Len() int }, hub *broadcast.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.JSON(w, r, http.StatusOK, map[string]any{
			"status":      "ok",
			"messages":    messages.Len(),
			"subscribers": hub.Len(),
		})
	}
}

// Package websocket serves the board over Socket.IO: clients introduce
// themselves, push and delete messages with acknowledgements, and receive
// live updates from the broadcast hub.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msgboard/broadcast"
	"msgboard/core"
	"msgboard/upload"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	transportName = "socket.io"
	ackTimeout    = 30 * time.Second
)

type (
	// Messages is the message store as seen by socket clients.
	Messages interface {
		List() []core.Message
		Delete(ctx context.Context, id int64) (core.Message, bool, error)
	}

	// Submitter posts text messages on behalf of a client.
	Submitter interface {
		Submit(ctx context.Context, sub upload.Submission) (core.Message, error)
	}

	Options struct {
		AllowedOrigins []string
		MaxBufferSize  int64
	}

	// connection is the per-socket state.
	connection struct {
		socket *socketio.Socket
		mu     sync.RWMutex
		client string
	}

	// socketSink forwards hub events to one socket.
	socketSink struct {
		socket *socketio.Socket
		gone   atomic.Bool
	}
)

// SetupSocketIO builds the Socket.IO server for the board.
func SetupSocketIO(messages Messages, submitter Submitter, hub *broadcast.Hub, o Options) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	if o.MaxBufferSize > 0 {
		opts.SetMaxHttpBufferSize(o.MaxBufferSize)
	}
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigin(o.AllowedOrigins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := &connection{socket: socket}
		log := logrus.WithField("socket", socket.Id())

		sink := &socketSink{socket: socket}
		sub, err := hub.Subscribe(transportName, sink)
		if err != nil {
			log.WithError(err).Warn("Refusing socket, hub is closed")
			socket.Disconnect(true)
			return
		}
		log.Debug("Socket connected")

		socket.On("info", func(datas ...any) {
			ack, args := extractAck(datas)
			name := strings.TrimSpace(stringField(first(args), "name"))
			conn.setClient(name)
			log.WithField("client", name).Info("Received client info")
			if ack != nil {
				ack()
			}
		})

		socket.On("msg_push", func(datas ...any) {
			ack, args := extractAck(datas)
			client := conn.getClient()
			if client == "" {
				reply(ack, nil, "no client info")
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			defer cancel()
			msg, err := submitter.Submit(ctx, upload.Submission{
				Client:  client,
				Content: stringField(first(args), "content"),
			})
			if err != nil {
				log.WithError(err).WithField("client", client).Warn("msg_push rejected")
				reply(ack, nil, err.Error())
				return
			}
			log.WithFields(logrus.Fields{
				"client":     client,
				"message_id": msg.ID,
				"length":     len(msg.Content),
			}).Info("msg_push accepted")
			reply(ack, msg, nil)
		})

		socket.On("msg_sync", func(datas ...any) {
			ack, _ := extractAck(datas)
			msgs := messages.List()
			log.WithField("messages", len(msgs)).Debug("msg_sync")
			if ack != nil {
				ack(msgs)
			}
		})

		socket.On("msg_delete", func(datas ...any) {
			ack, args := extractAck(datas)
			id, err := parseID(first(args))
			if err != nil {
				reply(ack, nil, err.Error())
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			defer cancel()
			msg, found, err := messages.Delete(ctx, id)
			switch {
			case err != nil:
				reply(ack, nil, err.Error())
			case !found:
				reply(ack, nil, core.ErrNotFound.Error())
			default:
				log.WithField("message_id", id).Info("msg_delete accepted")
				reply(ack, msg, nil)
			}
		})

		socket.On("disconnect", func(datas ...any) {
			sink.gone.Store(true)
			// The hub waits for this socket's sink to close; do not block the
			// socket's own event loop on it.
			go hub.Unsubscribe(sub)
			socket.RemoveAllListeners("")
			log.Debug("Socket disconnected")
		})
	})

	return srv
}

func (c *connection) setClient(name string) {
	c.mu.Lock()
	c.client = name
	c.mu.Unlock()
}

func (c *connection) getClient() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (s *socketSink) Send(_ context.Context, ev broadcast.Event) error {
	switch ev.Kind {
	case broadcast.KindCreated:
		if ev.Message == nil {
			return nil
		}
		return s.socket.Emit("msg_update", *ev.Message)
	case broadcast.KindDeleted:
		return s.socket.Emit("msg_delete", map[string]any{"id": ev.ID})
	default:
		// engine.io heartbeats keep the transport alive.
		return nil
	}
}

func (s *socketSink) Close() error {
	if s.gone.CompareAndSwap(false, true) {
		s.socket.Disconnect(true)
	}
	return nil
}

// reply answers with (message, error) the way clients expect.
func reply(ack ackInvoker, msg any, errText any) {
	if ack == nil {
		return
	}
	if m, ok := msg.(core.Message); ok {
		ack(m, errText)
		return
	}
	ack(nil, errText)
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func stringField(payload any, key string) string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

var errInvalidID = errors.New("invalid message id")

// parseID accepts {id: n}, a bare number or a numeric string.
func parseID(payload any) (int64, error) {
	if obj, ok := payload.(map[string]any); ok {
		payload = obj["id"]
	}
	switch v := payload.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, errInvalidID
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errInvalidID
		}
		return id, nil
	default:
		return 0, errInvalidID
	}
}

func corsOrigin(allowed []string) any {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		return "*"
	}
	origins := make([]any, 0, len(allowed))
	for _, o := range allowed {
		origins = append(origins, o)
	}
	return origins
}

package broadcast

import (
	"encoding/json"
	"fmt"

	"msgboard/core"
)

type Kind string

const (
	KindCreated   Kind = "message-created"
	KindDeleted   Kind = "message-deleted"
	KindKeepAlive Kind = "keep-alive"
)

// Event is one notification fanned out to subscribers.
type Event struct {
	Kind    Kind
	Message *core.Message
	ID      int64
}

type deletedPayload struct {
	ID int64 `json:"id"`
}

type envelope struct {
	Type Kind `json:"type"`
	Data any  `json:"data,omitempty"`
}

func Created(msg core.Message) Event {
	return Event{Kind: KindCreated, Message: &msg, ID: msg.ID}
}

func Deleted(id int64) Event {
	return Event{Kind: KindDeleted, ID: id}
}

func KeepAlive() Event {
	return Event{Kind: KindKeepAlive}
}

// Payload returns the JSON body carried by the event.
func (e Event) Payload() ([]byte, error) {
	switch e.Kind {
	case KindCreated:
		if e.Message == nil {
			return nil, fmt.Errorf("%s event without a message", e.Kind)
		}
		return json.Marshal(e.Message)
	case KindDeleted:
		return json.Marshal(deletedPayload{ID: e.ID})
	default:
		return []byte("{}"), nil
	}
}

// SSE frames the event for a text/event-stream response.
func (e Event) SSE() ([]byte, error) {
	if e.Kind == KindKeepAlive {
		return []byte(": keep-alive\n\n"), nil
	}
	data, err := e.Payload()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(e.Kind)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, e.Kind...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// JSON encodes the event as a {type, data} object.
func (e Event) JSON() ([]byte, error) {
	env := envelope{Type: e.Kind}
	switch e.Kind {
	case KindCreated:
		if e.Message == nil {
			return nil, fmt.Errorf("%s event without a message", e.Kind)
		}
		env.Data = e.Message
	case KindDeleted:
		env.Data = deletedPayload{ID: e.ID}
	}
	return json.Marshal(env)
}

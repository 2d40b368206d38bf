package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// wireMessage accepts the loosely typed records older store files contain.
type wireMessage struct {
	ID           json.Number     `json:"id"`
	Client       string          `json:"client"`
	CreateAt     json.RawMessage `json:"createAt"`
	Content      string          `json:"content"`
	AttachmentID string          `json:"attachmentId"`
	MimeType     string          `json:"mimeType"`
	Size         json.Number     `json:"size"`
}

// UnmarshalJSON decodes a state document record by record, so one bad
// record costs that record only.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw struct {
		IDNext   json.RawMessage   `json:"idNext"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.IDNext = 0
	if n, ok := parseInt(raw.IDNext); ok {
		s.IDNext = n
	}
	s.Skipped = 0
	s.Messages = make([]Message, 0, len(raw.Messages))
	for _, rec := range raw.Messages {
		var w wireMessage
		if err := json.Unmarshal(rec, &w); err != nil {
			s.Skipped++
			continue
		}
		id, ok := numberToInt(w.ID)
		if !ok {
			s.Skipped++
			continue
		}
		createAt, _ := parseTimestamp(w.CreateAt)
		size, _ := numberToInt(w.Size)
		s.Messages = append(s.Messages, Message{
			ID:           id,
			Client:       w.Client,
			CreateAt:     createAt,
			Content:      w.Content,
			AttachmentID: w.AttachmentID,
			MimeType:     w.MimeType,
			Size:         size,
		})
	}
	return nil
}

// EncodeState renders the persisted document.
func EncodeState(state *State) ([]byte, error) {
	doc := struct {
		IDNext   int64     `json:"idNext"`
		Messages []Message `json:"messages"`
	}{IDNext: state.IDNext, Messages: state.Messages}
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	return json.Marshal(doc)
}

// DecodeState parses a persisted document. Undecodable input is reported as
// ErrCorruptState.
func DecodeState(data []byte) (*State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptState)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &state, nil
}

func numberToInt(n json.Number) (int64, bool) {
	if n == "" {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func parseInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return numberToInt(n)
}

// parseTimestamp understands epoch milliseconds as a number or string, and
// RFC 3339 strings.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if v, ok := parseInt(raw); ok {
		return v, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	if v, err := strconv.ParseInt(str, 10, 64); err == nil {
		return v, true
	}
	if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}

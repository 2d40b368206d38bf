package core

import (
	"context"
	"encoding/json"
)

// DefaultMimeType is reported for attachments whose type is unknown.
const DefaultMimeType = "application/octet-stream"

type (
	// Message is one post in the board log. It never changes after creation;
	// the only lifecycle transition is removal.
	Message struct {
		ID       int64  `json:"id"`
		Client   string `json:"client"`
		CreateAt int64  `json:"createAt"`
		Content  string `json:"content"`

		// Attachment metadata, present only when the message carries a file.
		AttachmentID string `json:"attachmentId,omitempty"`
		MimeType     string `json:"mimeType,omitempty"`
		Size         int64  `json:"size,omitempty"`
	}

	// Draft is what a caller hands to the message store. The store assigns
	// the id and the creation timestamp.
	Draft struct {
		Client     string
		Content    string
		Attachment *BlobRef
	}

	// BlobRef describes a stored attachment referenced by a draft.
	BlobRef struct {
		ID       string
		MimeType string
		Size     int64
	}

	// State is the persisted form of the whole message log.
	State struct {
		IDNext   int64     `json:"idNext"`
		Messages []Message `json:"messages"`

		// Skipped counts records dropped while decoding because they were
		// malformed. It is never persisted.
		Skipped int `json:"-"`
	}

	// StateStore persists the message log as a single document.
	StateStore interface {
		// Load returns the last saved state, ErrNoState when nothing was
		// saved yet, or an error wrapping ErrCorruptState when the stored
		// document cannot be decoded.
		Load(ctx context.Context) (*State, error)

		// Save atomically replaces the stored document.
		Save(ctx context.Context, state *State) error
	}
)

// HasAttachment reports whether the message references a blob.
func (m Message) HasAttachment() bool {
	return m.AttachmentID != ""
}

// MarshalJSON writes mimeType and size whenever an attachment is present,
// including zero-byte ones.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	out := struct {
		plain
		MimeType *string `json:"mimeType,omitempty"`
		Size     *int64  `json:"size,omitempty"`
	}{plain: plain(m)}
	if m.HasAttachment() {
		out.MimeType = &m.MimeType
		out.Size = &m.Size
	}
	return json.Marshal(out)
}

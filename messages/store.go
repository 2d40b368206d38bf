// Package messages owns the capped, ordered message log: id allocation,
// persistence, FIFO eviction and lifecycle events.
package messages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"msgboard/core"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of messages kept when no capacity is configured.
const DefaultCapacity = 100

type (
	// Store is the message log. All mutations are serialized; reads never
	// wait for a mutation's persistence step.
	Store struct {
		backend  core.StateStore
		capacity int
		now      func() time.Time

		// mutate serializes Add and Delete end to end, persistence included.
		mutate sync.Mutex

		// mu guards the committed state below.
		mu       sync.RWMutex
		messages []core.Message
		idNext   int64

		created Listeners[core.Message]
		trimmed Listeners[[]core.Message]
		deleted Listeners[core.Message]
	}

	Option func(*Store)
)

// WithCapacity sets the maximum number of messages kept.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the persisted log from backend. A missing or corrupt document
// starts an empty log; any other load error is returned.
func Open(ctx context.Context, backend core.StateStore, opts ...Option) (*Store, error) {
	s := &Store{
		backend:  backend,
		capacity: DefaultCapacity,
		now:      time.Now,
		idNext:   1,
		messages: []core.Message{},
		created:  Listeners[core.Message]{name: "created"},
		trimmed:  Listeners[[]core.Message]{name: "trimmed"},
		deleted:  Listeners[core.Message]{name: "deleted"},
	}
	for _, opt := range opts {
		opt(s)
	}

	state, err := backend.Load(ctx)
	switch {
	case errors.Is(err, core.ErrNoState):
		logrus.Info("No stored messages, starting with an empty log")
		return s, nil
	case errors.Is(err, core.ErrCorruptState):
		logrus.WithError(err).Warn("Stored messages are unreadable, starting with an empty log")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load message log: %w", err)
	}

	messages, idNext, report := normalize(state, s.capacity, s.now().UnixMilli())
	s.messages = messages
	s.idNext = idNext

	log := logrus.WithFields(logrus.Fields{
		"messages": len(messages),
		"id_next":  idNext,
	})
	if report.dirty() {
		log.WithFields(logrus.Fields{
			"skipped":   report.skipped,
			"dropped":   report.dropped,
			"coerced":   report.coerced,
			"truncated": report.truncated,
		}).Warn("Normalized stored messages")
	}
	log.Info("Message log loaded")
	return s, nil
}

// Capacity returns the configured maximum log length.
func (s *Store) Capacity() int {
	return s.capacity
}

// Add appends a new message built from draft, evicting the oldest messages
// past capacity, and persists the result. Nothing changes in memory unless
// persistence succeeds. When notify is set the created listeners run; the
// trimmed listeners run whenever messages were evicted.
func (s *Store) Add(ctx context.Context, draft core.Draft, notify bool) (core.Message, error) {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	id := s.idNext
	msg := core.Message{
		ID:       id,
		Client:   draft.Client,
		CreateAt: s.now().UnixMilli(),
		Content:  draft.Content,
	}
	if att := draft.Attachment; att != nil {
		msg.AttachmentID = att.ID
		msg.MimeType = att.MimeType
		msg.Size = att.Size
		if msg.MimeType == "" {
			msg.MimeType = core.DefaultMimeType
		}
	}

	next := make([]core.Message, 0, len(s.messages)+1)
	next = append(next, s.messages...)
	next = append(next, msg)

	var evicted []core.Message
	if over := len(next) - s.capacity; over > 0 {
		evicted = slices.Clone(next[:over])
		next = slices.Clone(next[over:])
	}

	if err := s.persist(ctx, next, id+1); err != nil {
		logrus.WithError(err).WithField("message_id", id).Error("Failed to persist new message")
		return core.Message{}, err
	}
	s.commit(next, id+1)

	logrus.WithFields(logrus.Fields{
		"message_id": id,
		"client":     msg.Client,
		"length":     len(msg.Content),
		"evicted":    len(evicted),
	}).Debug("Message added")

	if notify {
		s.created.emit(msg)
	}
	if len(evicted) > 0 {
		s.trimmed.emit(evicted)
	}
	return msg, nil
}

// Delete removes the message with the given id. The boolean is false when no
// such message exists; that is not an error.
func (s *Store) Delete(ctx context.Context, id int64) (core.Message, bool, error) {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	idx := slices.IndexFunc(s.messages, func(m core.Message) bool { return m.ID == id })
	if idx < 0 {
		return core.Message{}, false, nil
	}
	removed := s.messages[idx]
	next := make([]core.Message, 0, len(s.messages)-1)
	next = append(next, s.messages[:idx]...)
	next = append(next, s.messages[idx+1:]...)

	if err := s.persist(ctx, next, s.idNext); err != nil {
		logrus.WithError(err).WithField("message_id", id).Error("Failed to persist message removal")
		return core.Message{}, false, err
	}
	s.commit(next, s.idNext)

	logrus.WithField("message_id", id).Debug("Message deleted")
	s.deleted.emit(removed)
	return removed, true, nil
}

// List returns a copy of the log, oldest first.
func (s *Store) List() []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Recent returns the newest limit messages, oldest first. A non-positive
// limit returns the whole log.
func (s *Store) Recent(limit int) []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit >= len(s.messages) {
		return slices.Clone(s.messages)
	}
	return slices.Clone(s.messages[len(s.messages)-limit:])
}

// Latest returns the newest message, if any.
func (s *Store) Latest() (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return core.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len returns the current log length.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// FindByAttachment returns the message owning the given attachment.
func (s *Store) FindByAttachment(attachmentID string) (core.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.messages, func(m core.Message) bool {
		return m.AttachmentID != "" && m.AttachmentID == attachmentID
	})
}

// AttachmentIDs returns the set of blob ids referenced by the log.
func (s *Store) AttachmentIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.FilterMap(s.messages, func(m core.Message, _ int) (string, bool) {
		return m.AttachmentID, m.HasAttachment()
	})
	return lo.Keyify(ids)
}

// OnCreated registers fn for newly added messages.
func (s *Store) OnCreated(fn func(core.Message)) (remove func()) {
	return s.created.Add(fn)
}

// OnTrimmed registers fn for batches evicted by capacity, oldest first.
func (s *Store) OnTrimmed(fn func([]core.Message)) (remove func()) {
	return s.trimmed.Add(fn)
}

// OnDeleted registers fn for explicitly deleted messages.
func (s *Store) OnDeleted(fn func(core.Message)) (remove func()) {
	return s.deleted.Add(fn)
}

func (s *Store) persist(ctx context.Context, messages []core.Message, idNext int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := &core.State{IDNext: idNext, Messages: messages}
	if err := s.backend.Save(ctx, state); err != nil {
		return fmt.Errorf("persist message log: %w", err)
	}
	return nil
}

func (s *Store) commit(messages []core.Message, idNext int64) {
	s.mu.Lock()
	s.messages = messages
	s.idNext = idNext
	s.mu.Unlock()
}

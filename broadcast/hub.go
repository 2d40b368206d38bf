// Package broadcast fans message lifecycle events out to live subscribers
// over Server-Sent Events, WebSocket and Socket.IO.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"msgboard/core"
	"msgboard/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKeepAlive    = 25 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBuffer       = 64
)

var ErrHubClosed = errors.New("broadcast hub closed")

type (
	// Sink is one connected consumer. Send is never called concurrently for
	// the same sink.
	Sink interface {
		Send(ctx context.Context, ev Event) error
		Close() error
	}

	// Hub holds the live subscribers. Publish never waits on a subscriber.
	Hub struct {
		keepAlive    time.Duration
		writeTimeout time.Duration
		buffer       int

		mu     sync.RWMutex
		subs   map[uuid.UUID]*Subscriber
		closed bool
	}

	// Subscriber is a registered sink with its own delivery queue.
	Subscriber struct {
		id        uuid.UUID
		transport string
		sink      Sink
		queue     chan Event

		quit     chan struct{}
		quitOnce sync.Once
		done     chan struct{}
	}

	Option func(*Hub)

	// source is the part of the message store the hub follows.
	source interface {
		OnCreated(fn func(core.Message)) (remove func())
		OnTrimmed(fn func([]core.Message)) (remove func())
		OnDeleted(fn func(core.Message)) (remove func())
	}
)

func WithKeepAlive(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithBuffer sets how many events may wait for one subscriber before it is
// dropped as too slow.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		keepAlive:    DefaultKeepAlive,
		writeTimeout: DefaultWriteTimeout,
		buffer:       DefaultBuffer,
		subs:         make(map[uuid.UUID]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (s *Subscriber) ID() uuid.UUID { return s.id }

// Done is closed once the subscriber has been removed and its sink closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Subscribe registers sink and starts delivering events to it.
func (h *Hub) Subscribe(transport string, sink Sink) (*Subscriber, error) {
	sub := &Subscriber{
		id:        uuid.New(),
		transport: transport,
		sink:      sink,
		queue:     make(chan Event, h.buffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	go h.pump(sub)

	metrics.Subscribers.WithLabelValues(transport).Inc()
	logrus.WithFields(logrus.Fields{
		"subscriber": sub.id,
		"transport":  transport,
		"total":      total,
	}).Debug("Subscriber added")
	return sub, nil
}

// Unsubscribe removes sub and waits for its sink to be closed. Calling it
// more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.remove(sub, "")
	<-sub.done
}

// Publish queues ev for every current subscriber. A subscriber whose queue is
// full is removed.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	var slow []*Subscriber
	for _, sub := range h.subs {
		select {
		case sub.queue <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(sub, "slow")
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Run sends keep-alives until ctx is done, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			h.Publish(KeepAlive())
		}
	}
}

// Close removes every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, "")
		<-sub.done
	}
}

// Follow publishes the store's lifecycle events. Trimmed messages are
// announced as deletions. The returned function detaches the hub again.
func (h *Hub) Follow(store source) (stop func()) {
	removers := []func(){
		store.OnCreated(func(msg core.Message) {
			h.Publish(Created(msg))
		}),
		store.OnDeleted(func(msg core.Message) {
			h.Publish(Deleted(msg.ID))
		}),
		store.OnTrimmed(func(evicted []core.Message) {
			for _, msg := range evicted {
				h.Publish(Deleted(msg.ID))
			}
		}),
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

// remove takes sub out of the set and signals its pump to stop. reason is
// empty for a regular unsubscribe.
func (h *Hub) remove(sub *Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()

	sub.quitOnce.Do(func() { close(sub.quit) })
	if !ok {
		return
	}

	metrics.Subscribers.WithLabelValues(sub.transport).Dec()
	log := logrus.WithFields(logrus.Fields{
		"subscriber": sub.id,
		"transport":  sub.transport,
	})
	if reason != "" {
		metrics.SubscribersDropped.WithLabelValues(reason).Inc()
		log.WithField("reason", reason).Warn("Subscriber dropped")
		return
	}
	log.Debug("Subscriber removed")
}

func (h *Hub) pump(sub *Subscriber) {
	defer func() {
		if err := sub.sink.Close(); err != nil {
			logrus.WithError(err).WithField("subscriber", sub.id).Debug("Closing sink failed")
		}
		close(sub.done)
	}()

	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.queue:
			if err := h.deliver(sub, ev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"subscriber": sub.id,
					"transport":  sub.transport,
					"event":      ev.Kind,
				}).Debug("Delivery failed")
				h.remove(sub, "write_error")
				return
			}
		}
	}
}

func (h *Hub) deliver(sub *Subscriber, ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := sub.sink.Send(ctx, ev); err != nil {
		return err
	}
	if ev.Kind != KindKeepAlive {
		metrics.EventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}

// KeepAliveInterval is the period between keep-alive events.
func (h *Hub) KeepAliveInterval() time.Duration {
	return h.keepAlive
}

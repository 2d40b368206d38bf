package cleanup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"msgboard/core"
	"msgboard/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule = "@every 1h"
	DefaultGrace    = 10 * time.Minute

	sweepWorkers = 4
)

type (
	// Referencer reports which blobs are still attached to messages.
	Referencer interface {
		AttachmentIDs() map[string]struct{}
	}

	// InFlight reports the start of the oldest upload whose blob may not be
	// referenced yet.
	InFlight interface {
		OldestInFlight() (time.Time, bool)
	}

	// Janitor periodically removes blobs that no message references.
	Janitor struct {
		refs     Referencer
		blobs    core.BlobStore
		inFlight InFlight
		grace    time.Duration
		now      func() time.Time

		mu      sync.Mutex
		c       *cron.Cron
		running atomic.Bool
	}

	JanitorOption func(*Janitor)
)

// WithGrace sets how old an unreferenced blob must be before it is removed.
func WithGrace(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d >= 0 {
			j.grace = d
		}
	}
}

// WithInFlight makes the sweep leave alone any blob created since the oldest
// upload that is still running, however long that upload takes.
func WithInFlight(src InFlight) JanitorOption {
	return func(j *Janitor) {
		j.inFlight = src
	}
}

func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

func NewJanitor(refs Referencer, blobs core.BlobStore, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		refs:  refs,
		blobs: blobs,
		grace: DefaultGrace,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep deletes unreferenced blobs older than the grace period and returns
// how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	// Read before listing: an upload finishing after this point has its
	// message committed by the time the references are read.
	var (
		busySince time.Time
		busy      bool
	)
	if j.inFlight != nil {
		busySince, busy = j.inFlight.OldestInFlight()
		busySince = busySince.Truncate(time.Millisecond)
	}

	ids, err := j.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}
	refs := j.refs.AttachmentIDs()
	cutoff := j.now().Add(-j.grace)

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)
	for _, id := range ids {
		if _, ok := refs[id]; ok {
			continue
		}
		created, err := core.BlobCreatedAt(id)
		if err != nil || created.After(cutoff) || (busy && !created.Before(busySince)) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if deleteBlob(gctx, j.blobs, id, logrus.Fields{"sweep": true}) {
				removed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(removed.Load())
	metrics.BlobsSwept.Add(float64(n))
	log := logrus.WithFields(logrus.Fields{
		"blobs":   len(ids),
		"removed": n,
	})
	if err != nil {
		log.WithError(err).Warn("Blob sweep interrupted")
		return n, err
	}
	log.Debug("Blob sweep finished")
	return n, nil
}

// Start schedules Sweep. An empty spec leaves the janitor idle.
func (j *Janitor) Start(spec string) error {
	if spec == "" {
		logrus.Info("Blob sweep disabled")
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(spec, j.run); err != nil {
		return fmt.Errorf("schedule blob sweep %q: %w", spec, err)
	}
	c.Start()
	j.c = c

	logrus.WithFields(logrus.Fields{
		"schedule": spec,
		"grace":    j.grace,
	}).Info("Blob sweep scheduled")
	return nil
}

// Stop cancels the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (j *Janitor) run() {
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	defer j.running.Store(false)

	if _, err := j.Sweep(context.Background()); err != nil {
		logrus.WithError(err).Error("Blob sweep failed")
	}
}

package upload

import (
	"sync"
	"time"
)

// inFlight records when each attachment upload still in progress started.
// An upload stays in flight from the first byte written to the blob store
// until its message is committed or the blob is discarded.
type inFlight struct {
	mu     sync.Mutex
	next   uint64
	starts map[uint64]time.Time
}

func (f *inFlight) begin(now time.Time) (done func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starts == nil {
		f.starts = make(map[uint64]time.Time)
	}
	token := f.next
	f.next++
	f.starts[token] = now

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.starts, token)
			f.mu.Unlock()
		})
	}
}

func (f *inFlight) oldest() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		min   time.Time
		found bool
	)
	for _, t := range f.starts {
		if !found || t.Before(min) {
			min, found = t, true
		}
	}
	return min, found
}

// OldestInFlight returns the start time of the oldest attachment upload that
// has not finished yet. Blobs created at or after it may still be waiting for
// their message.
func (c *Coordinator) OldestInFlight() (time.Time, bool) {
	return c.uploads.oldest()
}

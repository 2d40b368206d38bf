package cleanup

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"msgboard/core"
	"msgboard/messages"
	"msgboard/stores/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBlobs wraps a memory blob store and counts deletes per id.
type countingBlobs struct {
	*memory.BlobStore

	mu      sync.Mutex
	deletes map[string]int
}

func newCountingBlobs() *countingBlobs {
	return &countingBlobs{BlobStore: memory.NewBlobStore(), deletes: make(map[string]int)}
}

func (c *countingBlobs) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	c.deletes[id]++
	c.mu.Unlock()
	return c.BlobStore.Delete(ctx, id)
}

func (c *countingBlobs) deleteCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.deletes))
	for k, v := range c.deletes {
		out[k] = v
	}
	return out
}

func saveBlob(t *testing.T, blobs core.BlobStore, data string) core.BlobInfo {
	t.Helper()
	info, err := blobs.Save(context.Background(), bytes.NewReader([]byte(data)))
	require.NoError(t, err)
	return info
}

func addWithBlob(t *testing.T, store *messages.Store, info core.BlobInfo) core.Message {
	t.Helper()
	msg, err := store.Add(context.Background(), core.Draft{
		Client:     "A",
		Content:    "file",
		Attachment: &core.BlobRef{ID: info.ID, MimeType: "text/plain", Size: info.Size},
	}, true)
	require.NoError(t, err)
	return msg
}

func TestEvictionDeletesEachAttachmentOnce(t *testing.T) {
	store, err := messages.Open(context.Background(), memory.NewStateStore(), messages.WithCapacity(2))
	require.NoError(t, err)
	blobs := newCountingBlobs()
	cascade := Attach(store, blobs)

	a := saveBlob(t, blobs, "a")
	b := saveBlob(t, blobs, "b")
	c := saveBlob(t, blobs, "c")

	addWithBlob(t, store, a)
	_, err = store.Add(context.Background(), core.Draft{Client: "A", Content: "text"}, true)
	require.NoError(t, err)
	addWithBlob(t, store, b)
	addWithBlob(t, store, c)
	cascade.Wait()

	assert.Equal(t, map[string]int{a.ID: 1}, blobs.deleteCounts())
	assert.False(t, blobs.Exists(context.Background(), a.ID))
	assert.True(t, blobs.Exists(context.Background(), b.ID))
	assert.True(t, blobs.Exists(context.Background(), c.ID))
}

func TestDeleteRemovesAttachment(t *testing.T) {
	store, err := messages.Open(context.Background(), memory.NewStateStore())
	require.NoError(t, err)
	blobs := newCountingBlobs()
	cascade := Attach(store, blobs)

	info := saveBlob(t, blobs, "payload")
	msg := addWithBlob(t, store, info)

	_, _, err = store.Delete(context.Background(), msg.ID)
	require.NoError(t, err)
	_, _, err = store.Delete(context.Background(), msg.ID)
	require.NoError(t, err)
	cascade.Wait()

	assert.Equal(t, map[string]int{info.ID: 1}, blobs.deleteCounts())

	cascade.Detach()
	other := addWithBlob(t, store, saveBlob(t, blobs, "kept"))
	_, _, err = store.Delete(context.Background(), other.ID)
	require.NoError(t, err)
	cascade.Wait()
	assert.Len(t, blobs.deleteCounts(), 1)
}

func TestSweepRemovesOldOrphans(t *testing.T) {
	store, err := messages.Open(context.Background(), memory.NewStateStore())
	require.NoError(t, err)
	blobs := newCountingBlobs()

	referenced := saveBlob(t, blobs, "kept")
	addWithBlob(t, store, referenced)
	orphanA := saveBlob(t, blobs, "orphan a")
	orphanB := saveBlob(t, blobs, "orphan b")

	// Fresh orphans are inside the grace period.
	j := NewJanitor(store, blobs, WithGrace(time.Hour))
	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	j = NewJanitor(store, blobs, WithGrace(time.Hour), WithJanitorClock(later))
	n, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, map[string]int{orphanA.ID: 1, orphanB.ID: 1}, blobs.deleteCounts())
	assert.True(t, blobs.Exists(context.Background(), referenced.ID))
}

type fixedInFlight struct {
	since time.Time
	busy  bool
}

func (f fixedInFlight) OldestInFlight() (time.Time, bool) {
	return f.since, f.busy
}

func TestSweepSkipsBlobsOfRunningUploads(t *testing.T) {
	store, err := messages.Open(context.Background(), memory.NewStateStore())
	require.NoError(t, err)
	blobs := newCountingBlobs()

	stale := saveBlob(t, blobs, "stale")
	time.Sleep(5 * time.Millisecond)
	uploadStarted := time.Now()
	pending := saveBlob(t, blobs, "still uploading")

	// Long past the grace period for both blobs, but the upload that
	// produced the second one has not stored its message yet.
	later := func() time.Time { return time.Now().Add(24 * time.Hour) }
	j := NewJanitor(store, blobs,
		WithGrace(time.Minute),
		WithJanitorClock(later),
		WithInFlight(fixedInFlight{since: uploadStarted, busy: true}),
	)
	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]int{stale.ID: 1}, blobs.deleteCounts())
	assert.True(t, blobs.Exists(context.Background(), pending.ID))

	j = NewJanitor(store, blobs,
		WithGrace(time.Minute),
		WithJanitorClock(later),
		WithInFlight(fixedInFlight{}),
	)
	n, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, blobs.Exists(context.Background(), pending.ID))
}

func TestJanitorSchedule(t *testing.T) {
	store, err := messages.Open(context.Background(), memory.NewStateStore())
	require.NoError(t, err)
	blobs := newCountingBlobs()
	j := NewJanitor(store, blobs)

	require.NoError(t, j.Start(""))
	j.Stop()

	assert.Error(t, j.Start("not a schedule"))

	require.NoError(t, j.Start("@every 1h"))
	require.NoError(t, j.Start("@every 1h"), "starting twice is harmless")
	j.Stop()
	j.Stop()
}

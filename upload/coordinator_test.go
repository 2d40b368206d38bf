package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgboard/core"
	"msgboard/stores/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAppender records drafts and can be told to fail.
type fakeAppender struct {
	mu     sync.Mutex
	drafts []core.Draft
	err    error
}

func (f *fakeAppender) Add(ctx context.Context, draft core.Draft, notify bool) (core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return core.Message{}, f.err
	}
	f.drafts = append(f.drafts, draft)
	msg := core.Message{
		ID:       int64(len(f.drafts)),
		Client:   draft.Client,
		CreateAt: 1,
		Content:  draft.Content,
	}
	if draft.Attachment != nil {
		msg.AttachmentID = draft.Attachment.ID
		msg.MimeType = draft.Attachment.MimeType
		msg.Size = draft.Attachment.Size
	}
	return msg, nil
}

type part struct {
	field, filename, contentType string
	body                         []byte
}

func multipartBody(t *testing.T, parts ...part) *multipart.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disposition := `form-data; name="` + p.field + `"`
		if p.filename != "" || p.field == FileField {
			disposition += `; filename="` + p.filename + `"`
		}
		h.Set("Content-Disposition", disposition)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return multipart.NewReader(&buf, w.Boundary())
}

func field(name, value string) part {
	return part{field: name, body: []byte(value)}
}

func blobCount(t *testing.T, blobs *memory.BlobStore) int {
	t.Helper()
	ids, err := blobs.List(context.Background())
	require.NoError(t, err)
	return len(ids)
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestSubmitText(t *testing.T) {
	app := &fakeAppender{}
	c := New(memory.NewBlobStore(), app, Limits{})

	msg, err := c.Submit(context.Background(), Submission{Client: "  A ", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "A", msg.Client)
	assert.Equal(t, "hi", msg.Content)
}

func TestSubmitValidation(t *testing.T) {
	c := New(memory.NewBlobStore(), &fakeAppender{}, Limits{MaxTextBytes: 4})
	ctx := context.Background()

	var vErr *core.ValidationError
	_, err := c.Submit(ctx, Submission{Content: "hi"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "client", vErr.Field)

	_, err = c.Submit(ctx, Submission{Client: "A"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "content", vErr.Field)

	_, err = c.Submit(ctx, Submission{Client: "A", Content: "too long"})
	assert.ErrorIs(t, err, core.ErrTooLarge)
}

func TestSubmitJSON(t *testing.T) {
	app := &fakeAppender{}
	c := New(memory.NewBlobStore(), app, Limits{})

	msg, err := c.SubmitJSON(context.Background(), strings.NewReader(`{"client":"A","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	_, err = c.SubmitJSON(context.Background(), strings.NewReader(`{"client":`))
	var vErr *core.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestSubmitMultipartWithAttachment(t *testing.T) {
	blobs := memory.NewBlobStore()
	app := &fakeAppender{}
	c := New(blobs, app, Limits{})

	msg, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "cat.png", body: pngHeader},
	))
	require.NoError(t, err)

	assert.Equal(t, "cat.png", msg.Content, "filename stands in for a missing caption")
	assert.Equal(t, "image/png", msg.MimeType)
	assert.Equal(t, int64(len(pngHeader)), msg.Size)
	assert.True(t, blobs.Exists(context.Background(), msg.AttachmentID))
}

func TestSubmitMultipartKeepsDeclaredType(t *testing.T) {
	c := New(memory.NewBlobStore(), &fakeAppender{}, Limits{})

	msg, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		field("content", "notes"),
		part{field: FileField, filename: "a.md", contentType: "text/markdown", body: []byte("# hi")},
	))
	require.NoError(t, err)
	assert.Equal(t, "notes", msg.Content)
	assert.Equal(t, "text/markdown", msg.MimeType)
}

func TestSubmitMultipartEmptyFileInputIsIgnored(t *testing.T) {
	blobs := memory.NewBlobStore()
	c := New(blobs, &fakeAppender{}, Limits{})

	msg, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		field("content", "text only"),
		part{field: FileField, contentType: "application/octet-stream"},
	))
	require.NoError(t, err)
	assert.False(t, msg.HasAttachment())
	assert.Zero(t, blobCount(t, blobs))
}

func TestSubmitMultipartExtraFilesAreDropped(t *testing.T) {
	blobs := memory.NewBlobStore()
	c := New(blobs, &fakeAppender{}, Limits{})

	msg, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "one.txt", body: []byte("one")},
		part{field: "other", filename: "two.txt", body: []byte("two")},
	))
	require.NoError(t, err)
	assert.Equal(t, "one.txt", msg.Content)
	assert.Equal(t, 1, blobCount(t, blobs))
}

func TestSubmitMultipartMissingClientRemovesBlob(t *testing.T) {
	blobs := memory.NewBlobStore()
	app := &fakeAppender{}
	c := New(blobs, app, Limits{})

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		part{field: FileField, filename: "cat.png", body: pngHeader},
		field("content", "caption"),
	))
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "client", vErr.Field)
	assert.Zero(t, blobCount(t, blobs))
	assert.Empty(t, app.drafts)
}

// savingBlobs counts Save calls on top of the memory store.
type savingBlobs struct {
	*memory.BlobStore
	saves atomic.Int32
}

func (s *savingBlobs) Save(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	s.saves.Add(1)
	return s.BlobStore.Save(ctx, r)
}

func TestSubmitMultipartBlankClientSkipsBlobWrite(t *testing.T) {
	blobs := &savingBlobs{BlobStore: memory.NewBlobStore()}
	app := &fakeAppender{}
	c := New(blobs, app, Limits{})

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "   "),
		part{field: FileField, filename: "cat.png", body: pngHeader},
	))
	var vErr *core.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "client", vErr.Field)
	assert.Zero(t, blobs.saves.Load())
	assert.Empty(t, app.drafts)
}

// hookAppender runs a callback before storing the draft.
type hookAppender struct {
	fakeAppender
	before func()
}

func (h *hookAppender) Add(ctx context.Context, draft core.Draft, notify bool) (core.Message, error) {
	h.before()
	return h.fakeAppender.Add(ctx, draft, notify)
}

func TestUploadInFlightUntilMessageStored(t *testing.T) {
	start := time.Now()
	app := &hookAppender{}
	c := New(memory.NewBlobStore(), app, Limits{})

	var (
		oldest   time.Time
		inFlight bool
	)
	app.before = func() { oldest, inFlight = c.OldestInFlight() }

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "a.txt", body: []byte("abc")},
	))
	require.NoError(t, err)
	assert.True(t, inFlight, "upload must be tracked while its message is stored")
	assert.False(t, oldest.Before(start))

	_, inFlight = c.OldestInFlight()
	assert.False(t, inFlight)

	// Text-only posts are never tracked.
	app.before = func() { _, inFlight = c.OldestInFlight() }
	_, err = c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		field("content", "hi"),
	))
	require.NoError(t, err)
	assert.False(t, inFlight)
}

func TestInFlightOldest(t *testing.T) {
	var f inFlight
	_, ok := f.oldest()
	assert.False(t, ok)

	t0 := time.Unix(100, 0)
	doneA := f.begin(t0)
	doneB := f.begin(t0.Add(time.Second))
	got, ok := f.oldest()
	require.True(t, ok)
	assert.Equal(t, t0, got)

	doneA()
	doneA()
	got, _ = f.oldest()
	assert.Equal(t, t0.Add(time.Second), got)

	doneB()
	_, ok = f.oldest()
	assert.False(t, ok)
}

func TestSubmitMultipartAddFailureRemovesBlob(t *testing.T) {
	blobs := memory.NewBlobStore()
	boom := errors.New("persist failed")
	c := New(blobs, &fakeAppender{err: boom}, Limits{})

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "a.bin", body: []byte("payload")},
	))
	require.ErrorIs(t, err, boom)
	assert.Zero(t, blobCount(t, blobs))
}

func TestSubmitMultipartAttachmentTooLarge(t *testing.T) {
	blobs := memory.NewBlobStore()
	c := New(blobs, &fakeAppender{}, Limits{MaxAttachmentBytes: 8})

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "big.bin", body: bytes.Repeat([]byte("x"), 9)},
	))
	require.ErrorIs(t, err, core.ErrTooLarge)
	assert.Zero(t, blobCount(t, blobs))

	msg, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "ok.bin", body: bytes.Repeat([]byte("x"), 8)},
	))
	require.NoError(t, err)
	assert.Equal(t, int64(8), msg.Size)
}

func TestSubmitMultipartContentTooLarge(t *testing.T) {
	blobs := memory.NewBlobStore()
	c := New(blobs, &fakeAppender{}, Limits{MaxTextBytes: 4})

	_, err := c.SubmitMultipart(context.Background(), multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "a.txt", body: []byte("abc")},
		field("content", "12345"),
	))
	require.ErrorIs(t, err, core.ErrTooLarge)
	assert.Zero(t, blobCount(t, blobs))
}

func TestSubmitMultipartCanceledRequestStillCleansUp(t *testing.T) {
	blobs := memory.NewBlobStore()
	ctx, cancel := context.WithCancel(context.Background())
	app := &cancelingAppender{cancel: cancel}
	c := New(blobs, app, Limits{})

	_, err := c.SubmitMultipart(ctx, multipartBody(t,
		field("client", "A"),
		part{field: FileField, filename: "a.txt", body: []byte("abc")},
	))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, blobCount(t, blobs))
}

// cancelingAppender simulates a client disconnecting while the message is
// being stored.
type cancelingAppender struct {
	cancel context.CancelFunc
}

func (c *cancelingAppender) Add(ctx context.Context, _ core.Draft, _ bool) (core.Message, error) {
	c.cancel()
	return core.Message{}, ctx.Err()
}

func TestResolveMimeType(t *testing.T) {
	assert.Equal(t, "image/png", resolveMimeType("", pngHeader))
	assert.Equal(t, "image/png", resolveMimeType("application/octet-stream", pngHeader))
	assert.Equal(t, "text/csv", resolveMimeType("text/csv", []byte("a,b")))
	assert.Equal(t, core.DefaultMimeType, resolveMimeType("", nil))
	assert.Equal(t, "text/plain; charset=utf-8", resolveMimeType("", []byte("plain words")))
}

func TestCappedReader(t *testing.T) {
	r := &cappedReader{r: strings.NewReader("12345"), limit: 5}
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	r = &cappedReader{r: strings.NewReader("123456"), limit: 5}
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, core.ErrTooLarge)
}

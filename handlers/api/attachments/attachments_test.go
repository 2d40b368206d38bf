package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"msgboard/core"
	"msgboard/stores/memory"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owners map[string]core.Message

func (o owners) FindByAttachment(id string) (core.Message, bool) {
	m, ok := o[id]
	return m, ok
}

func newRouter(o Owners, blobs Blobs) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/api/attachments/{id}", HandleGet(o, blobs))
	return r
}

func TestServeImageInline(t *testing.T) {
	blobs := memory.NewBlobStore()
	info, err := blobs.Save(context.Background(), bytes.NewReader([]byte("fake png")))
	require.NoError(t, err)
	r := newRouter(owners{info.ID: {ID: 1, Content: "cat.png", AttachmentID: info.ID, MimeType: "image/png", Size: info.Size}}, blobs)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+info.ID, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "8", rr.Header().Get("Content-Length"))
	assert.Equal(t, `inline; filename=cat.png`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rr.Header().Get("Content-Security-Policy"), "sandbox")
	assert.Equal(t, "fake png", rr.Body.String())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+info.ID+"?download=1", nil))
	assert.Equal(t, `attachment; filename=cat.png`, rr.Header().Get("Content-Disposition"))
}

func TestServeOtherTypesAsAttachment(t *testing.T) {
	blobs := memory.NewBlobStore()
	info, err := blobs.Save(context.Background(), bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)
	r := newRouter(owners{info.ID: {ID: 1, Content: "my report.pdf", AttachmentID: info.ID}}, blobs)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+info.ID, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, core.DefaultMimeType, rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="my report.pdf"`, rr.Header().Get("Content-Disposition"))
}

func TestServeSVGAsSandboxedAttachment(t *testing.T) {
	blobs := memory.NewBlobStore()
	info, err := blobs.Save(context.Background(), bytes.NewReader([]byte(`<svg><script>alert(1)</script></svg>`)))
	require.NoError(t, err)
	r := newRouter(owners{info.ID: {ID: 1, Content: "logo.svg", AttachmentID: info.ID, MimeType: "image/svg+xml; charset=utf-8"}}, blobs)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+info.ID, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `attachment; filename=logo.svg`, rr.Header().Get("Content-Disposition"))
	assert.Contains(t, rr.Header().Get("Content-Security-Policy"), "sandbox")
}

func TestInlineSafe(t *testing.T) {
	assert.True(t, inlineSafe("image/png"))
	assert.True(t, inlineSafe("IMAGE/JPEG"))
	assert.False(t, inlineSafe("image/svg+xml"))
	assert.False(t, inlineSafe("text/html"))
	assert.False(t, inlineSafe("not a type/"))
}

func TestServeErrors(t *testing.T) {
	blobs := memory.NewBlobStore()
	orphan, err := blobs.Save(context.Background(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	missing := core.NewBlobID()
	r := newRouter(owners{missing: {ID: 2, AttachmentID: missing}}, blobs)

	for name, tt := range map[string]struct {
		id     string
		status int
	}{
		"malformed id": {"not-an-id", http.StatusBadRequest},
		"no owner":     {orphan.ID, http.StatusNotFound},
		"blob gone":    {missing, http.StatusNotFound},
		"unknown id":   {core.NewBlobID(), http.StatusNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+tt.id, nil))
			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

// brokenBlobs serves a body that fails halfway.
type brokenBlobs struct{}

func (brokenBlobs) Stat(ctx context.Context, id string) (core.BlobInfo, error) {
	return core.BlobInfo{ID: id, Size: 100}, nil
}

func (brokenBlobs) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(bytes.NewReader([]byte("partial")), errReader{})), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk error") }

func TestServeAbortsOnCopyError(t *testing.T) {
	id := core.NewBlobID()
	r := newRouter(owners{id: {ID: 1, AttachmentID: id}}, brokenBlobs{})

	rr := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/"+id, nil))
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFilename(t *testing.T) {
	id := core.NewBlobID()
	assert.Equal(t, "cat.png", Filename("cat.png", id))
	assert.Equal(t, "_etc_passwd", Filename("../etc/passwd", id))
	assert.Equal(t, "a_b", Filename("a\nb", id))
	assert.Equal(t, id, Filename("", id))
	assert.Equal(t, id, Filename("///", id))
	assert.Equal(t, id, Filename(" .. ", id))
}

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"msgboard/core"
	"msgboard/handlers/api"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type (
	// Owners finds the message an attachment belongs to.
	Owners interface {
		FindByAttachment(id string) (core.Message, bool)
	}

	Blobs interface {
		Stat(ctx context.Context, id string) (core.BlobInfo, error)
		Open(ctx context.Context, id string) (io.ReadCloser, error)
	}
)

// HandleGet streams an attachment. Images render inline unless ?download=1.
func HandleGet(owners Owners, blobs Blobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := core.ValidateBlobID(id); err != nil {
			api.Error(w, r, err)
			return
		}

		msg, ok := owners.FindByAttachment(id)
		if !ok {
			api.Error(w, r, fmt.Errorf("attachment %s: %w", id, core.ErrNotFound))
			return
		}

		info, err := blobs.Stat(r.Context(), id)
		if err != nil {
			api.Error(w, r, err)
			return
		}
		body, err := blobs.Open(r.Context(), id)
		if err != nil {
			api.Error(w, r, err)
			return
		}
		defer body.Close()

		mimeType := msg.MimeType
		if mimeType == "" {
			mimeType = core.DefaultMimeType
		}
		disposition := "attachment"
		if inlineSafe(mimeType) && !forceDownload(r) {
			disposition = "inline"
		}

		h := w.Header()
		h.Set("Content-Type", mimeType)
		h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{
			"filename": Filename(msg.Content, id),
		}))
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "sandbox; default-src 'none'; img-src 'self'; style-src 'unsafe-inline'")
		h.Set("Cache-Control", "private, max-age=86400")
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, body); err != nil {
			if !errors.Is(err, context.Canceled) {
				logrus.WithError(err).WithField("blob_id", id).Warn("Attachment transfer aborted")
			}
			// Headers are out; the only signal left is dropping the connection.
			panic(http.ErrAbortHandler)
		}
	}
}

// inlineSafe reports whether a declared type may render in the page. SVG is
// an image type that can carry script, so it always downloads.
func inlineSafe(mimeType string) bool {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(base, "image/") && base != "image/svg+xml"
}

func forceDownload(r *http.Request) bool {
	v := r.URL.Query().Get("download")
	return v == "1" || v == "true"
}

// Filename derives a download name from the message text. Path separators,
// control characters and quotes become underscores; an empty result falls
// back to the attachment id.
func Filename(content, id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '"' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, strings.TrimSpace(content))

	if runes := []rune(name); len(runes) > 128 {
		name = string(runes[:128])
	}
	name = strings.Trim(name, ". ")
	if name == "" || strings.Trim(name, "_") == "" {
		return id
	}
	return name
}

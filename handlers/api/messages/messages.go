package messages

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"msgboard/core"
	"msgboard/handlers/api"
	"msgboard/upload"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type (
	// Store is the read and delete side of the message log.
	Store interface {
		List() []core.Message
		Recent(limit int) []core.Message
		Latest() (core.Message, bool)
		Delete(ctx context.Context, id int64) (core.Message, bool, error)
	}

	Coordinator interface {
		SubmitJSON(ctx context.Context, body io.Reader) (core.Message, error)
		SubmitMultipart(ctx context.Context, mr *multipart.Reader) (core.Message, error)
		Limits() upload.Limits
	}
)

// HandleList returns the log oldest first, or only the last ?limit=N messages.
func HandleList(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := store.List()
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				msgs = store.Recent(n)
			}
		}
		api.Data(w, r, http.StatusOK, msgs)
	}
}

// HandleLatest returns the newest message or null.
func HandleLatest(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, ok := store.Latest()
		if !ok {
			api.Data(w, r, http.StatusOK, nil)
			return
		}
		api.Data(w, r, http.StatusOK, msg)
	}
}

// HandleCreate accepts a JSON or multipart submission.
func HandleCreate(coord Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limits := coord.Limits()
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			mediaType = ""
		}

		var msg core.Message
		switch mediaType {
		case "multipart/form-data":
			boundary := params["boundary"]
			if boundary == "" {
				api.Error(w, r, &core.ValidationError{Reason: "missing multipart boundary"})
				return
			}
			body := upload.LimitBody(w, r.Body, limits.MultipartBodyLimit())
			msg, err = coord.SubmitMultipart(r.Context(), multipart.NewReader(body, boundary))
		case "application/json", "":
			body := upload.LimitBody(w, r.Body, limits.JSONBodyLimit())
			msg, err = coord.SubmitJSON(r.Context(), body)
		default:
			err = &core.ValidationError{Reason: fmt.Sprintf("unsupported content type %q", mediaType)}
		}
		if err != nil {
			logrus.WithError(err).WithField("content_type", mediaType).Debug("Submission rejected")
			api.Error(w, r, err)
			return
		}

		api.Data(w, r, http.StatusCreated, msg)
	}
}

// HandleDelete removes a message by id.
func HandleDelete(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			api.Error(w, r, &core.ValidationError{Field: "id", Reason: "must be a positive integer"})
			return
		}

		msg, found, err := store.Delete(r.Context(), id)
		if err != nil {
			api.Error(w, r, err)
			return
		}
		if !found {
			api.Error(w, r, fmt.Errorf("message %d: %w", id, core.ErrNotFound))
			return
		}
		api.Data(w, r, http.StatusOK, msg)
	}
}

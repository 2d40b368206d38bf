// Package api holds the response envelope shared by the HTTP handlers.
package api

import (
	"errors"
	"net/http"

	"msgboard/core"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	DataResponse struct {
		Data any `json:"data"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// Data writes {"data": v} with the given status.
func Data(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, DataResponse{Data: v})
}

// Error maps err to a status and writes {"error": "..."}. Server-side
// failures are logged and reported without their details.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		msg = "internal error"
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func StatusOf(err error) int {
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr), errors.Is(err, core.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// JSON writes v without the data envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

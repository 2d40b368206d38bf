package upload

import (
	"errors"
	"io"
	"net/http"

	"msgboard/core"
)

// cappedReader fails once more than limit bytes have been read.
type cappedReader struct {
	r     io.Reader
	read  int64
	limit int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, &core.LimitError{What: "attachment", Limit: c.limit}
	}
	return n, err
}

// limitReached marks a request body cut off by LimitBody.
type limitReached struct {
	*core.LimitError
}

func (l *limitReached) Unwrap() error { return l.LimitError }

type bodyLimiter struct {
	r     io.ReadCloser
	limit int64
}

func (b *bodyLimiter) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return n, &limitReached{&core.LimitError{What: "request body", Limit: b.limit}}
	}
	return n, err
}

func (b *bodyLimiter) Close() error { return b.r.Close() }

// LimitBody caps a request body at limit bytes. Reading past it yields an
// error that the coordinator reports as core.ErrTooLarge.
func LimitBody(w http.ResponseWriter, body io.ReadCloser, limit int64) io.ReadCloser {
	return &bodyLimiter{r: http.MaxBytesReader(w, body, limit), limit: limit}
}

// JSONBodyLimit is the largest JSON submission accepted.
func (l Limits) JSONBodyLimit() int64 {
	return l.MaxTextBytes + 64<<10
}

// MultipartBodyLimit is the largest multipart submission accepted.
func (l Limits) MultipartBodyLimit() int64 {
	return l.MaxAttachmentBytes + l.MaxTextBytes + 1<<20
}

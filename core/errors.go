package core

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidID    = errors.New("malformed identifier")
	ErrTooLarge     = errors.New("payload too large")
	ErrNoState      = errors.New("no persisted state")
	ErrCorruptState = errors.New("corrupt persisted state")
)

// ValidationError reports a submission that is missing or has an invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("param `%s` %s", e.Field, e.Reason)
}

// LimitError reports that a field or attachment exceeded its size limit.
type LimitError struct {
	What  string
	Limit int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s exceeds the limit of %s", e.What, humanize.IBytes(uint64(e.Limit)))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrTooLarge
}

package casemill

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate reports an insert whose identity already exists
// (message_id or case_id). Callers treat it as idempotent success.
var ErrDuplicate = errors.New("duplicate identity")

// ErrNotFound reports a lookup miss.
var ErrNotFound = errors.New("not found")

// ErrLLM is a non-transport failure from an LLM provider.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an external HTTP service.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSchema reports LLM output that failed structural validation.
// Schema failures are never retried: the job fails with the reason.
type ErrSchema struct {
	Task   string
	Reason string
}

func (e *ErrSchema) Error() string {
	return fmt.Sprintf("%s: schema validation: %s", e.Task, e.Reason)
}

// IsTransient reports whether err is worth retrying: rate limiting,
// upstream overload, or gateway timeouts.
func IsTransient(err error) bool {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status == 429 || e.Status == 502 || e.Status == 503 || e.Status == 504
	}
	return false
}

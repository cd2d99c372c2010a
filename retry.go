package casemill

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryGateway wraps a Gateway and retries transient transport errors
// (429, 502, 503, 504) with exponential backoff plus jitter. Schema
// validation failures pass through immediately: a malformed response
// will not improve by asking again.
type retryGateway struct {
	inner       Gateway
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryGateway.
type RetryOption func(*retryGateway)

// RetryMaxAttempts sets the maximum number of attempts (default: 3, i.e.
// the original call plus two retries).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryGateway) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryGateway) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryGateway) { r.logger = l }
}

// WithRetry wraps g with automatic retry on transient transport errors.
// When the error carries a Retry-After duration, the delay is at least
// that long.
func WithRetry(g Gateway, opts ...RetryOption) Gateway {
	r := &retryGateway{inner: g, maxAttempts: 3, baseDelay: time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Gateway = (*retryGateway)(nil)

func (r *retryGateway) ImageToText(ctx context.Context, image []byte, mimeType string) (ImageExtraction, error) {
	return retryCall(ctx, r, "image_to_text", func() (ImageExtraction, error) {
		return r.inner.ImageToText(ctx, image, mimeType)
	})
}

func (r *retryGateway) Gate(ctx context.Context, message string, recent []string) (GateResult, error) {
	return retryCall(ctx, r, "gate", func() (GateResult, error) {
		return r.inner.Gate(ctx, message, recent)
	})
}

func (r *retryGateway) Extract(ctx context.Context, buffer string) (ExtractResult, error) {
	return retryCall(ctx, r, "extract", func() (ExtractResult, error) {
		return r.inner.Extract(ctx, buffer)
	})
}

func (r *retryGateway) Structure(ctx context.Context, span string) (StructureResult, error) {
	return retryCall(ctx, r, "structure", func() (StructureResult, error) {
		return r.inner.Structure(ctx, span)
	})
}

func (r *retryGateway) Respond(ctx context.Context, message string, retrieved []ScoredEntry, recent []string) (RespondResult, error) {
	return retryCall(ctx, r, "respond", func() (RespondResult, error) {
		return r.inner.Respond(ctx, message, retrieved, recent)
	})
}

func (r *retryGateway) HistoryBlocks(ctx context.Context, chunk string) ([]string, error) {
	return retryCall(ctx, r, "history_blocks", func() ([]string, error) {
		return r.inner.HistoryBlocks(ctx, chunk)
	})
}

func (r *retryGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	return retryCall(ctx, r, "embed", func() ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
}

// retryCall calls fn up to r.maxAttempts times, sleeping between
// transient failures.
func retryCall[T any](ctx context.Context, r *retryGateway, task string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"task", task,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"task", task,
		"attempts", r.maxAttempts,
		"error", last)
	return zero, last
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: exponential
// backoff with up to 50% jitter, floored by the server's Retry-After.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	delay := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > delay {
		return e.RetryAfter
	}
	return delay
}

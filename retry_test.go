package casemill

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubGateway is a function-backed Gateway for tests. Nil funcs fail the
// call with a sentinel so tests notice unexpected use.
type stubGateway struct {
	imageFn     func(ctx context.Context, image []byte, mimeType string) (ImageExtraction, error)
	gateFn      func(ctx context.Context, message string, recent []string) (GateResult, error)
	extractFn   func(ctx context.Context, buffer string) (ExtractResult, error)
	structureFn func(ctx context.Context, span string) (StructureResult, error)
	respondFn   func(ctx context.Context, message string, retrieved []ScoredEntry, recent []string) (RespondResult, error)
	historyFn   func(ctx context.Context, chunk string) ([]string, error)
	embedFn     func(ctx context.Context, text string) ([]float32, error)
}

var errStubUnexpected = errors.New("unexpected gateway call")

func (s *stubGateway) ImageToText(ctx context.Context, image []byte, mimeType string) (ImageExtraction, error) {
	if s.imageFn == nil {
		return ImageExtraction{}, errStubUnexpected
	}
	return s.imageFn(ctx, image, mimeType)
}

func (s *stubGateway) Gate(ctx context.Context, message string, recent []string) (GateResult, error) {
	if s.gateFn == nil {
		return GateResult{}, errStubUnexpected
	}
	return s.gateFn(ctx, message, recent)
}

func (s *stubGateway) Extract(ctx context.Context, buffer string) (ExtractResult, error) {
	if s.extractFn == nil {
		return ExtractResult{}, errStubUnexpected
	}
	return s.extractFn(ctx, buffer)
}

func (s *stubGateway) Structure(ctx context.Context, span string) (StructureResult, error) {
	if s.structureFn == nil {
		return StructureResult{}, errStubUnexpected
	}
	return s.structureFn(ctx, span)
}

func (s *stubGateway) Respond(ctx context.Context, message string, retrieved []ScoredEntry, recent []string) (RespondResult, error) {
	if s.respondFn == nil {
		return RespondResult{}, errStubUnexpected
	}
	return s.respondFn(ctx, message, retrieved, recent)
}

func (s *stubGateway) HistoryBlocks(ctx context.Context, chunk string) ([]string, error) {
	if s.historyFn == nil {
		return nil, errStubUnexpected
	}
	return s.historyFn(ctx, chunk)
}

func (s *stubGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedFn == nil {
		return nil, errStubUnexpected
	}
	return s.embedFn(ctx, text)
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	g := WithRetry(&stubGateway{
		embedFn: func(ctx context.Context, text string) ([]float32, error) {
			calls++
			if calls < 3 {
				return nil, &ErrHTTP{Status: 503}
			}
			return []float32{1}, nil
		},
	}, RetryBaseDelay(time.Millisecond))

	got, err := g.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 1 || calls != 3 {
		t.Fatalf("got %v after %d calls", got, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	g := WithRetry(&stubGateway{
		embedFn: func(ctx context.Context, text string) ([]float32, error) {
			calls++
			return nil, &ErrHTTP{Status: 429}
		},
	}, RetryBaseDelay(time.Millisecond), RetryMaxAttempts(2))

	_, err := g.Embed(context.Background(), "x")
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("err = %v, want ErrHTTP 429", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetrySchemaErrorNotRetried(t *testing.T) {
	calls := 0
	g := WithRetry(&stubGateway{
		extractFn: func(ctx context.Context, buffer string) (ExtractResult, error) {
			calls++
			return ExtractResult{}, &ErrSchema{Task: "extract", Reason: "bad spans"}
		},
	}, RetryBaseDelay(time.Millisecond))

	_, err := g.Extract(context.Background(), "buf")
	var schemaErr *ErrSchema
	if !errors.As(err, &schemaErr) {
		t.Fatalf("err = %v, want ErrSchema", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on schema error)", calls)
	}
}

func TestRetryPermanentHTTPNotRetried(t *testing.T) {
	calls := 0
	g := WithRetry(&stubGateway{
		embedFn: func(ctx context.Context, text string) ([]float32, error) {
			calls++
			return nil, &ErrHTTP{Status: 401, Body: "bad key"}
		},
	}, RetryBaseDelay(time.Millisecond))

	if _, err := g.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := WithRetry(&stubGateway{
		embedFn: func(ctx context.Context, text string) ([]float32, error) {
			cancel()
			return nil, &ErrHTTP{Status: 503}
		},
	}, RetryBaseDelay(time.Hour))

	_, err := g.Embed(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryDelayRespectsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 10 * time.Second}
	if d := retryDelay(time.Millisecond, 0, err); d < 10*time.Second {
		t.Fatalf("delay %v shorter than Retry-After", d)
	}

	plain := &ErrHTTP{Status: 503}
	d := retryDelay(100*time.Millisecond, 1, plain)
	// Second attempt: 200ms base plus up to 50% jitter.
	if d < 200*time.Millisecond || d > 300*time.Millisecond {
		t.Fatalf("delay %v outside [200ms, 300ms]", d)
	}
}

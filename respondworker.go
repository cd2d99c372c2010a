package casemill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// respondConfig holds options accumulated by RespondOption calls.
type respondConfig struct {
	topK          int
	contextWindow int
	logger        *slog.Logger
}

// RespondOption configures a RespondWorker.
type RespondOption func(*respondConfig)

// WithTopK sets the retrieval depth. Default: 5.
func WithTopK(k int) RespondOption {
	return func(c *respondConfig) { c.topK = k }
}

// WithContextWindow sets how many recent group messages accompany the
// gate and respond calls. Default: 40.
func WithContextWindow(n int) RespondOption {
	return func(c *respondConfig) { c.contextWindow = n }
}

// WithRespondLogger sets a structured logger for the worker.
func WithRespondLogger(l *slog.Logger) RespondOption {
	return func(c *respondConfig) { c.logger = l }
}

// RespondWorker serves MAYBE_RESPOND jobs: at most one high-quality reply
// per inbound message.
//
// The per-job state machine is gate → retrieve → draft → send, with a
// semantic skip possible after gate and after draft. The send is guarded
// by the answered-from-RAG flag, which commits in the same transaction as
// job completion, so a re-claimed job observes the flag and short-circuits
// instead of replying twice.
type RespondWorker struct {
	store     Store
	gateway   Gateway
	vector    VectorIndex
	messenger Messenger
	cfg       respondConfig
}

var _ Handler = (*RespondWorker)(nil)

// NewRespondWorker creates a RespondWorker.
func NewRespondWorker(store Store, gateway Gateway, vector VectorIndex, messenger Messenger, opts ...RespondOption) *RespondWorker {
	cfg := respondConfig{topK: 5, contextWindow: 40, logger: nopLogger}
	for _, o := range opts {
		o(&cfg)
	}
	return &RespondWorker{store: store, gateway: gateway, vector: vector, messenger: messenger, cfg: cfg}
}

// Kind implements Handler.
func (w *RespondWorker) Kind() JobKind { return JobMaybeRespond }

// Handle implements Handler.
func (w *RespondWorker) Handle(ctx context.Context, job *Job) error {
	var p MessageJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("maybe_respond: payload: %w", err)
	}

	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("maybe_respond: load message: %w", err)
	}
	if msg.RagAnswered {
		// A previous claim already sent the reply and committed the flag.
		return nil
	}

	recent, err := w.recentWindow(ctx, msg)
	if err != nil {
		return fmt.Errorf("maybe_respond: recent window: %w", err)
	}

	// GATED
	gate, err := w.gateway.Gate(ctx, msg.ContentText, recent)
	if err != nil {
		return fmt.Errorf("maybe_respond: gate: %w", err)
	}
	if !gate.Consider {
		w.cfg.logger.Debug("maybe_respond: gated out", "message_id", msg.ID, "tag", gate.Tag)
		return nil
	}

	// RETRIEVED
	embedding, err := w.gateway.Embed(ctx, msg.ContentText)
	if err != nil {
		return fmt.Errorf("maybe_respond: embed query: %w", err)
	}
	retrieved, err := w.vector.Search(ctx, embedding, VectorFilter{GroupID: msg.GroupID, Status: CaseSolved}, w.cfg.topK)
	if err != nil {
		return fmt.Errorf("maybe_respond: search: %w", err)
	}
	if len(retrieved) == 0 {
		buffer, err := w.store.GetBuffer(ctx, msg.GroupID)
		if err != nil {
			return fmt.Errorf("maybe_respond: load buffer: %w", err)
		}
		if buffer == "" {
			w.cfg.logger.Debug("maybe_respond: nothing retrieved and buffer empty", "message_id", msg.ID)
			return nil
		}
	}

	// DRAFTED
	draft, err := w.gateway.Respond(ctx, msg.ContentText, retrieved, recent)
	if err != nil {
		return fmt.Errorf("maybe_respond: respond: %w", err)
	}
	if !draft.Respond {
		w.cfg.logger.Debug("maybe_respond: drafter declined", "message_id", msg.ID)
		return nil
	}

	// SENT
	quote := &Quote{MessageID: msg.ID, TS: msg.TS, Author: msg.SenderHash, Excerpt: excerpt(msg.ContentText, 200)}
	sentID, err := w.messenger.SendGroupText(ctx, msg.GroupID, withCitations(draft), quote, []string{msg.SenderHash})
	if err != nil {
		return fmt.Errorf("maybe_respond: send: %w", err)
	}
	w.cfg.logger.Info("maybe_respond: replied",
		"message_id", msg.ID,
		"group_id", msg.GroupID,
		"sent_id", sentID,
		"citations", len(draft.Citations))

	// The flag and the completion commit together; the worker's follow-up
	// CompleteJob on the already-done job is a no-op.
	if err := w.store.CompleteJobAnswered(ctx, job.ID, msg.ID); err != nil {
		return fmt.Errorf("maybe_respond: complete with flag: %w", err)
	}
	return nil
}

// recentWindow renders the last-N group messages (excluding the message
// under consideration) as canonical lines for the gate and respond calls.
func (w *RespondWorker) recentWindow(ctx context.Context, msg RawMessage) ([]string, error) {
	msgs, err := w.store.RecentMessages(ctx, msg.GroupID, w.cfg.contextWindow)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == msg.ID {
			continue
		}
		lines = append(lines, CanonicalLine(m))
	}
	return lines, nil
}

// withCitations appends citation suffixes to the drafted text.
func withCitations(draft RespondResult) string {
	text := draft.Text
	for _, id := range draft.Citations {
		text += " [case:" + id + "]"
	}
	return text
}

// excerpt returns the first n bytes of text, cut at a rune boundary.
func excerpt(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && text[n]&0xC0 == 0x80 {
		n--
	}
	return text[:n]
}

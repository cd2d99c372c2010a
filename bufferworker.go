package casemill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// BufferWorker serves BUFFER_UPDATE jobs: it appends the message to the
// group's rolling buffer and, when the extractor finds a solved case in
// the flow, structures it, embeds it, upserts it into the vector index,
// and shrinks the buffer by exact textual subtraction.
type BufferWorker struct {
	store   Store
	gateway Gateway
	vector  VectorIndex
	logger  *slog.Logger
}

var _ Handler = (*BufferWorker)(nil)

// NewBufferWorker creates a BufferWorker.
func NewBufferWorker(store Store, gateway Gateway, vector VectorIndex, logger *slog.Logger) *BufferWorker {
	if logger == nil {
		logger = nopLogger
	}
	return &BufferWorker{store: store, gateway: gateway, vector: vector, logger: logger}
}

// Kind implements Handler.
func (w *BufferWorker) Kind() JobKind { return JobBufferUpdate }

// Handle implements Handler. Steps: load message, append to buffer, skip
// extraction when the respond worker already answered from RAG, otherwise
// extract the earliest solved span and turn it into a case.
func (w *BufferWorker) Handle(ctx context.Context, job *Job) error {
	var p MessageJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("buffer_update: payload: %w", err)
	}

	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, ErrNotFound) {
		// Message was rolled back; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("buffer_update: load message: %w", err)
	}

	buffer, err := w.store.GetBuffer(ctx, msg.GroupID)
	if err != nil {
		return fmt.Errorf("buffer_update: load buffer: %w", err)
	}
	buffer += CanonicalLine(msg)

	if msg.RagAnswered {
		// The answer already exists in the index; mining a case out of the
		// same thread would only duplicate it.
		if err := w.store.SetBuffer(ctx, msg.GroupID, buffer); err != nil {
			return fmt.Errorf("buffer_update: persist buffer: %w", err)
		}
		w.logger.Debug("buffer_update: answered from rag, extraction skipped", "message_id", msg.ID)
		return nil
	}

	result, err := w.gateway.Extract(ctx, buffer)
	if err != nil {
		return fmt.Errorf("buffer_update: extract: %w", err)
	}
	if err := result.Validate(); err != nil {
		return err
	}

	// Earliest span only; later spans are picked up by subsequent jobs
	// once the buffer has shrunk.
	if len(result.Cases) > 0 {
		buffer, err = w.mineSpan(ctx, msg.GroupID, buffer, result.Cases[0])
		if err != nil {
			return err
		}
	}

	if err := w.store.SetBuffer(ctx, msg.GroupID, buffer); err != nil {
		return fmt.Errorf("buffer_update: persist buffer: %w", err)
	}
	return nil
}

// mineSpan structures one extracted span into a case, persists and
// indexes it, and returns the buffer with the span text removed. A
// keep=false retraction leaves the buffer untouched.
func (w *BufferWorker) mineSpan(ctx context.Context, groupID, buffer string, span ExtractSpan) (string, error) {
	text := span.CaseBlock
	if text == "" {
		text = spanText(buffer, span)
	}
	if text == "" {
		return buffer, nil
	}

	structured, err := w.gateway.Structure(ctx, text)
	if err != nil {
		return buffer, fmt.Errorf("buffer_update: structure: %w", err)
	}
	if err := structured.Validate(); err != nil {
		return buffer, err
	}
	if !structured.Keep {
		w.logger.Debug("buffer_update: span retracted by structurer", "group_id", groupID)
		return buffer, nil
	}

	c := Case{
		ID:              NewID(),
		GroupID:         groupID,
		Status:          structured.Status,
		ProblemTitle:    structured.ProblemTitle,
		ProblemSummary:  structured.ProblemSummary,
		SolutionSummary: structured.SolutionSummary,
		Tags:            structured.Tags,
		EvidenceIDs:     w.recoverEvidence(ctx, groupID, text, structured.EvidenceIDs),
		CreatedAt:       NowUnixMilli(),
	}

	if err := w.store.InsertCase(ctx, c); err != nil && !errors.Is(err, ErrDuplicate) {
		return buffer, fmt.Errorf("buffer_update: persist case: %w", err)
	}

	embedding, err := w.gateway.Embed(ctx, c.Document())
	if err != nil {
		// Case row is already persisted; the reconciler's re-embed pass
		// picks up the orphan.
		return buffer, fmt.Errorf("buffer_update: embed case %s: %w", c.ID, err)
	}
	if err := w.vector.Upsert(ctx, EntryFromCase(c, embedding)); err != nil {
		return buffer, fmt.Errorf("buffer_update: upsert case %s: %w", c.ID, err)
	}

	shrunk, removed := subtractSpan(buffer, text)
	if !removed {
		w.logger.Warn("buffer_update: span not found in buffer, skipping subtraction", "case_id", c.ID)
		shrunk = buffer
	}
	w.logger.Info("buffer_update: case mined",
		"case_id", c.ID,
		"group_id", groupID,
		"status", c.Status,
		"evidence", len(c.EvidenceIDs))
	return shrunk, nil
}

// recoverEvidence maps the span's canonical lines back to message ids.
// Identities the structurer claims but the store cannot confirm are
// dropped; when line parsing finds nothing, confirmed structurer ids are
// used as a fallback.
func (w *BufferWorker) recoverEvidence(ctx context.Context, groupID, span string, claimed []string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, li := range parseSpanLines(span) {
		id, err := w.store.FindMessageID(ctx, groupID, li.ts, li.senderHash)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		return ids
	}
	for _, id := range claimed {
		if _, err := w.store.GetMessage(ctx, id); err == nil && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

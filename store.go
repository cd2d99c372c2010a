package casemill

import (
	"context"
	"time"
)

// Store is the authoritative relational store: raw messages, the durable
// job queue, per-group buffers, cases, and history tokens.
//
// Implementations live in store/sqlite, store/mysql, and store/postgres.
// All methods are safe for concurrent use; queue claims are serialized so
// no job is ever handed to two workers.
type Store interface {
	// --- Messages ---

	// InsertMessage persists a message once. Returns ErrDuplicate when the
	// message_id already exists; the caller must then enqueue nothing.
	InsertMessage(ctx context.Context, m RawMessage) error

	// InsertMessageAndEnqueue persists the message and enqueues the given
	// kinds in order, all in one transaction. ErrDuplicate leaves the
	// queue untouched.
	InsertMessageAndEnqueue(ctx context.Context, m RawMessage, kinds []JobKind) error

	// GetMessage returns the message or ErrNotFound.
	GetMessage(ctx context.Context, messageID string) (RawMessage, error)

	// FindMessageID locates a message by its buffer-line identity
	// (group, timestamp, sender hash). Returns ErrNotFound on miss.
	FindMessageID(ctx context.Context, groupID string, ts int64, senderHash string) (string, error)

	// RecentMessages returns up to n most recent messages for the group in
	// chronological order.
	RecentMessages(ctx context.Context, groupID string, n int) ([]RawMessage, error)

	// --- Buffers ---

	// GetBuffer returns the rolling transcript for the group; empty string
	// when the group has no buffer yet.
	GetBuffer(ctx context.Context, groupID string) (string, error)

	// SetBuffer replaces the rolling transcript for the group. Writers for
	// one group are serialized by row locking.
	SetBuffer(ctx context.Context, groupID, text string) error

	// --- Cases ---

	// InsertCase persists a case. Returns ErrDuplicate on an existing
	// case_id (idempotent success for the caller).
	InsertCase(ctx context.Context, c Case) error

	// GetCase returns the case or ErrNotFound.
	GetCase(ctx context.Context, caseID string) (Case, error)

	// ListCases returns all cases, most recent first.
	ListCases(ctx context.Context) ([]Case, error)

	// MarkAnswered sets the answered-from-RAG flag on a message.
	// Prefer CompleteJobAnswered, which commits the flag with the job.
	MarkAnswered(ctx context.Context, messageID string) error

	// --- Job queue ---

	// EnqueueJob durably inserts a pending job, atomically visible to
	// claimers, and returns its id.
	EnqueueJob(ctx context.Context, kind JobKind, payload any) (string, error)

	// ClaimNextJob claims the oldest pending job among kinds, transitions
	// it to in_progress, and records claimed_at. Returns nil when nothing
	// is pending. Concurrent claimers never receive the same job.
	ClaimNextJob(ctx context.Context, kinds []JobKind) (*Job, error)

	// CompleteJob marks an in_progress job done. A job that is no longer
	// in_progress is left untouched (idempotent).
	CompleteJob(ctx context.Context, jobID string) error

	// CompleteJobAnswered marks the job done and sets the message's
	// answered-from-RAG flag in the same transaction.
	CompleteJobAnswered(ctx context.Context, jobID, messageID string) error

	// FailJob marks an in_progress job failed with a reason. Final; the
	// queue never re-dispatches failed jobs.
	FailJob(ctx context.Context, jobID, reason string) error

	// ReapStaleJobs returns jobs claimed longer than staleAfter ago to
	// pending so another worker can re-claim them. Returns the count.
	ReapStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)

	// --- History tokens ---

	// CreateHistoryToken persists a single-use bootstrap token.
	CreateHistoryToken(ctx context.Context, t HistoryToken) error

	// ConsumeHistoryToken marks the token used and returns it. Expired,
	// unknown, or already-used tokens return ErrNotFound.
	ConsumeHistoryToken(ctx context.Context, token string) (HistoryToken, error)

	// --- Lifecycle ---

	// Init creates the schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error
}

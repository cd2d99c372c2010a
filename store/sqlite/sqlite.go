// Package sqlite implements casemill.Store using pure-Go SQLite.
// Zero CGO required; the default backend for development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ohanchuk/casemill"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for queue operations. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements casemill.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ casemill.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection; this also serializes
// job claims, so no job is ever handed to two workers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS raw_messages (
			message_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			sender_hash TEXT NOT NULL,
			content_text TEXT NOT NULL,
			image_paths_json TEXT NOT NULL DEFAULT '[]',
			reply_to_id TEXT,
			rag_answered_flag INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_messages_group_ts ON raw_messages(group_id, ts)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			enqueued_at INTEGER NOT NULL,
			claimed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, kind, seq)`,
		`CREATE TABLE IF NOT EXISTS buffers (
			group_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cases (
			case_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			status TEXT NOT NULL,
			problem_title TEXT NOT NULL,
			problem_summary TEXT NOT NULL,
			solution_summary TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			evidence_ids_json TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history_tokens (
			token TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// --- Messages ---

// InsertMessage persists a message once; ErrDuplicate on a known id.
func (s *Store) InsertMessage(ctx context.Context, m casemill.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO raw_messages
		(message_id, group_id, ts, sender_hash, content_text, image_paths_json, reply_to_id, rag_answered_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.TS, m.SenderHash, m.ContentText, marshalJSON(m.ImagePaths), nullable(m.ReplyToID), boolInt(m.RagAnswered))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return casemill.ErrDuplicate
	}
	return nil
}

// InsertMessageAndEnqueue persists the message and enqueues kinds in
// order, in one transaction.
func (s *Store) InsertMessageAndEnqueue(ctx context.Context, m casemill.RawMessage, kinds []casemill.JobKind) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO raw_messages
		(message_id, group_id, ts, sender_hash, content_text, image_paths_json, reply_to_id, rag_answered_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		m.ID, m.GroupID, m.TS, m.SenderHash, m.ContentText, marshalJSON(m.ImagePaths), nullable(m.ReplyToID))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return casemill.ErrDuplicate
	}

	payload := marshalJSON(casemill.MessageJobPayload{MessageID: m.ID, GroupID: m.GroupID})
	now := time.Now().UnixMilli()
	for _, kind := range kinds {
		if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (job_id, kind, payload_json, status, enqueued_at)
			VALUES (?, ?, ?, 'pending', ?)`,
			casemill.NewID(), string(kind), payload, now); err != nil {
			return fmt.Errorf("enqueue %s: %w", kind, err)
		}
	}
	return tx.Commit()
}

// GetMessage returns the message or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, messageID string) (casemill.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM raw_messages WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

// FindMessageID locates a message by group, timestamp, and sender hash.
func (s *Store) FindMessageID(ctx context.Context, groupID string, ts int64, senderHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM raw_messages
		WHERE group_id = ? AND ts = ? AND sender_hash = ? LIMIT 1`, groupID, ts, senderHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", casemill.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find message: %w", err)
	}
	return id, nil
}

// RecentMessages returns up to n most recent messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, groupID string, n int) ([]casemill.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM (SELECT * FROM raw_messages WHERE group_id = ? ORDER BY ts DESC LIMIT ?)
		ORDER BY ts ASC`, groupID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []casemill.RawMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkAnswered sets the answered-from-RAG flag.
func (s *Store) MarkAnswered(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE raw_messages SET rag_answered_flag = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

// --- Buffers ---

// GetBuffer returns the group's rolling transcript, or "".
func (s *Store) GetBuffer(ctx context.Context, groupID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM buffers WHERE group_id = ?`, groupID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get buffer: %w", err)
	}
	return text, nil
}

// SetBuffer replaces the group's rolling transcript.
func (s *Store) SetBuffer(ctx context.Context, groupID, text string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO buffers (group_id, text, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		groupID, text, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set buffer: %w", err)
	}
	return nil
}

// --- Cases ---

// InsertCase persists a case; ErrDuplicate on a known id.
func (s *Store) InsertCase(ctx context.Context, c casemill.Case) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cases
		(case_id, group_id, status, problem_title, problem_summary, solution_summary, tags_json, evidence_ids_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GroupID, string(c.Status), c.ProblemTitle, c.ProblemSummary, c.SolutionSummary,
		marshalJSON(c.Tags), marshalJSON(c.EvidenceIDs), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return casemill.ErrDuplicate
	}
	return nil
}

// GetCase returns the case or ErrNotFound.
func (s *Store) GetCase(ctx context.Context, caseID string) (casemill.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT case_id, group_id, status, problem_title, problem_summary,
		solution_summary, tags_json, evidence_ids_json, created_at FROM cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

// ListCases returns all cases, most recent first.
func (s *Store) ListCases(ctx context.Context) ([]casemill.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT case_id, group_id, status, problem_title, problem_summary,
		solution_summary, tags_json, evidence_ids_json, created_at FROM cases ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []casemill.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Job queue ---

// EnqueueJob durably inserts a pending job.
func (s *Store) EnqueueJob(ctx context.Context, kind casemill.JobKind, payload any) (string, error) {
	id := casemill.NewID()
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (job_id, kind, payload_json, status, enqueued_at)
		VALUES (?, ?, ?, 'pending', ?)`, id, string(kind), marshalJSON(payload), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.logger.Debug("sqlite: job enqueued", "job_id", id, "kind", kind)
	return id, nil
}

// ClaimNextJob claims the oldest pending job among kinds. FIFO holds per
// kind by insertion sequence.
func (s *Store) ClaimNextJob(ctx context.Context, kinds []casemill.JobKind) (*casemill.Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	args := make([]any, 0, len(kinds))
	for _, k := range kinds {
		args = append(args, string(k))
	}
	row := tx.QueryRowContext(ctx, `SELECT job_id, kind, payload_json, attempts, enqueued_at
		FROM jobs WHERE status = 'pending' AND kind IN (`+placeholders+`)
		ORDER BY seq ASC LIMIT 1`, args...)

	var job casemill.Job
	var payload string
	err = row.Scan(&job.ID, &job.Kind, &payload, &job.Attempts, &job.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'in_progress', claimed_at = ?, attempts = attempts + 1
		WHERE job_id = ? AND status = 'pending'`, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another claimer.
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Status = casemill.JobInProgress
	job.Attempts++
	job.ClaimedAt = now
	s.logger.Debug("sqlite: job claimed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
	return &job, nil
}

// CompleteJob marks an in_progress job done; a no-op otherwise.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'done' WHERE job_id = ? AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// CompleteJobAnswered marks the job done and sets the message's
// answered-from-RAG flag in one transaction.
func (s *Store) CompleteJobAnswered(ctx context.Context, jobID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'done' WHERE job_id = ? AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already finalized elsewhere; leave the flag to that writer.
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE raw_messages SET rag_answered_flag = 1 WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return tx.Commit()
}

// FailJob marks an in_progress job failed with a reason. Final.
func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'failed', reason = ?
		WHERE job_id = ? AND status = 'in_progress'`, reason, jobID)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

// ReapStaleJobs returns abandoned in_progress jobs to pending.
func (s *Store) ReapStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', claimed_at = 0
		WHERE status = 'in_progress' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- History tokens ---

// CreateHistoryToken persists a single-use bootstrap token.
func (s *Store) CreateHistoryToken(ctx context.Context, t casemill.HistoryToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO history_tokens (token, group_id, expires_at, used)
		VALUES (?, ?, ?, ?)`, t.Token, t.GroupID, t.ExpiresAt, boolInt(t.Used))
	if err != nil {
		return fmt.Errorf("create history token: %w", err)
	}
	return nil
}

// ConsumeHistoryToken marks a live token used and returns it; ErrNotFound
// for unknown, expired, or already-used tokens.
func (s *Store) ConsumeHistoryToken(ctx context.Context, token string) (casemill.HistoryToken, error) {
	var t casemill.HistoryToken
	res, err := s.db.ExecContext(ctx, `UPDATE history_tokens SET used = 1
		WHERE token = ? AND used = 0 AND expires_at > ?`, token, time.Now().UnixMilli())
	if err != nil {
		return t, fmt.Errorf("consume history token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t, casemill.ErrNotFound
	}
	var used int
	err = s.db.QueryRowContext(ctx, `SELECT token, group_id, expires_at, used FROM history_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.GroupID, &t.ExpiresAt, &used)
	if err != nil {
		return t, fmt.Errorf("load history token: %w", err)
	}
	t.Used = used != 0
	return t, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (casemill.RawMessage, error) {
	var m casemill.RawMessage
	var paths string
	var answered int
	err := row.Scan(&m.ID, &m.GroupID, &m.TS, &m.SenderHash, &m.ContentText, &paths, &m.ReplyToID, &answered)
	if errors.Is(err, sql.ErrNoRows) {
		return m, casemill.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	_ = json.Unmarshal([]byte(paths), &m.ImagePaths)
	m.RagAnswered = answered != 0
	return m, nil
}

func scanCase(row rowScanner) (casemill.Case, error) {
	var c casemill.Case
	var status, tags, evidence string
	err := row.Scan(&c.ID, &c.GroupID, &status, &c.ProblemTitle, &c.ProblemSummary, &c.SolutionSummary, &tags, &evidence, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, casemill.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan case: %w", err)
	}
	c.Status = casemill.CaseStatus(status)
	_ = json.Unmarshal([]byte(tags), &c.Tags)
	_ = json.Unmarshal([]byte(evidence), &c.EvidenceIDs)
	return c, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

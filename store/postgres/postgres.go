// Package postgres implements casemill.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool. Queue claims use
// SELECT ... FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ohanchuk/casemill"
)

// Store implements casemill.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ casemill.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS raw_messages (
			message_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			sender_hash TEXT NOT NULL,
			content_text TEXT NOT NULL,
			image_paths_json JSONB NOT NULL DEFAULT '[]',
			reply_to_id TEXT,
			rag_answered_flag BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_messages_group_ts ON raw_messages(group_id, ts)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload_json JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			reason TEXT,
			enqueued_at BIGINT NOT NULL,
			claimed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, kind, seq)`,
		`CREATE TABLE IF NOT EXISTS buffers (
			group_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cases (
			case_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			status TEXT NOT NULL,
			problem_title TEXT NOT NULL,
			problem_summary TEXT NOT NULL,
			solution_summary TEXT NOT NULL,
			tags_json JSONB NOT NULL DEFAULT '[]',
			evidence_ids_json JSONB NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history_tokens (
			token TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, m casemill.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO raw_messages
		(message_id, group_id, ts, sender_hash, content_text, image_paths_json, reply_to_id, rag_answered_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`,
		m.ID, m.GroupID, m.TS, m.SenderHash, m.ContentText, marshalJSON(m.ImagePaths), nullable(m.ReplyToID), m.RagAnswered)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casemill.ErrDuplicate
	}
	return nil
}

func (s *Store) InsertMessageAndEnqueue(ctx context.Context, m casemill.RawMessage, kinds []casemill.JobKind) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO raw_messages
		(message_id, group_id, ts, sender_hash, content_text, image_paths_json, reply_to_id, rag_answered_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (message_id) DO NOTHING`,
		m.ID, m.GroupID, m.TS, m.SenderHash, m.ContentText, marshalJSON(m.ImagePaths), nullable(m.ReplyToID))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casemill.ErrDuplicate
	}

	payload := marshalJSON(casemill.MessageJobPayload{MessageID: m.ID, GroupID: m.GroupID})
	now := time.Now().UnixMilli()
	for _, kind := range kinds {
		if _, err := tx.Exec(ctx, `INSERT INTO jobs (job_id, kind, payload_json, status, enqueued_at)
			VALUES ($1, $2, $3, 'pending', $4)`, casemill.NewID(), string(kind), payload, now); err != nil {
			return fmt.Errorf("enqueue %s: %w", kind, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (casemill.RawMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM raw_messages WHERE message_id = $1`, messageID)
	return scanMessage(row)
}

func (s *Store) FindMessageID(ctx context.Context, groupID string, ts int64, senderHash string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT message_id FROM raw_messages
		WHERE group_id = $1 AND ts = $2 AND sender_hash = $3 LIMIT 1`, groupID, ts, senderHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", casemill.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find message: %w", err)
	}
	return id, nil
}

func (s *Store) RecentMessages(ctx context.Context, groupID string, n int) ([]casemill.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM (SELECT * FROM raw_messages WHERE group_id = $1 ORDER BY ts DESC LIMIT $2) recent
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

func (s *Store) MarkAnswered(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE raw_messages SET rag_answered_flag = TRUE WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

// --- Buffers ---

func (s *Store) GetBuffer(ctx context.Context, groupID string) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT text FROM buffers WHERE group_id = $1`, groupID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get buffer: %w", err)
	}
	return text, nil
}

func (s *Store) SetBuffer(ctx context.Context, groupID, text string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO buffers (group_id, text, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (group_id) DO UPDATE SET text = EXCLUDED.text, updated_at = EXCLUDED.updated_at`,
		groupID, text, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set buffer: %w", err)
	}
	return nil
}

// --- Cases ---

func (s *Store) InsertCase(ctx context.Context, c casemill.Case) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO cases
		(case_id, group_id, status, problem_title, problem_summary, solution_summary, tags_json, evidence_ids_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (case_id) DO NOTHING`,
		c.ID, c.GroupID, string(c.Status), c.ProblemTitle, c.ProblemSummary, c.SolutionSummary,
		marshalJSON(c.Tags), marshalJSON(c.EvidenceIDs), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casemill.ErrDuplicate
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (casemill.Case, error) {
	row := s.pool.QueryRow(ctx, `SELECT case_id, group_id, status, problem_title, problem_summary,
		solution_summary, tags_json, evidence_ids_json, created_at FROM cases WHERE case_id = $1`, caseID)
	return scanCase(row)
}

func (s *Store) ListCases(ctx context.Context) ([]casemill.Case, error) {
	rows, err := s.pool.Query(ctx, `SELECT case_id, group_id, status, problem_title, problem_summary,
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

func (s *Store) EnqueueJob(ctx context.Context, kind casemill.JobKind, payload any) (string, error) {
	id := casemill.NewID()
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs (job_id, kind, payload_json, status, enqueued_at)
		VALUES ($1, $2, $3, 'pending', $4)`, id, string(kind), marshalJSON(payload), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

func (s *Store) ClaimNextJob(ctx context.Context, kinds []casemill.JobKind) (*casemill.Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	params := make([]string, len(kinds))
	args := make([]any, 0, len(kinds))
	for i, k := range kinds {
		params[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(k))
	}
	row := tx.QueryRow(ctx, `SELECT job_id, kind, payload_json, attempts, enqueued_at
		FROM jobs WHERE status = 'pending' AND kind IN (`+strings.Join(params, ",")+`)
		ORDER BY seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, args...)

	var job casemill.Job
	var payload []byte
	err = row.Scan(&job.ID, &job.Kind, &payload, &job.Attempts, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'in_progress', claimed_at = $1, attempts = attempts + 1
		WHERE job_id = $2`, now, job.ID); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Status = casemill.JobInProgress
	job.Attempts++
	job.ClaimedAt = now
	return &job, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'done' WHERE job_id = $1 AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func (s *Store) CompleteJobAnswered(ctx context.Context, jobID, messageID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE jobs SET status = 'done' WHERE job_id = $1 AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE raw_messages SET rag_answered_flag = TRUE WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'failed', reason = $1
		WHERE job_id = $2 AND status = 'in_progress'`, reason, jobID)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

func (s *Store) ReapStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'pending', claimed_at = 0
		WHERE status = 'in_progress' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- History tokens ---

func (s *Store) CreateHistoryToken(ctx context.Context, t casemill.HistoryToken) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO history_tokens (token, group_id, expires_at, used)
		VALUES ($1, $2, $3, $4)`, t.Token, t.GroupID, t.ExpiresAt, t.Used)
	if err != nil {
		return fmt.Errorf("create history token: %w", err)
	}
	return nil
}

func (s *Store) ConsumeHistoryToken(ctx context.Context, token string) (casemill.HistoryToken, error) {
	var t casemill.HistoryToken
	row := s.pool.QueryRow(ctx, `UPDATE history_tokens SET used = TRUE
		WHERE token = $1 AND used = FALSE AND expires_at > $2
		RETURNING token, group_id, expires_at, used`, token, time.Now().UnixMilli())
	err := row.Scan(&t.Token, &t.GroupID, &t.ExpiresAt, &t.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, casemill.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("consume history token: %w", err)
	}
	return t, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (casemill.RawMessage, error) {
	var m casemill.RawMessage
	var paths []byte
	err := row.Scan(&m.ID, &m.GroupID, &m.TS, &m.SenderHash, &m.ContentText, &paths, &m.ReplyToID, &m.RagAnswered)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, casemill.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	_ = json.Unmarshal(paths, &m.ImagePaths)
	return m, nil
}

func scanCase(row rowScanner) (casemill.Case, error) {
	var c casemill.Case
	var status string
	var tags, evidence []byte
	err := row.Scan(&c.ID, &c.GroupID, &status, &c.ProblemTitle, &c.ProblemSummary, &c.SolutionSummary, &tags, &evidence, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, casemill.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan case: %w", err)
	}
	c.Status = casemill.CaseStatus(status)
	_ = json.Unmarshal(tags, &c.Tags)
	_ = json.Unmarshal(evidence, &c.EvidenceIDs)
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

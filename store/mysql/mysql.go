// Package mysql implements casemill.Store on MySQL 8+.
//
// Queue claims use SELECT ... FOR UPDATE SKIP LOCKED, so any number of
// worker processes can share one database without double-claiming.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ohanchuk/casemill"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Store implements casemill.Store backed by MySQL.
type Store struct {
	db *sql.DB
}

var _ casemill.Store = (*Store)(nil)

// New creates a Store from a DSN
// (e.g. "user:pass@tcp(127.0.0.1:3306)/casemill?parseTime=true").
// poolSize bounds open connections; the config default is 4.
func New(dsn string, poolSize int) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	return &Store{db: db}, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS raw_messages (
			message_id VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(128) NOT NULL,
			ts BIGINT NOT NULL,
			sender_hash CHAR(16) NOT NULL,
			content_text MEDIUMTEXT NOT NULL,
			image_paths_json JSON NOT NULL,
			reply_to_id VARCHAR(64) NULL,
			rag_answered_flag TINYINT(1) NOT NULL DEFAULT 0,
			INDEX idx_raw_messages_group_ts (group_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL UNIQUE,
			kind VARCHAR(32) NOT NULL,
			payload_json JSON NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			reason TEXT NULL,
			enqueued_at BIGINT NOT NULL,
			claimed_at BIGINT NOT NULL DEFAULT 0,
			INDEX idx_jobs_claim (status, kind, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS buffers (
			group_id VARCHAR(128) PRIMARY KEY,
			text MEDIUMTEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cases (
			case_id VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(128) NOT NULL,
			status VARCHAR(16) NOT NULL,
			problem_title TEXT NOT NULL,
			problem_summary MEDIUMTEXT NOT NULL,
			solution_summary MEDIUMTEXT NOT NULL,
			tags_json JSON NOT NULL,
			evidence_ids_json JSON NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history_tokens (
			token VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(128) NOT NULL,
			expires_at BIGINT NOT NULL,
			used TINYINT(1) NOT NULL DEFAULT 0
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

func (s *Store) InsertMessage(ctx context.Context, m casemill.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO raw_messages
		(message_id, group_id, ts, sender_hash, content_text, image_paths_json, reply_to_id, rag_answered_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.TS, m.SenderHash, m.ContentText, marshalJSON(m.ImagePaths), nullable(m.ReplyToID), m.RagAnswered)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return casemill.ErrDuplicate
	}
	return nil
}

func (s *Store) InsertMessageAndEnqueue(ctx context.Context, m casemill.RawMessage, kinds []casemill.JobKind) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO raw_messages
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
			VALUES (?, ?, ?, 'pending', ?)`, casemill.NewID(), string(kind), payload, now); err != nil {
			return fmt.Errorf("enqueue %s: %w", kind, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (casemill.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM raw_messages WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

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

func (s *Store) RecentMessages(ctx context.Context, groupID string, n int) ([]casemill.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, group_id, ts, sender_hash, content_text,
		image_paths_json, COALESCE(reply_to_id, ''), rag_answered_flag
		FROM (SELECT * FROM raw_messages WHERE group_id = ? ORDER BY ts DESC LIMIT ?) recent
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
	_, err := s.db.ExecContext(ctx, `UPDATE raw_messages SET rag_answered_flag = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

// --- Buffers ---

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

func (s *Store) SetBuffer(ctx context.Context, groupID, text string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO buffers (group_id, text, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE text = VALUES(text), updated_at = VALUES(updated_at)`,
		groupID, text, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set buffer: %w", err)
	}
	return nil
}

// --- Cases ---

func (s *Store) InsertCase(ctx context.Context, c casemill.Case) error {
	res, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO cases
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

func (s *Store) GetCase(ctx context.Context, caseID string) (casemill.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT case_id, group_id, status, problem_title, problem_summary,
		solution_summary, tags_json, evidence_ids_json, created_at FROM cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

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

func (s *Store) EnqueueJob(ctx context.Context, kind casemill.JobKind, payload any) (string, error) {
	id := casemill.NewID()
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (job_id, kind, payload_json, status, enqueued_at)
		VALUES (?, ?, ?, 'pending', ?)`, id, string(kind), marshalJSON(payload), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

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
		ORDER BY seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, args...)

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
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'in_progress', claimed_at = ?, attempts = attempts + 1
		WHERE job_id = ?`, now, job.ID); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Status = casemill.JobInProgress
	job.Attempts++
	job.ClaimedAt = now
	return &job, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'done' WHERE job_id = ? AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

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
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE raw_messages SET rag_answered_flag = 1 WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return tx.Commit()
}

func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'failed', reason = ?
		WHERE job_id = ? AND status = 'in_progress'`, reason, jobID)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

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

func (s *Store) CreateHistoryToken(ctx context.Context, t casemill.HistoryToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO history_tokens (token, group_id, expires_at, used)
		VALUES (?, ?, ?, ?)`, t.Token, t.GroupID, t.ExpiresAt, t.Used)
	if err != nil {
		return fmt.Errorf("create history token: %w", err)
	}
	return nil
}

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
	err = s.db.QueryRowContext(ctx, `SELECT token, group_id, expires_at, used FROM history_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.GroupID, &t.ExpiresAt, &t.Used)
	if err != nil {
		return t, fmt.Errorf("load history token: %w", err)
	}
	return t, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (casemill.RawMessage, error) {
	var m casemill.RawMessage
	var paths string
	err := row.Scan(&m.ID, &m.GroupID, &m.TS, &m.SenderHash, &m.ContentText, &paths, &m.ReplyToID, &m.RagAnswered)
	if errors.Is(err, sql.ErrNoRows) {
		return m, casemill.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	_ = json.Unmarshal([]byte(paths), &m.ImagePaths)
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

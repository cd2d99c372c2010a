package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ohanchuk/casemill"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) casemill.RawMessage {
	return casemill.RawMessage{
		ID:          id,
		GroupID:     "g1",
		TS:          time.Now().UnixMilli(),
		SenderHash:  casemill.SenderHash("alice"),
		ContentText: "hello",
	}
}

func TestInsertMessageDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, testMessage("m1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertMessage(ctx, testMessage("m1")); !errors.Is(err, casemill.ErrDuplicate) {
		t.Fatalf("second insert err = %v, want ErrDuplicate", err)
	}
}

func TestInsertMessageAndEnqueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kinds := []casemill.JobKind{casemill.JobMaybeRespond, casemill.JobBufferUpdate}
	if err := s.InsertMessageAndEnqueue(ctx, testMessage("m1"), kinds); err != nil {
		t.Fatalf("insert and enqueue: %v", err)
	}

	// Duplicate leaves the queue untouched.
	if err := s.InsertMessageAndEnqueue(ctx, testMessage("m1"), kinds); !errors.Is(err, casemill.ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}

	job, err := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobMaybeRespond})
	if err != nil || job == nil {
		t.Fatalf("claim maybe_respond: job=%v err=%v", job, err)
	}
	var p casemill.MessageJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.MessageID != "m1" || p.GroupID != "g1" {
		t.Fatalf("payload = %+v", p)
	}

	// Exactly one of each kind was enqueued.
	if j, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobMaybeRespond}); j != nil {
		t.Fatalf("unexpected second maybe_respond job %v", j)
	}
	if j, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); j == nil {
		t.Fatal("buffer_update job missing")
	}
}

func TestClaimNextJobFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.EnqueueJob(ctx, casemill.JobBufferUpdate, map[string]int{"n": i})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 5; i++ {
		job, err := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate})
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, job, err)
		}
		if job.ID != ids[i] {
			t.Fatalf("claim %d returned %s, want %s (FIFO)", i, job.ID, ids[i])
		}
		if job.Status != casemill.JobInProgress || job.Attempts != 1 {
			t.Fatalf("claimed job state = %+v", job)
		}
	}

	if job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); job != nil {
		t.Fatalf("claim on empty queue returned %v", job)
	}
}

func TestClaimNextJobKindFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, casemill.JobSyncRAG, struct{}{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); job != nil {
		t.Fatalf("claimed job of wrong kind: %v", job)
	}
	if job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobSyncRAG}); job == nil {
		t.Fatal("sync_rag job not claimable")
	}
}

func TestCompleteJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, casemill.JobBufferUpdate, struct{}{})
	job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate})
	if job == nil || job.ID != id {
		t.Fatalf("claim: %v", job)
	}

	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completing again, or failing after completion, changes nothing.
	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := s.FailJob(ctx, id, "late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	if job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); job != nil {
		t.Fatalf("done job became claimable: %v", job)
	}
}

func TestFailJobFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, casemill.JobBufferUpdate, struct{}{})
	if _, err := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailJob(ctx, id, "llm schema violation"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// Failed jobs are never re-dispatched.
	if job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); job != nil {
		t.Fatalf("failed job re-claimed: %v", job)
	}
	if n, _ := s.ReapStaleJobs(ctx, 0); n != 0 {
		t.Fatalf("reap resurrected %d failed jobs", n)
	}
}

func TestReapStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, casemill.JobBufferUpdate, struct{}{})
	if _, err := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Fresh claim is not stale.
	if n, _ := s.ReapStaleJobs(ctx, time.Hour); n != 0 {
		t.Fatalf("reaped %d fresh jobs", n)
	}
	// Zero staleness reaps it immediately.
	n, err := s.ReapStaleJobs(ctx, -time.Second)
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}

	job, _ := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobBufferUpdate})
	if job == nil || job.ID != id {
		t.Fatalf("reaped job not re-claimable: %v", job)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestCompleteJobAnswered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, testMessage("m1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := s.EnqueueJob(ctx, casemill.JobMaybeRespond, struct{}{})
	if _, err := s.ClaimNextJob(ctx, []casemill.JobKind{casemill.JobMaybeRespond}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.CompleteJobAnswered(ctx, id, "m1"); err != nil {
		t.Fatalf("complete answered: %v", err)
	}
	m, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !m.RagAnswered {
		t.Fatal("answered flag not set")
	}

	// A second call on the already-done job must not touch anything.
	if err := s.CompleteJobAnswered(ctx, id, "m2-does-not-exist"); err != nil {
		t.Fatalf("second complete answered: %v", err)
	}
}

func TestBufferRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetBuffer(ctx, "g1")
	if err != nil || got != "" {
		t.Fatalf("empty buffer: %q, %v", got, err)
	}
	if err := s.SetBuffer(ctx, "g1", "line one\n"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetBuffer(ctx, "g1", "line one\nline two\n"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = s.GetBuffer(ctx, "g1")
	if got != "line one\nline two\n" {
		t.Fatalf("buffer = %q", got)
	}
}

func TestCaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := casemill.Case{
		ID:              casemill.NewID(),
		GroupID:         "g1",
		Status:          casemill.CaseSolved,
		ProblemTitle:    "vpn drops",
		ProblemSummary:  "tunnel dies after 5 minutes",
		SolutionSummary: "disable power saving on the adapter",
		Tags:            []string{"vpn", "network"},
		EvidenceIDs:     []string{"m1", "m2"},
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := s.InsertCase(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertCase(ctx, c); !errors.Is(err, casemill.ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}

	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProblemTitle != c.ProblemTitle || got.Status != casemill.CaseSolved || len(got.Tags) != 2 || len(got.EvidenceIDs) != 2 {
		t.Fatalf("case = %+v", got)
	}

	if _, err := s.GetCase(ctx, "nope"); !errors.Is(err, casemill.ErrNotFound) {
		t.Fatalf("missing case err = %v", err)
	}
}

func TestFindMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("m1")
	m.TS = 1700000000123
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	id, err := s.FindMessageID(ctx, "g1", 1700000000123, m.SenderHash)
	if err != nil || id != "m1" {
		t.Fatalf("find: id=%q err=%v", id, err)
	}
	if _, err := s.FindMessageID(ctx, "g1", 1, m.SenderHash); !errors.Is(err, casemill.ErrNotFound) {
		t.Fatalf("miss err = %v", err)
	}
}

func TestRecentMessagesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := testMessage(string(rune('a' + i)))
		m.TS = int64(1000 + i)
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got, err := s.RecentMessages(ctx, "g1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// The 3 newest, oldest first.
	if got[0].TS != 1002 || got[2].TS != 1004 {
		t.Fatalf("order = %d..%d", got[0].TS, got[2].TS)
	}
}

func TestHistoryTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := casemill.HistoryToken{
		Token:     casemill.NewID(),
		GroupID:   "g1",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := s.CreateHistoryToken(ctx, tok); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.ConsumeHistoryToken(ctx, tok.Token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.GroupID != "g1" || !got.Used {
		t.Fatalf("token = %+v", got)
	}

	// Single use.
	if _, err := s.ConsumeHistoryToken(ctx, tok.Token); !errors.Is(err, casemill.ErrNotFound) {
		t.Fatalf("second consume err = %v", err)
	}
}

func TestHistoryTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := casemill.HistoryToken{
		Token:     casemill.NewID(),
		GroupID:   "g1",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	}
	if err := s.CreateHistoryToken(ctx, tok); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ConsumeHistoryToken(ctx, tok.Token); !errors.Is(err, casemill.ErrNotFound) {
		t.Fatalf("expired consume err = %v", err)
	}
}

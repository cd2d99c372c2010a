package casemill

import "encoding/json"

// --- Domain types (database records) ---

// RawMessage is one inbound group message, persisted exactly once at
// ingestion. Content is immutable after insert; the only mutable column is
// the answered-from-RAG flag set by the respond worker.
type RawMessage struct {
	ID          string   `json:"message_id"`
	GroupID     string   `json:"group_id"`
	TS          int64    `json:"ts"` // producer timestamp, Unix milliseconds
	SenderHash  string   `json:"sender_hash"`
	ContentText string   `json:"content_text"`
	ImagePaths  []string `json:"image_paths"`
	ReplyToID   string   `json:"reply_to_id,omitempty"`
	RagAnswered bool     `json:"rag_answered"`
}

// CaseStatus is the resolution state of a mined case.
type CaseStatus string

const (
	CaseSolved CaseStatus = "solved"
	CaseOpen   CaseStatus = "open"
)

// Case is a structured record of a problem and (usually) its resolution.
// Cases are never mutated in place; a status change is a new case that
// supersedes the old one by ID.
type Case struct {
	ID              string     `json:"case_id"`
	GroupID         string     `json:"group_id"`
	Status          CaseStatus `json:"status"`
	ProblemTitle    string     `json:"problem_title"`
	ProblemSummary  string     `json:"problem_summary"`
	SolutionSummary string     `json:"solution_summary"`
	Tags            []string   `json:"tags"`
	EvidenceIDs     []string   `json:"evidence_ids"`
	CreatedAt       int64      `json:"created_at"`
}

// Document returns the canonical retrieval text for the case:
// title, problem, solution, and tags joined by newlines.
func (c Case) Document() string {
	doc := c.ProblemTitle + "\n" + c.ProblemSummary + "\n" + c.SolutionSummary
	if len(c.Tags) > 0 {
		doc += "\n"
		for i, t := range c.Tags {
			if i > 0 {
				doc += " "
			}
			doc += t
		}
	}
	return doc
}

// --- Job queue types ---

// JobKind names a queue. FIFO ordering holds within a kind only.
type JobKind string

const (
	JobBufferUpdate JobKind = "BUFFER_UPDATE"
	JobMaybeRespond JobKind = "MAYBE_RESPOND"
	JobSyncRAG      JobKind = "SYNC_RAG"
	JobHistoryLink  JobKind = "HISTORY_LINK"
	JobHistorySync  JobKind = "HISTORY_SYNC"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job is one durable unit of work. At most one worker holds a job
// in_progress; complete and fail are final transitions.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       JobKind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt int64           `json:"enqueued_at"`
	ClaimedAt  int64           `json:"claimed_at"`
}

// MessageJobPayload is the payload of BUFFER_UPDATE and MAYBE_RESPOND jobs.
type MessageJobPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
}

// --- History bootstrap types ---

// HistoryToken authorizes one bulk history ingest. Single use, TTL from
// config.
type HistoryToken struct {
	Token     string `json:"token"`
	GroupID   string `json:"group_id"`
	ExpiresAt int64  `json:"expires_at"`
	Used      bool   `json:"used"`
}

// HistoryMessage is one canonicalized transcript message fed to the
// history bootstrap.
type HistoryMessage struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	TS     int64  `json:"ts"`
	Text   string `json:"text"`
}

// --- Messaging types ---

// IncomingEvent is what the messaging adapter delivers to the Ingestor.
type IncomingEvent struct {
	MessageID   string   `json:"message_id"`
	GroupID     string   `json:"group_id"`
	Sender      string   `json:"sender"`
	TS          int64    `json:"ts"` // Unix milliseconds
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	ReplyToID   string   `json:"reply_to_id,omitempty"`
}

// Quote identifies the message a reply refers to. MessageID is the
// transport message id; adapters that support native replies use it to
// notify the quoted author, falling back to (ts, author, excerpt)
// rendering otherwise.
type Quote struct {
	MessageID string `json:"message_id,omitempty"`
	TS        int64  `json:"ts"`
	Author    string `json:"author"`
	Excerpt   string `json:"excerpt"` // first 200 chars of the original text
}

// Group is one chat the messaging adapter can see.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

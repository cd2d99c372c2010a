package casemill

import (
	"context"
	"fmt"
)

// ImageExtraction is the structured result of the image→text task.
type ImageExtraction struct {
	Observations  []string `json:"observations"`
	ExtractedText string   `json:"extracted_text"`
}

// GateTag classifies an inbound message for the respond pipeline.
type GateTag string

const (
	TagNewQuestion       GateTag = "new_question"
	TagOngoingDiscussion GateTag = "ongoing_discussion"
	TagNoise             GateTag = "noise"
	TagStatement         GateTag = "statement"
)

// GateResult is the cheap classifier's verdict on whether a reply is worth
// considering at all.
type GateResult struct {
	Consider bool    `json:"consider"`
	Tag      GateTag `json:"tag"`
}

// ExtractSpan is one solved case located inside the buffer. Indexes are
// byte offsets into the buffer text; StartLine/EndLine are optional
// 0-based line hints.
type ExtractSpan struct {
	StartIdx  int    `json:"start_idx"`
	EndIdx    int    `json:"end_idx"`
	StartLine *int   `json:"start_line,omitempty"`
	EndLine   *int   `json:"end_line,omitempty"`
	CaseBlock string `json:"case_block"`
}

// ExtractResult is the validated output of the buffer→spans task: sorted,
// non-overlapping spans, each naming one solved case.
type ExtractResult struct {
	Cases []ExtractSpan `json:"cases"`
}

// Validate rejects any structural deviation: negative indexes, inverted
// spans, unsorted or overlapping spans. A rejected result fails the job
// with no partial commit.
func (r ExtractResult) Validate() error {
	prevEnd := -1
	for i, s := range r.Cases {
		if s.StartIdx < 0 || s.EndIdx < 0 {
			return &ErrSchema{Task: "extract", Reason: fmt.Sprintf("span %d: negative index", i)}
		}
		if s.StartIdx > s.EndIdx {
			return &ErrSchema{Task: "extract", Reason: fmt.Sprintf("span %d: start %d > end %d", i, s.StartIdx, s.EndIdx)}
		}
		if s.StartIdx <= prevEnd {
			return &ErrSchema{Task: "extract", Reason: fmt.Sprintf("span %d: overlaps or unsorted at %d", i, s.StartIdx)}
		}
		prevEnd = s.EndIdx
	}
	return nil
}

// StructureResult is the span→case task output. Keep=false retracts the
// span; SolutionSummary is required when Status is solved.
type StructureResult struct {
	Keep            bool       `json:"keep"`
	Status          CaseStatus `json:"status"`
	ProblemTitle    string     `json:"problem_title"`
	ProblemSummary  string     `json:"problem_summary"`
	SolutionSummary string     `json:"solution_summary"`
	Tags            []string   `json:"tags"`
	EvidenceIDs     []string   `json:"evidence_ids"`
}

// Validate checks the structural contract of a kept case.
func (r StructureResult) Validate() error {
	if !r.Keep {
		return nil
	}
	if r.Status != CaseSolved && r.Status != CaseOpen {
		return &ErrSchema{Task: "structure", Reason: fmt.Sprintf("bad status %q", r.Status)}
	}
	if r.ProblemTitle == "" {
		return &ErrSchema{Task: "structure", Reason: "empty problem_title"}
	}
	if r.Status == CaseSolved && r.SolutionSummary == "" {
		return &ErrSchema{Task: "structure", Reason: "solved case without solution_summary"}
	}
	return nil
}

// RespondResult is the response-drafting task output. Citations are case
// ids backing the reply.
type RespondResult struct {
	Respond   bool     `json:"respond"`
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// Gateway is the typed LLM boundary. Every call returns a schema-validated
// result; structural deviations surface as *ErrSchema and are never
// retried. Transient transport failures are retried at most twice with
// jittered backoff (see WithRetry).
type Gateway interface {
	// ImageToText extracts visible text and notable elements from an image.
	ImageToText(ctx context.Context, image []byte, mimeType string) (ImageExtraction, error)

	// Gate decides whether the message is worth considering for a reply,
	// given a short window of recent group history.
	Gate(ctx context.Context, message string, recent []string) (GateResult, error)

	// Extract locates solved-case spans in a rolling buffer.
	Extract(ctx context.Context, buffer string) (ExtractResult, error)

	// Structure turns one span of transcript into a case record.
	Structure(ctx context.Context, span string) (StructureResult, error)

	// Respond drafts a reply from the message, retrieved cases, and recent
	// history.
	Respond(ctx context.Context, message string, retrieved []ScoredEntry, recent []string) (RespondResult, error)

	// HistoryBlocks extracts resolved case blocks from one transcript
	// chunk. Unresolved cases are omitted by contract.
	HistoryBlocks(ctx context.Context, chunk string) ([]string, error)

	// Embed returns the embedding vector for a text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

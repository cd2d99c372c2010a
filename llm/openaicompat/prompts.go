package openaicompat

import (
	"strings"

	"github.com/ohanchuk/casemill"
)

// Task prompts. Each pairs with a strict output schema below; the model
// never sees the schema text, only the instruction.

const imagePrompt = `You are reading a screenshot or photo posted in a technical support chat.
Report the visible text verbatim and list the notable UI elements or error
indicators you can see. Do not guess at content that is not visible.`

const gatePrompt = `You triage messages in a technical support group chat.
Given one new message and a short window of recent messages, decide whether
the new message is worth considering for an automatic answer.
Tag it as one of:
  new_question       - a fresh question or problem report
  ongoing_discussion - part of an exchange already in progress
  noise              - greetings, stickers, small talk
  statement          - information sharing, no answer expected
Set consider=true only for new_question.`

const extractPrompt = `You are given a rolling transcript of a technical support group chat.
Each line has the form "[timestamp] sender: text".
Find every fully RESOLVED support case: a problem that was stated and then
answered or worked around within this transcript.
For each, report the byte span [start_idx, end_idx] of the lines involved
(end inclusive) and quote those lines verbatim in case_block.
Spans must be sorted by start_idx and must not overlap.
Ignore problems that are still unresolved; they stay in the buffer.`

const structurePrompt = `You are given the transcript lines of one candidate support case.
Decide whether it really is a self-contained support case (keep=true) or a
false positive (keep=false).
If kept, produce: status (solved or open), a one-line problem_title, a
problem_summary, a solution_summary (required when solved), short topic
tags, and evidence_ids if any message ids are quoted in the text.`

const respondPrompt = `You draft replies for a support assistant in a group chat.
You are given the new message, a window of recent messages, and retrieved
past cases (each with a case id). Reply only when the retrieved cases
actually answer the question; otherwise set respond=false.
Write in the chat's language, be concise, and list the case ids you relied
on in citations. Never invent facts that are not in the retrieved cases.`

const historyPrompt = `You are given a chunk of exported group chat history.
Each line has the form "[timestamp] sender: text".
Extract every RESOLVED support case as one case_block quoting the relevant
lines verbatim. Skip unresolved or off-topic exchanges entirely.`

// Strict output schemas, one per task.

var imageSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"observations", "extracted_text"},
	"properties": map[string]any{
		"observations":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"extracted_text": map[string]any{"type": "string"},
	},
}

var gateSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"consider", "tag"},
	"properties": map[string]any{
		"consider": map[string]any{"type": "boolean"},
		"tag": map[string]any{
			"type": "string",
			"enum": []string{"new_question", "ongoing_discussion", "noise", "statement"},
		},
	},
}

var extractSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"cases"},
	"properties": map[string]any{
		"cases": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"start_idx", "end_idx", "case_block"},
				"properties": map[string]any{
					"start_idx":  map[string]any{"type": "integer"},
					"end_idx":    map[string]any{"type": "integer"},
					"start_line": map[string]any{"type": "integer"},
					"end_line":   map[string]any{"type": "integer"},
					"case_block": map[string]any{"type": "string"},
				},
			},
		},
	},
}

var structureSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"keep", "status", "problem_title", "problem_summary", "solution_summary", "tags", "evidence_ids"},
	"properties": map[string]any{
		"keep":             map[string]any{"type": "boolean"},
		"status":           map[string]any{"type": "string", "enum": []string{"solved", "open"}},
		"problem_title":    map[string]any{"type": "string"},
		"problem_summary":  map[string]any{"type": "string"},
		"solution_summary": map[string]any{"type": "string"},
		"tags":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"evidence_ids":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

var respondSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"respond", "text", "citations"},
	"properties": map[string]any{
		"respond":   map[string]any{"type": "boolean"},
		"text":      map[string]any{"type": "string"},
		"citations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

var historySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"cases"},
	"properties": map[string]any{
		"cases": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"case_block"},
				"properties": map[string]any{
					"case_block": map[string]any{"type": "string"},
				},
			},
		},
	},
}

// renderGateInput assembles the user message for the gate task.
func renderGateInput(message string, recent []string) string {
	var b strings.Builder
	b.WriteString("## Recent messages\n")
	if len(recent) == 0 {
		b.WriteString("(none)\n")
	}
	for _, line := range recent {
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("\n## New message\n")
	b.WriteString(message)
	return b.String()
}

// renderRespondInput assembles the user message for the respond task.
func renderRespondInput(message string, retrieved []casemill.ScoredEntry, recent []string) string {
	var b strings.Builder
	b.WriteString("## Retrieved cases\n")
	if len(retrieved) == 0 {
		b.WriteString("(none)\n")
	}
	for _, r := range retrieved {
		b.WriteString("[case:")
		b.WriteString(r.ID)
		b.WriteString("]\n")
		b.WriteString(r.Document)
		b.WriteString("\n\n")
	}
	b.WriteString("## Recent messages\n")
	if len(recent) == 0 {
		b.WriteString("(none)\n")
	}
	for _, line := range recent {
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("\n## New message\n")
	b.WriteString(message)
	return b.String()
}

// Package openaicompat implements casemill.Gateway against any
// OpenAI-compatible API (OpenAI, OpenRouter, Groq, DeepSeek, Ollama,
// vLLM, LM Studio, Azure OpenAI, ...).
//
// Every task requests structured output via response_format json_schema
// and validates the decoded result at this boundary; structural
// deviations surface as *casemill.ErrSchema and are never retried.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ohanchuk/casemill"
)

// Models selects the model per task. Zero-valued fields fall back to
// Default.
type Models struct {
	Default   string
	Image     string
	Gate      string
	Extract   string
	Structure string
	Respond   string
	History   string
	Embedding string
}

// pick returns the task model or the default.
func (m Models) pick(task string) string {
	byTask := map[string]string{
		"image_to_text":  m.Image,
		"gate":           m.Gate,
		"extract":        m.Extract,
		"structure":      m.Structure,
		"respond":        m.Respond,
		"history_blocks": m.History,
	}
	if v := byTask[task]; v != "" {
		return v
	}
	return m.Default
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient sets the HTTP client. The default applies a 120s
// per-call timeout.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets a structured logger for request-level events.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithName sets the provider name used in errors. Default "openai".
func WithName(name string) GatewayOption {
	return func(g *Gateway) { g.name = name }
}

// Gateway implements casemill.Gateway over the OpenAI-compatible chat
// completions and embeddings endpoints.
type Gateway struct {
	apiKey  string
	baseURL string
	models  Models
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ casemill.Gateway = (*Gateway)(nil)

// New creates a Gateway. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the endpoint paths are appended
// automatically.
func New(apiKey, baseURL string, models Models, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  models,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
	}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ImageToText implements casemill.Gateway.
func (g *Gateway) ImageToText(ctx context.Context, image []byte, mimeType string) (casemill.ImageExtraction, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	req := ChatRequest{
		Model: g.models.pick("image_to_text"),
		Messages: []Message{
			{Role: "system", Content: imagePrompt},
			{Role: "user", Content: []ContentBlock{
				{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}},
			}},
		},
		ResponseFormat: schemaFormat("image_extraction", imageSchema),
	}
	var out casemill.ImageExtraction
	if err := g.chatJSON(ctx, "image_to_text", req, &out); err != nil {
		return casemill.ImageExtraction{}, err
	}
	return out, nil
}

// Gate implements casemill.Gateway.
func (g *Gateway) Gate(ctx context.Context, message string, recent []string) (casemill.GateResult, error) {
	req := ChatRequest{
		Model: g.models.pick("gate"),
		Messages: []Message{
			{Role: "system", Content: gatePrompt},
			{Role: "user", Content: renderGateInput(message, recent)},
		},
		ResponseFormat: schemaFormat("gate_decision", gateSchema),
	}
	var out casemill.GateResult
	if err := g.chatJSON(ctx, "gate", req, &out); err != nil {
		return casemill.GateResult{}, err
	}
	switch out.Tag {
	case casemill.TagNewQuestion, casemill.TagOngoingDiscussion, casemill.TagNoise, casemill.TagStatement:
	default:
		return casemill.GateResult{}, &casemill.ErrSchema{Task: "gate", Reason: fmt.Sprintf("unknown tag %q", out.Tag)}
	}
	return out, nil
}

// Extract implements casemill.Gateway.
func (g *Gateway) Extract(ctx context.Context, buffer string) (casemill.ExtractResult, error) {
	req := ChatRequest{
		Model: g.models.pick("extract"),
		Messages: []Message{
			{Role: "system", Content: extractPrompt},
			{Role: "user", Content: buffer},
		},
		ResponseFormat: schemaFormat("extract_spans", extractSchema),
	}
	var out casemill.ExtractResult
	if err := g.chatJSON(ctx, "extract", req, &out); err != nil {
		return casemill.ExtractResult{}, err
	}
	if err := out.Validate(); err != nil {
		return casemill.ExtractResult{}, err
	}
	return out, nil
}

// Structure implements casemill.Gateway.
func (g *Gateway) Structure(ctx context.Context, span string) (casemill.StructureResult, error) {
	req := ChatRequest{
		Model: g.models.pick("structure"),
		Messages: []Message{
			{Role: "system", Content: structurePrompt},
			{Role: "user", Content: span},
		},
		ResponseFormat: schemaFormat("structured_case", structureSchema),
	}
	var out casemill.StructureResult
	if err := g.chatJSON(ctx, "structure", req, &out); err != nil {
		return casemill.StructureResult{}, err
	}
	if err := out.Validate(); err != nil {
		return casemill.StructureResult{}, err
	}
	return out, nil
}

// Respond implements casemill.Gateway.
func (g *Gateway) Respond(ctx context.Context, message string, retrieved []casemill.ScoredEntry, recent []string) (casemill.RespondResult, error) {
	req := ChatRequest{
		Model: g.models.pick("respond"),
		Messages: []Message{
			{Role: "system", Content: respondPrompt},
			{Role: "user", Content: renderRespondInput(message, retrieved, recent)},
		},
		ResponseFormat: schemaFormat("draft_reply", respondSchema),
	}
	var out casemill.RespondResult
	if err := g.chatJSON(ctx, "respond", req, &out); err != nil {
		return casemill.RespondResult{}, err
	}
	return out, nil
}

// HistoryBlocks implements casemill.Gateway.
func (g *Gateway) HistoryBlocks(ctx context.Context, chunk string) ([]string, error) {
	req := ChatRequest{
		Model: g.models.pick("history_blocks"),
		Messages: []Message{
			{Role: "system", Content: historyPrompt},
			{Role: "user", Content: chunk},
		},
		ResponseFormat: schemaFormat("history_blocks", historySchema),
	}
	var out struct {
		Cases []struct {
			CaseBlock string `json:"case_block"`
		} `json:"cases"`
	}
	if err := g.chatJSON(ctx, "history_blocks", req, &out); err != nil {
		return nil, err
	}
	blocks := make([]string, 0, len(out.Cases))
	for _, c := range out.Cases {
		if c.CaseBlock != "" {
			blocks = append(blocks, c.CaseBlock)
		}
	}
	return blocks, nil
}

// Embed implements casemill.Gateway.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(EmbeddingRequest{Model: g.models.Embedding, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("embed: encode: %w", err)
	}
	respBody, err := g.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	var resp EmbeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &casemill.ErrLLM{Provider: g.name, Message: fmt.Sprintf("decode embeddings: %v", err)}
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &casemill.ErrLLM{Provider: g.name, Message: "empty embedding"}
	}
	return resp.Data[0].Embedding, nil
}

// chatJSON sends one chat completion and decodes the structured content
// into out. A malformed body is a schema error for the given task.
func (g *Gateway) chatJSON(ctx context.Context, task string, req ChatRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", task, err)
	}
	start := time.Now()
	respBody, err := g.post(ctx, "/chat/completions", body)
	if err != nil {
		return err
	}
	var resp ChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return &casemill.ErrLLM{Provider: g.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return &casemill.ErrLLM{Provider: g.name, Message: "no choices in response"}
	}
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &casemill.ErrSchema{Task: task, Reason: fmt.Sprintf("content is not valid JSON: %v", err)}
	}
	g.logger.Debug("llm call", "task", task, "model", req.Model, "elapsed", time.Since(start))
	return nil
}

// post sends one JSON request and returns the response body, mapping
// non-2xx statuses to *casemill.ErrHTTP with any Retry-After hint.
func (g *Gateway) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &casemill.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return respBody, nil
}

// parseRetryAfter parses a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// schemaFormat wraps a schema map into a strict json_schema response
// format.
func schemaFormat(name string, schema map[string]any) *ResponseFormat {
	return &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &JSONSchema{Name: name, Strict: true, Schema: schema},
	}
}

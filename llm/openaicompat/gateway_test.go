package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ohanchuk/casemill"
)

// chatServer returns a test server whose /chat/completions endpoint wraps
// content into a single-choice response, and a Gateway pointed at it.
func chatServer(t *testing.T, content string) *Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return New("test-key", srv.URL, Models{Default: "test-model"})
}

func TestGateDecodesStructuredContent(t *testing.T) {
	g := chatServer(t, `{"consider":true,"tag":"new_question"}`)
	got, err := g.Gate(context.Background(), "my vpn is down", nil)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if !got.Consider || got.Tag != casemill.TagNewQuestion {
		t.Fatalf("result = %+v", got)
	}
}

func TestGateRejectsUnknownTag(t *testing.T) {
	g := chatServer(t, `{"consider":true,"tag":"banter"}`)
	_, err := g.Gate(context.Background(), "hi", nil)
	var schemaErr *casemill.ErrSchema
	if !errors.As(err, &schemaErr) || schemaErr.Task != "gate" {
		t.Fatalf("err = %v, want gate schema error", err)
	}
}

func TestChatContentNotJSON(t *testing.T) {
	g := chatServer(t, "sorry, I cannot help with that")
	_, err := g.Structure(context.Background(), "span")
	var schemaErr *casemill.ErrSchema
	if !errors.As(err, &schemaErr) || schemaErr.Task != "structure" {
		t.Fatalf("err = %v, want structure schema error", err)
	}
}

func TestExtractValidatesSpans(t *testing.T) {
	g := chatServer(t, `{"cases":[{"start_idx":50,"end_idx":10}]}`)
	_, err := g.Extract(context.Background(), "buffer")
	var schemaErr *casemill.ErrSchema
	if !errors.As(err, &schemaErr) {
		t.Fatalf("err = %v, want schema error on inverted span", err)
	}
}

func TestRespondRoundTrip(t *testing.T) {
	g := chatServer(t, `{"respond":true,"text":"reboot it","citations":["c-1"]}`)
	got, err := g.Respond(context.Background(), "help", nil, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !got.Respond || got.Text != "reboot it" || len(got.Citations) != 1 {
		t.Fatalf("result = %+v", got)
	}
}

func TestHistoryBlocksDropsEmpty(t *testing.T) {
	g := chatServer(t, `{"cases":[{"case_block":"first"},{"case_block":""},{"case_block":"second"}]}`)
	blocks, err := g.HistoryBlocks(context.Background(), "chunk")
	if err != nil {
		t.Fatalf("HistoryBlocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0] != "first" || blocks[1] != "second" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestPostMapsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	g := New("k", srv.URL, Models{Default: "m"})
	_, err := g.Gate(context.Background(), "hi", nil)
	var httpErr *casemill.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 7*time.Second {
		t.Fatalf("ErrHTTP = %+v", httpErr)
	}
	if !strings.Contains(httpErr.Body, "rate limited") {
		t.Fatalf("body = %q", httpErr.Body)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req EmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "embed-model" || len(req.Input) != 1 || req.Input[0] != "some text" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{{Embedding: []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	g := New("k", srv.URL, Models{Default: "m", Embedding: "embed-model"})
	got, err := g.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 3 || got[1] != 0.2 {
		t.Fatalf("embedding = %v", got)
	}
}

func TestEmbedEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbeddingResponse{})
	}))
	defer srv.Close()

	g := New("k", srv.URL, Models{Embedding: "e"})
	_, err := g.Embed(context.Background(), "x")
	var llmErr *casemill.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want ErrLLM", err)
	}
}

func TestModelsPick(t *testing.T) {
	m := Models{Default: "base", Gate: "fast", Respond: "big"}
	if got := m.pick("gate"); got != "fast" {
		t.Errorf("gate model = %q", got)
	}
	if got := m.pick("respond"); got != "big" {
		t.Errorf("respond model = %q", got)
	}
	if got := m.pick("structure"); got != "base" {
		t.Errorf("structure fallback = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("parseRetryAfter(30) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", d)
	}
	if d := parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"); d != 0 {
		t.Errorf("parseRetryAfter(date) = %v", d)
	}
}

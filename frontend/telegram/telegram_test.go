package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ohanchuk/casemill"
)

func TestRenderOutgoing(t *testing.T) {
	got := renderOutgoing("disable power saving",
		&casemill.Quote{TS: 1700000000000, Author: "a1b2", Excerpt: "my vpn\nkeeps dropping"},
		[]string{"a1b2"})
	want := "> a1b2, 2023-11-14 22:13 UTC\n> my vpn\n> keeps dropping\ndisable power saving\n@a1b2"
	if got != want {
		t.Fatalf("renderOutgoing = %q, want %q", got, want)
	}
}

func TestRenderOutgoingPlain(t *testing.T) {
	if got := renderOutgoing("just text", nil, nil); got != "just text" {
		t.Fatalf("renderOutgoing = %q", got)
	}
}

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestSplitMessageLineBoundaries(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(strings.Repeat("x", 99))
		b.WriteByte('\n')
	}
	text := b.String() // 10000 chars in 100-char lines

	chunks := splitMessage(text)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least 3", len(chunks))
	}
	var total string
	for i, c := range chunks {
		if len(c) > maxMessageLength {
			t.Errorf("chunk %d over limit: %d", i, len(c))
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c, "\n") {
			t.Errorf("chunk %d not split on a line boundary", i)
		}
		total += c
	}
	if total != text {
		t.Fatal("chunks do not reassemble the original text")
	}
}

func TestSplitMessageNoNewlines(t *testing.T) {
	text := strings.Repeat("y", maxMessageLength+10)
	chunks := splitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != maxMessageLength {
		t.Fatalf("first chunk = %d chars", len(chunks[0]))
	}
}

func TestMapToEvent(t *testing.T) {
	b := New("token")
	ev := b.mapToEvent(context.Background(), &TGMessage{
		MessageID:      42,
		From:           &TGUser{ID: 777},
		Chat:           TGChat{ID: -100123, Type: "supergroup", Title: "support"},
		Date:           1700000000,
		Text:           "printer is jammed",
		ReplyToMessage: &TGMessage{MessageID: 41},
	})
	if ev.MessageID != "42" || ev.GroupID != "-100123" || ev.Sender != "777" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.TS != 1700000000000 {
		t.Fatalf("ts = %d, want milliseconds", ev.TS)
	}
	if ev.Text != "printer is jammed" || ev.ReplyToID != "41" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMapToEventCaptionFallback(t *testing.T) {
	b := New("token")
	ev := b.mapToEvent(context.Background(), &TGMessage{
		MessageID: 1,
		Chat:      TGChat{ID: 1, Type: "group"},
		Caption:   "screenshot of the error",
	})
	if ev.Text != "screenshot of the error" {
		t.Fatalf("text = %q, want caption fallback", ev.Text)
	}
}

func TestIsGroupChat(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"group", true},
		{"supergroup", true},
		{"private", false},
		{"channel", false},
	}
	for _, tt := range tests {
		if got := isGroupChat(TGChat{Type: tt.typ}); got != tt.want {
			t.Errorf("isGroupChat(%q) = %v", tt.typ, got)
		}
	}
}

func TestSendGroupTextEnvelope(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":99}}`))
	}))
	defer srv.Close()

	b := New("token", WithHTTPClient(srv.Client()))
	// Point the client at the test server regardless of the real host.
	b.httpClient.Transport = rewriteTransport{base: srv.URL}

	id, err := b.SendGroupText(context.Background(), "-1", "hello", nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "99" {
		t.Fatalf("id = %q, want 99", id)
	}
	if gotBody["chat_id"] != "-1" || gotBody["text"] != "hello" {
		t.Fatalf("request body = %v", gotBody)
	}
}

func TestSendGroupTextNativeReply(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":100}}`))
	}))
	defer srv.Close()

	b := New("token", WithHTTPClient(srv.Client()))
	b.httpClient.Transport = rewriteTransport{base: srv.URL}

	quote := &casemill.Quote{MessageID: "42", TS: 1, Author: "a1b2", Excerpt: "my vpn keeps dropping"}
	if _, err := b.SendGroupText(context.Background(), "-1", "reboot it", quote, []string{"a1b2"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	rp, ok := gotBody["reply_parameters"].(map[string]any)
	if !ok || rp["message_id"] != float64(42) {
		t.Fatalf("reply_parameters = %v, want message_id 42", gotBody["reply_parameters"])
	}
	// The native reply already attributes and notifies the asker; the body
	// carries only the answer.
	if gotBody["text"] != "reboot it" {
		t.Fatalf("text = %q, want bare reply", gotBody["text"])
	}
}

func TestSendGroupTextQuoteFallback(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":100}}`))
	}))
	defer srv.Close()

	b := New("token", WithHTTPClient(srv.Client()))
	b.httpClient.Transport = rewriteTransport{base: srv.URL}

	// No transport message id: the quote renders as an attributed block.
	quote := &casemill.Quote{TS: 1700000000000, Author: "a1b2", Excerpt: "my vpn keeps dropping"}
	if _, err := b.SendGroupText(context.Background(), "-1", "reboot it", quote, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := gotBody["reply_parameters"]; ok {
		t.Fatal("reply_parameters set without a message id")
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "> a1b2, 2023-11-14 22:13 UTC") || !strings.Contains(text, "> my vpn keeps dropping") {
		t.Fatalf("text = %q, want attributed blockquote", text)
	}
}

func TestCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"bot was kicked"}`))
	}))
	defer srv.Close()

	b := New("token", WithHTTPClient(srv.Client()))
	b.httpClient.Transport = rewriteTransport{base: srv.URL}

	_, err := b.SendGroupText(context.Background(), "-1", "hello", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "bot was kicked") {
		t.Fatalf("err = %v", err)
	}
	apiErr, ok := err.(*apiError)
	if !ok || apiErr.Code != 403 {
		t.Fatalf("err = %#v, want *apiError 403", err)
	}
}

// rewriteTransport redirects every request to the test server.
type rewriteTransport struct {
	base string
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	parsed, err := url.Parse(t.base + req.URL.Path)
	if err != nil {
		return nil, err
	}
	clone.URL = parsed
	clone.Host = parsed.Host
	return http.DefaultTransport.RoundTrip(clone)
}

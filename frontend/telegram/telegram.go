// Package telegram implements casemill.Messenger on the Telegram Bot
// API with long-polling. Photo attachments are downloaded into a spool
// directory and surfaced as local paths on the event.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ohanchuk/casemill"
)

const (
	apiBaseURL       = "https://api.telegram.org/bot"
	maxMessageLength = 4096
	pollTimeoutSecs  = 30
)

// Option configures a Bot.
type Option func(*Bot)

// WithHTTPClient sets the HTTP client used for API calls and downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.httpClient = c }
}

// WithSpoolDir sets the directory photo attachments are downloaded into.
// Default: the OS temp directory.
func WithSpoolDir(dir string) Option {
	return func(b *Bot) { b.spoolDir = dir }
}

// WithLogger sets a structured logger for poll and send events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// Bot implements casemill.Messenger for Telegram.
type Bot struct {
	token      string
	httpClient *http.Client
	spoolDir   string
	logger     *slog.Logger

	mu     sync.Mutex
	groups map[string]casemill.Group // populated from observed updates
}

var _ casemill.Messenger = (*Bot)(nil)

// New creates a Bot with the given bot token.
func New(token string, opts ...Option) *Bot {
	b := &Bot{
		token:      token,
		httpClient: &http.Client{},
		spoolDir:   os.TempDir(),
		groups:     make(map[string]casemill.Group),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Events implements casemill.Messenger. It starts a long-poll loop and
// delivers group messages until ctx is cancelled.
func (b *Bot) Events(ctx context.Context) (<-chan casemill.IncomingEvent, error) {
	ch := make(chan casemill.IncomingEvent)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- casemill.IncomingEvent) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram: poll error", "error", err)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || !isGroupChat(u.Message.Chat) {
				continue
			}
			b.rememberGroup(u.Message.Chat)
			select {
			case ch <- b.mapToEvent(ctx, u.Message):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeoutSecs,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SendGroupText implements casemill.Messenger. A quote carrying a
// numeric message id becomes a native Telegram reply, which notifies the
// quoted author; otherwise the quote renders as a leading block-quote and
// mentions as a trailing tag line. Over-long texts split on line
// boundaries; the id of the last part is returned.
func (b *Bot) SendGroupText(ctx context.Context, groupID, text string, quote *casemill.Quote, mentions []string) (string, error) {
	var replyTo int64
	if quote != nil && quote.MessageID != "" {
		if id, err := strconv.ParseInt(quote.MessageID, 10, 64); err == nil {
			replyTo = id
		}
	}

	full := text
	if replyTo == 0 {
		// No native reply possible; fall back to textual attribution.
		full = renderOutgoing(text, quote, mentions)
	}

	var lastID string
	for i, chunk := range splitMessage(full) {
		body := map[string]any{
			"chat_id": groupID,
			"text":    chunk,
		}
		if i == 0 && replyTo != 0 {
			body["reply_parameters"] = map[string]any{
				"message_id":                  replyTo,
				"allow_sending_without_reply": true,
			}
		}
		var result TGMessage
		if err := b.callAPI(ctx, "sendMessage", body, &result); err != nil {
			return "", err
		}
		lastID = strconv.FormatInt(result.MessageID, 10)
	}
	b.logger.Debug("telegram: sent", "group_id", groupID, "message_id", lastID, "reply_to", replyTo)
	return lastID, nil
}

// ListGroups implements casemill.Messenger. The Bot API has no chat
// enumeration; the list is accumulated from observed updates.
func (b *Bot) ListGroups(ctx context.Context) ([]casemill.Group, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]casemill.Group, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Bot) rememberGroup(chat TGChat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.FormatInt(chat.ID, 10)
	b.groups[id] = casemill.Group{ID: id, Name: chat.Title}
}

// mapToEvent converts a Telegram message to the transport-neutral event.
// The largest photo size is downloaded to the spool dir; a failed
// download drops the attachment but keeps the message.
func (b *Bot) mapToEvent(ctx context.Context, m *TGMessage) casemill.IncomingEvent {
	ev := casemill.IncomingEvent{
		MessageID: strconv.FormatInt(m.MessageID, 10),
		GroupID:   strconv.FormatInt(m.Chat.ID, 10),
		TS:        m.Date * 1000,
		Text:      m.Text,
	}
	if m.From != nil {
		ev.Sender = strconv.FormatInt(m.From.ID, 10)
	}
	if m.Caption != "" && ev.Text == "" {
		ev.Text = m.Caption
	}
	if m.ReplyToMessage != nil {
		ev.ReplyToID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		if p, err := b.downloadToSpool(ctx, largest.FileID); err == nil {
			ev.Attachments = append(ev.Attachments, p)
		} else {
			b.logger.Warn("telegram: photo download failed", "file_id", largest.FileID, "error", err)
		}
	}
	return ev
}

// downloadToSpool fetches a file by id and writes it under the spool dir,
// returning the local path.
func (b *Bot) downloadToSpool(ctx context.Context, fileID string) (string, error) {
	var file TGFile
	if err := b.callAPI(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("telegram: build download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("telegram: download HTTP %d: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("telegram: read download: %w", err)
	}

	name := fileID + filepath.Ext(file.FilePath)
	p := filepath.Join(b.spoolDir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("telegram: spool write: %w", err)
	}
	return p, nil
}

// callAPI posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isGroupChat(c TGChat) bool {
	return c.Type == "group" || c.Type == "supergroup"
}

// renderOutgoing assembles the final message text: optional quote block
// headed by the quoted author and timestamp, body, optional mention tag
// line.
func renderOutgoing(text string, quote *casemill.Quote, mentions []string) string {
	var b strings.Builder
	if quote != nil && quote.Excerpt != "" {
		b.WriteString("> ")
		b.WriteString(quote.Author)
		b.WriteString(", ")
		b.WriteString(time.UnixMilli(quote.TS).UTC().Format("2006-01-02 15:04 UTC"))
		b.WriteByte('\n')
		for _, line := range strings.Split(quote.Excerpt, "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString(text)
	if len(mentions) > 0 {
		b.WriteByte('\n')
		for i, m := range mentions {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("@" + m)
		}
	}
	return b.String()
}

// splitMessage splits text into chunks within Telegram's 4096-char limit,
// preferring line boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}

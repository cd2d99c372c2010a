package casemill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Ingestor is the ingestion front-end: it normalizes an inbound event,
// enriches it with image-derived text, persists the message, and enqueues
// the two pipeline jobs in order (MAYBE_RESPOND, then BUFFER_UPDATE).
//
// Duplicate deliveries are silent: a message_id already present in the
// store enqueues nothing.
type Ingestor struct {
	store   Store
	gateway Gateway
	blob    BlobStore
	cfg     ingestConfig
}

type ingestConfig struct {
	localRoot string
	upload    bool
	logger    *slog.Logger
}

// IngestOption configures an Ingestor.
type IngestOption func(*ingestConfig)

// WithLocalRoot sets the filesystem root for resolving local attachment
// paths. Default: the process working directory.
func WithLocalRoot(dir string) IngestOption {
	return func(c *ingestConfig) { c.localRoot = dir }
}

// WithBlobUpload enables uploading a copy of each local attachment to the
// blob store. Fetched blob URIs are never re-uploaded.
func WithBlobUpload() IngestOption {
	return func(c *ingestConfig) { c.upload = true }
}

// WithIngestLogger sets a structured logger for the ingestor.
func WithIngestLogger(l *slog.Logger) IngestOption {
	return func(c *ingestConfig) { c.logger = l }
}

// NewIngestor creates an Ingestor. blob may be nil when the deployment has
// no object storage; local paths are then the only attachment source.
func NewIngestor(store Store, gateway Gateway, blob BlobStore, opts ...IngestOption) *Ingestor {
	cfg := ingestConfig{logger: nopLogger}
	for _, o := range opts {
		o(&cfg)
	}
	return &Ingestor{store: store, gateway: gateway, blob: blob, cfg: cfg}
}

// Ingest processes one inbound event end to end. It returns nil both on
// success and on duplicate delivery.
func (ing *Ingestor) Ingest(ctx context.Context, ev IncomingEvent) error {
	if ev.MessageID == "" || ev.GroupID == "" {
		return fmt.Errorf("ingest: event missing message_id or group_id")
	}

	text := ev.Text
	paths := make([]string, 0, len(ev.Attachments))
	for _, ref := range ev.Attachments {
		uri, annotation := ing.attachment(ctx, ev, ref)
		paths = append(paths, uri)
		if text != "" {
			text += "\n"
		}
		text += annotation
	}

	m := RawMessage{
		ID:          ev.MessageID,
		GroupID:     ev.GroupID,
		TS:          ev.TS,
		SenderHash:  SenderHash(ev.Sender),
		ContentText: text,
		ImagePaths:  paths,
		ReplyToID:   ev.ReplyToID,
	}

	// MAYBE_RESPOND strictly before BUFFER_UPDATE: if the bot can answer
	// from RAG it flags the message, and the buffer worker then refuses to
	// open a new case from the same thread.
	err := ing.store.InsertMessageAndEnqueue(ctx, m, []JobKind{JobMaybeRespond, JobBufferUpdate})
	if errors.Is(err, ErrDuplicate) {
		ing.cfg.logger.Debug("ingest: duplicate message", "message_id", ev.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: persist %s: %w", ev.MessageID, err)
	}
	ing.cfg.logger.Debug("ingest: message persisted", "message_id", ev.MessageID, "group_id", ev.GroupID, "attachments", len(paths))
	return nil
}

// attachment resolves one attachment reference to bytes, optionally
// uploads a copy to the blob store, and returns the stored URI plus the
// human-readable annotation appended to the message text. Extraction
// failures are absorbed: the annotation degrades to "[Image]".
func (ing *Ingestor) attachment(ctx context.Context, ev IncomingEvent, ref string) (uri, annotation string) {
	data, mimeType, err := ing.resolve(ctx, ref)
	if err != nil {
		ing.cfg.logger.Warn("ingest: attachment unavailable", "ref", ref, "error", err)
		return ref, "[Image]"
	}

	uri = ref
	if ing.cfg.upload && ing.blob != nil && !isBlobURI(ref) {
		key := ev.GroupID + "/" + ev.MessageID + "/" + path.Base(ref)
		if stored, err := ing.blob.Put(ctx, key, data, mimeType); err == nil {
			uri = stored
		} else {
			ing.cfg.logger.Warn("ingest: blob upload failed", "ref", ref, "error", err)
		}
	}

	ext, err := ing.gateway.ImageToText(ctx, data, mimeType)
	if err != nil {
		ing.cfg.logger.Warn("ingest: image extraction failed", "ref", ref, "error", err)
		return uri, "[Image]"
	}
	return uri, formatImageAnnotation(ext)
}

// resolve fetches attachment bytes from the blob store or from the local
// filesystem root, guessing the MIME type from the extension.
func (ing *Ingestor) resolve(ctx context.Context, ref string) ([]byte, string, error) {
	if isBlobURI(ref) {
		if ing.blob == nil {
			return nil, "", fmt.Errorf("blob uri %q with no blob store configured", ref)
		}
		data, err := ing.blob.Get(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		return data, sniffMime(ref, data), nil
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(ing.cfg.localRoot, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, "", err
	}
	return data, sniffMime(ref, data), nil
}

func isBlobURI(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "r2://") || strings.HasPrefix(ref, "s3://")
}

func sniffMime(ref string, data []byte) string {
	if t := mime.TypeByExtension(path.Ext(ref)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// formatImageAnnotation renders a successful extraction as the single
// annotation appended to the message text.
func formatImageAnnotation(ext ImageExtraction) string {
	return "[Image: Text on image: " + ext.ExtractedText + " | Elements: " + strings.Join(ext.Observations, ", ") + "]"
}

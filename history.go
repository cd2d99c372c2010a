package casemill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BlockExtractor performs the blocks-extraction LLM call for one chunk.
//
// The production implementation is SubprocessExtractor, which isolates
// every call in a short-lived child process: the upstream LLM transport
// has been observed to hang on repeated calls from a long-lived process,
// so the parent supervises and reaps one worker per chunk.
type BlockExtractor interface {
	ExtractBlocks(ctx context.Context, chunk string) ([]string, error)
}

// GatewayExtractor runs the blocks extraction in-process through a
// Gateway. Used by the subprocess worker binary and by tests.
type GatewayExtractor struct {
	Gateway Gateway
}

var _ BlockExtractor = (*GatewayExtractor)(nil)

// ExtractBlocks implements BlockExtractor.
func (g *GatewayExtractor) ExtractBlocks(ctx context.Context, chunk string) ([]string, error) {
	return g.Gateway.HistoryBlocks(ctx, chunk)
}

// ChunkTranscript slices a canonicalized transcript into chunks bounded by
// maxChars, carrying overlapMsgs trailing messages into the next chunk so
// case boundaries spanning a seam stay recoverable.
func ChunkTranscript(msgs []HistoryMessage, maxChars, overlapMsgs int) []string {
	if maxChars <= 0 {
		maxChars = 12000
	}
	if overlapMsgs < 0 {
		overlapMsgs = 0
	}

	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = CanonicalLine(RawMessage{TS: m.TS, SenderHash: SenderHash(m.Sender), ContentText: m.Text})
	}

	var chunks []string
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			// Always admit at least one message, however long.
			if end > start && size+len(lines[end]) > maxChars {
				break
			}
			size += len(lines[end])
			end++
		}
		var b []byte
		for _, line := range lines[start:end] {
			b = append(b, line...)
		}
		chunks = append(chunks, string(b))
		if end >= len(lines) {
			break
		}
		next := end - overlapMsgs
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// HistoryReport summarizes one bootstrap run. A failed chunk does not
// abort the pipeline; it is recorded here and the run reports partial
// success.
type HistoryReport struct {
	Chunks         int   `json:"chunks"`
	Cases          int   `json:"cases"`
	Duplicates     int   `json:"duplicates"`
	FailedChunks   []int `json:"failed_chunks,omitempty"`
	PartialSuccess bool  `json:"partial_success"`
}

// bootstrapConfig holds options accumulated by BootstrapOption calls.
type bootstrapConfig struct {
	maxChars      int
	overlapMsgs   int
	parallelism   int
	dedupDistance float32
	logger        *slog.Logger
}

// BootstrapOption configures a Bootstrap.
type BootstrapOption func(*bootstrapConfig)

// WithChunkChars sets the maximum characters per chunk. Default: 12000.
func WithChunkChars(n int) BootstrapOption {
	return func(c *bootstrapConfig) { c.maxChars = n }
}

// WithChunkOverlap sets how many trailing messages each chunk shares with
// the next. Default: 3.
func WithChunkOverlap(n int) BootstrapOption {
	return func(c *bootstrapConfig) { c.overlapMsgs = n }
}

// WithParallelism bounds the number of concurrently supervised extraction
// workers. Default: 4.
func WithParallelism(n int) BootstrapOption {
	return func(c *bootstrapConfig) { c.parallelism = n }
}

// WithDedupDistance sets the cosine-distance threshold under which a case
// is treated as a duplicate of an already-upserted one. Default: 0.15.
func WithDedupDistance(d float32) BootstrapOption {
	return func(c *bootstrapConfig) { c.dedupDistance = d }
}

// WithBootstrapLogger sets a structured logger for the pipeline.
func WithBootstrapLogger(l *slog.Logger) BootstrapOption {
	return func(c *bootstrapConfig) { c.logger = l }
}

// Bootstrap is the bulk history pipeline: chunk a long transcript, extract
// case blocks in parallel short-lived workers, structure each block with
// the same structurer the buffer worker uses, and upsert the results
// through the same storage and vector contracts.
type Bootstrap struct {
	store     Store
	gateway   Gateway
	vector    VectorIndex
	extractor BlockExtractor
	cfg       bootstrapConfig
}

// NewBootstrap creates a Bootstrap.
func NewBootstrap(store Store, gateway Gateway, vector VectorIndex, extractor BlockExtractor, opts ...BootstrapOption) *Bootstrap {
	cfg := bootstrapConfig{
		maxChars:      12000,
		overlapMsgs:   3,
		parallelism:   4,
		dedupDistance: 0.15,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Bootstrap{store: store, gateway: gateway, vector: vector, extractor: extractor, cfg: cfg}
}

// Run ingests the transcript for one group and reports counts.
func (b *Bootstrap) Run(ctx context.Context, groupID string, msgs []HistoryMessage) (HistoryReport, error) {
	chunks := ChunkTranscript(msgs, b.cfg.maxChars, b.cfg.overlapMsgs)
	report := HistoryReport{Chunks: len(chunks)}

	type chunkResult struct {
		index  int
		blocks []string
		err    error
	}
	results := make([]chunkResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.parallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			blocks, err := b.extractor.ExtractBlocks(gctx, chunk)
			results[i] = chunkResult{index: i, blocks: blocks, err: err}
			// Chunk failures are recorded, not propagated.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	var mu sync.Mutex
	var seen []dedupEntry
	for _, res := range results {
		if res.err != nil {
			b.cfg.logger.Warn("history: chunk failed", "chunk", res.index, "error", res.err)
			report.FailedChunks = append(report.FailedChunks, res.index)
			continue
		}
		for _, block := range res.blocks {
			kept, dup, err := b.structureAndUpsert(ctx, groupID, block, &mu, &seen)
			if err != nil {
				b.cfg.logger.Warn("history: block dropped", "chunk", res.index, "error", err)
				continue
			}
			if dup {
				report.Duplicates++
			} else if kept {
				report.Cases++
			}
		}
	}

	sort.Ints(report.FailedChunks)
	report.PartialSuccess = len(report.FailedChunks) > 0
	b.cfg.logger.Info("history: bootstrap finished",
		"group_id", groupID,
		"chunks", report.Chunks,
		"cases", report.Cases,
		"duplicates", report.Duplicates,
		"failed_chunks", len(report.FailedChunks))
	return report, nil
}

// dedupEntry is the embedding of an already-upserted case's problem text.
type dedupEntry struct {
	embedding []float32
}

// structureAndUpsert runs the structurer on one block and, on keep=true,
// persists and indexes the case unless it duplicates one upserted earlier
// in this run.
func (b *Bootstrap) structureAndUpsert(ctx context.Context, groupID, block string, mu *sync.Mutex, seen *[]dedupEntry) (kept, dup bool, err error) {
	structured, err := b.gateway.Structure(ctx, block)
	if err != nil {
		return false, false, fmt.Errorf("structure: %w", err)
	}
	if verr := structured.Validate(); verr != nil {
		return false, false, verr
	}
	if !structured.Keep {
		return false, false, nil
	}

	probe, err := b.gateway.Embed(ctx, structured.ProblemTitle+"\n"+structured.ProblemSummary)
	if err != nil {
		return false, false, fmt.Errorf("embed dedup probe: %w", err)
	}
	mu.Lock()
	for _, e := range *seen {
		if 1-CosineSimilarity(probe, e.embedding) < b.cfg.dedupDistance {
			mu.Unlock()
			return false, true, nil
		}
	}
	*seen = append(*seen, dedupEntry{embedding: probe})
	mu.Unlock()

	c := Case{
		ID:              NewID(),
		GroupID:         groupID,
		Status:          structured.Status,
		ProblemTitle:    structured.ProblemTitle,
		ProblemSummary:  structured.ProblemSummary,
		SolutionSummary: structured.SolutionSummary,
		Tags:            structured.Tags,
		EvidenceIDs:     structured.EvidenceIDs,
		CreatedAt:       NowUnixMilli(),
	}
	if err := b.store.InsertCase(ctx, c); err != nil && !errors.Is(err, ErrDuplicate) {
		return false, false, fmt.Errorf("persist case: %w", err)
	}
	embedding, err := b.gateway.Embed(ctx, c.Document())
	if err != nil {
		return false, false, fmt.Errorf("embed case %s: %w", c.ID, err)
	}
	if err := b.vector.Upsert(ctx, EntryFromCase(c, embedding)); err != nil {
		return false, false, fmt.Errorf("upsert case %s: %w", c.ID, err)
	}
	return true, false, nil
}

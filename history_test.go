package casemill

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestChunkTranscriptSingleChunk(t *testing.T) {
	msgs := []HistoryMessage{
		{Sender: "a", TS: 1000, Text: "hello"},
		{Sender: "b", TS: 2000, Text: "world"},
	}
	chunks := ChunkTranscript(msgs, 12000, 3)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if !strings.Contains(chunks[0], "hello") || !strings.Contains(chunks[0], "world") {
		t.Fatalf("chunk missing content: %q", chunks[0])
	}
}

func TestChunkTranscriptSplitsAndOverlaps(t *testing.T) {
	var msgs []HistoryMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs, HistoryMessage{
			Sender: "s",
			TS:     int64(i) * 1000,
			Text:   strings.Repeat("x", 100),
		})
	}
	// Each canonical line is ~150 bytes; cap at ~5 lines per chunk.
	chunks := ChunkTranscript(msgs, 800, 2)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 800 && strings.Count(c, "\n") > 1 {
			t.Errorf("chunk %d over budget: %d bytes", i, len(c))
		}
	}
	// The overlap carries the previous chunk's trailing lines forward.
	firstLines := strings.SplitAfter(chunks[0], "\n")
	secondLines := strings.SplitAfter(chunks[1], "\n")
	tail := firstLines[len(firstLines)-3] // last non-empty line before ""
	if tail != secondLines[0] && tail != secondLines[1] {
		t.Errorf("no overlap between chunk 0 and 1")
	}
}

func TestChunkTranscriptOversizedMessage(t *testing.T) {
	msgs := []HistoryMessage{
		{Sender: "a", TS: 1, Text: strings.Repeat("y", 5000)},
		{Sender: "b", TS: 2, Text: "short"},
	}
	chunks := ChunkTranscript(msgs, 100, 0)
	// The oversized message still gets admitted as its own chunk.
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.Contains(chunks[0], "yyy") {
		t.Fatalf("first chunk missing oversized message")
	}
}

func TestChunkTranscriptEmpty(t *testing.T) {
	if got := ChunkTranscript(nil, 1000, 3); len(got) != 0 {
		t.Fatalf("chunks = %d, want 0", len(got))
	}
}

func TestGatewayExtractor(t *testing.T) {
	want := []string{"block one", "block two"}
	g := &GatewayExtractor{Gateway: &stubGateway{
		historyFn: func(ctx context.Context, chunk string) ([]string, error) {
			if chunk != "the chunk" {
				t.Errorf("chunk = %q", chunk)
			}
			return want, nil
		},
	}}
	got, err := g.ExtractBlocks(context.Background(), "the chunk")
	if err != nil {
		t.Fatalf("ExtractBlocks: %v", err)
	}
	if len(got) != 2 || got[0] != "block one" {
		t.Fatalf("blocks = %v", got)
	}
}

func TestSubprocessExtractor(t *testing.T) {
	// echo ignores stdin and prints the canned response line.
	s := NewSubprocessExtractor("echo",
		WithWorkerArgs(`{"cases":["a","b"]}`),
		WithWorkerTimeout(10*time.Second))

	blocks, err := s.ExtractBlocks(context.Background(), "chunk text")
	if err != nil {
		t.Fatalf("ExtractBlocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0] != "a" || blocks[1] != "b" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestSubprocessExtractorWorkerError(t *testing.T) {
	s := NewSubprocessExtractor("echo",
		WithWorkerArgs(`{"error":"llm unavailable"}`),
		WithWorkerTimeout(10*time.Second))

	_, err := s.ExtractBlocks(context.Background(), "chunk")
	if err == nil || !strings.Contains(err.Error(), "llm unavailable") {
		t.Fatalf("err = %v, want worker error", err)
	}
}

func TestSubprocessExtractorNoOutput(t *testing.T) {
	s := NewSubprocessExtractor("true", WithWorkerTimeout(10*time.Second))
	if _, err := s.ExtractBlocks(context.Background(), "chunk"); err == nil {
		t.Fatal("expected error on silent worker")
	}
}

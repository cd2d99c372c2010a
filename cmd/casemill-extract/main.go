// Command casemill-extract is the short-lived history extraction worker.
// It reads one JSON request ({"chunk": ...}) from stdin, performs exactly
// one blocks-extraction LLM call, writes one JSON response line
// ({"cases": [...]} or {"error": ...}) to stdout, and exits.
//
// The parent process (the history bootstrap) spawns one worker per chunk
// so a hung LLM transport can never wedge the long-lived service.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ohanchuk/casemill"
	"github.com/ohanchuk/casemill/internal/config"
	"github.com/ohanchuk/casemill/llm/openaicompat"
)

type request struct {
	Chunk string `json:"chunk"`
}

type response struct {
	Cases []string `json:"cases"`
	Error string   `json:"error,omitempty"`
}

func main() {
	out := json.NewEncoder(os.Stdout)

	cases, err := run()
	if err != nil {
		_ = out.Encode(response{Error: err.Error()})
		os.Exit(1)
	}
	if cases == nil {
		cases = []string{}
	}
	_ = out.Encode(response{Cases: cases})
}

func run() ([]string, error) {
	cfg, err := config.Load(os.Getenv("CASEMILL_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	reader := bufio.NewReaderSize(os.Stdin, 64*1024)
	var req request
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Chunk == "" {
		return nil, fmt.Errorf("empty chunk")
	}

	gateway := casemill.WithRetry(openaicompat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		openaicompat.Models{
			Default: cfg.LLM.Model,
			History: cfg.LLM.HistoryModel,
		},
		openaicompat.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.LLM.TimeoutSecs) * time.Second}),
	))

	return gateway.HistoryBlocks(context.Background(), req.Chunk)
}

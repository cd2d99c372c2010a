package casemill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// extractRequest is the single JSON document written to a worker's stdin.
type extractRequest struct {
	Chunk string `json:"chunk"`
}

// extractResponse is the single JSON line a worker writes to stdout
// before exiting.
type extractResponse struct {
	Cases []string `json:"cases"`
	Error string   `json:"error,omitempty"`
}

// SubprocessExtractor runs each blocks-extraction call in a short-lived
// child process (the casemill-extract binary). One process performs
// exactly one LLM call and exits; the parent supervises and reaps it.
type SubprocessExtractor struct {
	bin     string
	args    []string
	env     []string
	timeout time.Duration
}

var _ BlockExtractor = (*SubprocessExtractor)(nil)

// SubprocessOption configures a SubprocessExtractor.
type SubprocessOption func(*SubprocessExtractor)

// WithWorkerArgs sets extra arguments passed to the worker binary.
func WithWorkerArgs(args ...string) SubprocessOption {
	return func(s *SubprocessExtractor) { s.args = args }
}

// WithWorkerEnv sets additional environment entries ("KEY=value") for the
// worker. The parent environment is inherited either way.
func WithWorkerEnv(env ...string) SubprocessOption {
	return func(s *SubprocessExtractor) { s.env = env }
}

// WithWorkerTimeout bounds one worker's lifetime. Default: 5 minutes.
func WithWorkerTimeout(d time.Duration) SubprocessOption {
	return func(s *SubprocessExtractor) { s.timeout = d }
}

// NewSubprocessExtractor creates a SubprocessExtractor invoking bin once
// per chunk.
func NewSubprocessExtractor(bin string, opts ...SubprocessOption) *SubprocessExtractor {
	s := &SubprocessExtractor{bin: bin, timeout: 5 * time.Minute}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExtractBlocks implements BlockExtractor.
func (s *SubprocessExtractor) ExtractBlocks(ctx context.Context, chunk string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin, s.args...)
	if len(s.env) > 0 {
		cmd.Env = append(cmd.Environ(), s.env...)
	}

	input, err := json.Marshal(extractRequest{Chunk: chunk})
	if err != nil {
		return nil, fmt.Errorf("history worker: encode request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(append(input, '\n'))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("history worker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("history worker: start %s: %w", s.bin, err)
	}

	// The worker writes exactly one response line and exits.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var line string
	if scanner.Scan() {
		line = scanner.Text()
	}
	waitErr := cmd.Wait()

	if line == "" {
		if waitErr != nil {
			return nil, fmt.Errorf("history worker: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("history worker: no output")
	}
	var resp extractResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("history worker: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("history worker: %s", resp.Error)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("history worker: %w", waitErr)
	}
	return resp.Cases, nil
}

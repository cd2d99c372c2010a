// Package httpapi is the service's small HTTP surface: health, a
// read-only case view, and the token-gated history bootstrap endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/ohanchuk/casemill"
)

// BootstrapRunner runs one bulk history ingest for a group.
type BootstrapRunner interface {
	Run(ctx context.Context, groupID string, msgs []casemill.HistoryMessage) (casemill.HistoryReport, error)
}

// Server serves the HTTP API.
type Server struct {
	store     casemill.Store
	bootstrap BootstrapRunner
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates a Server. bootstrap may be nil; POST /history then returns
// 503.
func New(store casemill.Store, bootstrap BootstrapRunner, logger *slog.Logger) *Server {
	s := &Server{store: store, bootstrap: bootstrap, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /case/{id}", s.handleCase)
	mux.HandleFunc("POST /history", s.handleHistory)
	s.mux = mux
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

var caseTemplate = template.Must(template.New("case").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.ProblemTitle}}</title></head>
<body>
<h1>{{.ProblemTitle}}</h1>
<p><strong>Status:</strong> {{.Status}}</p>
<h2>Problem</h2>
<p>{{.ProblemSummary}}</p>
{{if .SolutionSummary}}<h2>Solution</h2>
<p>{{.SolutionSummary}}</p>{{end}}
{{if .Tags}}<p>{{range .Tags}}<code>{{.}}</code> {{end}}</p>{{end}}
</body>
</html>
`))

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.GetCase(r.Context(), id)
	if errors.Is(err, casemill.ErrNotFound) {
		http.Error(w, "case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("httpapi: get case", "case_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := caseTemplate.Execute(w, c); err != nil {
		s.logger.Error("httpapi: render case", "case_id", id, "error", err)
	}
}

// historyRequest is the POST /history body. The token names the group it
// was minted for.
type historyRequest struct {
	Token    string                    `json:"token"`
	Messages []casemill.HistoryMessage `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.bootstrap == nil {
		http.Error(w, "history bootstrap not configured", http.StatusServiceUnavailable)
		return
	}

	var req historyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<20)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "empty transcript", http.StatusBadRequest)
		return
	}

	tok, err := s.store.ConsumeHistoryToken(r.Context(), req.Token)
	if errors.Is(err, casemill.ErrNotFound) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.logger.Error("httpapi: consume token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The token is already consumed; a client disconnect must not cancel a
	// half-finished ingest. The run completes regardless and the response
	// is best-effort.
	start := time.Now()
	report, err := s.bootstrap.Run(context.WithoutCancel(r.Context()), tok.GroupID, req.Messages)
	if err != nil {
		s.logger.Error("httpapi: bootstrap failed", "group_id", tok.GroupID, "error", err)
		http.Error(w, "bootstrap failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("httpapi: bootstrap done",
		"group_id", tok.GroupID,
		"messages", len(req.Messages),
		"cases", report.Cases,
		"elapsed", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

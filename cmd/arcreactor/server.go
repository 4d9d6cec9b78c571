package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arclabs/arcreactor/internal/approval"
	"github.com/arclabs/arcreactor/pkg/models"
)

// server exposes the runtime over HTTP: execution, streaming, approval
// resolution, health, and Prometheus metrics.
type server struct {
	rt     *runtime
	logger *slog.Logger
	http   *http.Server
}

func newServer(rt *runtime, logger *slog.Logger) *server {
	s := &server{rt: rt, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.handleReject)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *server) ListenAndServe(addr string) error {
	s.http.Addr = addr
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
}

func (s *server) handler() http.Handler { return s.http.Handler }

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	servers := map[string]string{}
	if s.rt.mcpMgr != nil {
		for _, srv := range s.rt.cfg.MCP.Servers {
			if status, ok := s.rt.mcpMgr.Status(srv.Name); ok {
				servers[srv.Name] = status.String()
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"mcp_servers": servers,
	})
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var cmd models.AgentCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result := s.rt.engine.Execute(r.Context(), &cmd)
	writeJSON(w, http.StatusOK, result)
}

// handleStream serves one execution as server-sent events. Text fragments
// arrive as "text" events; tool markers and the terminal error use their
// marker form.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	var cmd models.AgentCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for ev := range s.rt.engine.ExecuteStream(r.Context(), &cmd) {
		payload, err := json.Marshal(map[string]string{"data": ev.Text})
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var (
		pending []models.PendingApproval
		err     error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		pending, err = s.rt.approvals.ListPendingByUser(r.Context(), userID)
	} else {
		pending, err = s.rt.approvals.ListPending(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type approvalRequest struct {
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, func(ctx context.Context, id string, req approvalRequest) error {
		return s.rt.approvals.Approve(ctx, id, req.ModifiedArgs, req.ResolvedBy)
	})
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, func(ctx context.Context, id string, req approvalRequest) error {
		return s.rt.approvals.Reject(ctx, id, req.Reason, req.ResolvedBy)
	})
}

func (s *server) resolveApproval(w http.ResponseWriter, r *http.Request, resolve func(context.Context, string, approvalRequest) error) {
	id := r.PathValue("id")

	// An empty body is a bare resolution with no modifications.
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	switch err := resolve(r.Context(), id, req); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "approval not found"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "approval already resolved"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

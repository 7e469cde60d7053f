// Package server exposes the pipeline over HTTP: start, status, approve,
// cancel, plus SSE and websocket event streams.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeworks/forge/internal/chat"
	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/observability"
	"github.com/forgeworks/forge/internal/pipeline"
)

type Server struct {
	pipeline *pipeline.Service
	intake   *chat.Intake
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

func New(p *pipeline.Service, intake *chat.Intake, logger *observability.Logger) *Server {
	return &Server{
		pipeline: p,
		intake:   intake,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows", s.handleStart)
	mux.HandleFunc("GET /api/workflows", s.handleList)
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/workflows/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/workflows/{id}/stream", s.handleSSE)
	mux.HandleFunc("GET /api/workflows/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/chains", s.handleChains)
	return s.logRequests(mux)
}

// logRequests emits one structured http event per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Log(observability.Event{
			Type: observability.EventTypeHTTP,
			Data: map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	})
}

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type startRequest struct {
	UserID  string `json:"user_id"`
	Chain   string `json:"chain,omitempty"`
	Message string `json:"message"`
}

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	input := req.Message
	if s.intake != nil {
		extracted, err := s.intake.Extract(r.Context(), req.UserID, req.Message)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		if data, err := json.Marshal(extracted); err == nil {
			input = string(data)
		}
	}

	runID, err := s.pipeline.StartRun(req.UserID, req.Chain, input)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{WorkflowID: runID})
}

type statusResponse struct {
	WorkflowID  string            `json:"workflow_id"`
	Status      string            `json:"status"`
	CurrentStep string            `json:"current_step,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Steps       []stepStatus      `json:"steps"`
	Pending     []pendingApproval `json:"pending_approvals,omitempty"`
}

type pendingApproval struct {
	ApprovalID string `json:"approval_id"`
	Question   string `json:"question"`
	Context    string `json:"context,omitempty"`
}

type stepStatus struct {
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Sequence    int        `json:"sequence"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipeline.GetRunStatus(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httpError(w, http.StatusNotFound, "workflow not found")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		WorkflowID:  run.ID,
		Status:      string(run.Status),
		CurrentStep: run.CurrentStep,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	for _, st := range run.Steps {
		resp.Steps = append(resp.Steps, stepStatus{
			Name:        st.Name,
			Kind:        string(st.Kind),
			Status:      string(st.Status),
			Sequence:    st.Sequence,
			Error:       st.Error,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	// A run past retention has no live binding; that just means nothing
	// is waiting.
	if pending, err := s.pipeline.PendingApprovals(run.ID); err == nil {
		for _, req := range pending {
			resp.Pending = append(resp.Pending, pendingApproval{
				ApprovalID: req.ID,
				Question:   req.Question,
				Context:    req.Context,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipeline.ListRuns(50)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]any{
			"workflow_id":  run.ID,
			"chain":        run.ChainName,
			"status":       string(run.Status),
			"current_step": run.CurrentStep,
			"started_at":   run.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type approveRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovalID == "" {
		httpError(w, http.StatusBadRequest, "approval_id is required")
		return
	}

	found, err := s.pipeline.SubmitApproval(r.PathValue("id"), req.ApprovalID, req.Approved, req.Feedback)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"found": found})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.Cancel(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, engine.ErrNotFound):
		httpError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, engine.ErrInvalidState):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.DeleteRun(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case errors.Is(err, engine.ErrNotFound):
		httpError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, engine.ErrInvalidState):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}

type chainStep struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Gated bool   `json:"gated"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0)
	for _, c := range s.pipeline.Chains() {
		steps := make([]chainStep, 0, len(c.Steps))
		for _, st := range c.Steps {
			steps = append(steps, chainStep{Name: st.Name, Kind: string(st.Kind), Gated: st.Gated})
		}
		out = append(out, map[string]any{
			"name":        c.Name,
			"description": c.Description,
			"steps":       steps,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSSE streams the run's event log as server-sent events, backlog
// first, closing when the run completes.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	events, err := s.pipeline.OpenReader(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httpError(w, http.StatusNotFound, "workflow not found")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
		flusher.Flush()
	}
}

// handleWebSocket pushes the same event stream over a websocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	events, err := s.pipeline.OpenReader(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httpError(w, http.StatusNotFound, "workflow not found")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.LogError(runID, "", err)
		return
	}
	defer conn.Close()

	// Reader loop: surfaces client disconnects so the write loop ends.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for e := range events {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run complete"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

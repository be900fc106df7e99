// ABOUTME: The bearer-authenticated HTTP surface: health, webhook, task submission/lookup, agent listing.
// ABOUTME: Follows internal/gateway/gateway.go's ServeMux wiring style.

package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

// maxBodyBytes caps every request body at 1 MiB.
const maxBodyBytes = 1 << 20

// APINotifier is the chat adapter's hook for an API-submitted task: it
// posts the approval prompt and back-fills the chat anchor.
type APINotifier interface {
	HandleAPITask(ctx context.Context, task *store.Task, ownerID string) error
}

// WebhookForwarder forwards a raw platform webhook body to the chat
// adapter's inbound-event parser.
type WebhookForwarder interface {
	ServeWebhook(ctx context.Context, body []byte) error
}

// Server is the REST API surface alongside the WebSocket gateway.
type Server struct {
	registry *registry.Registry
	tasks    *taskstore.Store
	notifier APINotifier
	webhook  WebhookForwarder
	limiter  *Limiter
	logger   *slog.Logger
	secret   string

	mux *http.ServeMux
}

// New constructs the HTTP API handler. webhook may be nil if no chat
// adapter is wired (e.g. API-only deployments). secret, if non-empty, is the
// HUB_SECRET value compared against an "X-Hub-Secret" header on inbound
// webhook requests, rejecting the request if they don't match.
func New(reg *registry.Registry, tasks *taskstore.Store, notifier APINotifier, webhook WebhookForwarder, secret string) *Server {
	s := &Server{
		registry: reg,
		tasks:    tasks,
		notifier: notifier,
		webhook:  webhook,
		limiter:  NewLimiter(1*time.Minute, 120),
		logger:   slog.Default().With("component", "httpapi"),
		secret:   secret,
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.Handle("/api/tasks", s.authMiddleware(http.HandlerFunc(s.handleTasksCollection)))
	s.mux.Handle("/api/tasks/", s.authMiddleware(http.HandlerFunc(s.handleTaskByID)))
	s.mux.Handle("/api/agents", s.authMiddleware(http.HandlerFunc(s.handleAgents)))
}

// ServeHTTP implements http.Handler, with CORS preflight accepted
// unconditionally before auth/routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.secret != "" {
		got := r.Header.Get("X-Hub-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}
	body, err := readBody(w, r)
	if err != nil {
		return
	}
	if s.webhook == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.webhook.ServeWebhook(r.Context(), body); err != nil {
		s.logger.Warn("webhook handling failed", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

type createTaskRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type createTaskResponse struct {
	TaskID  string           `json:"task_id"`
	Status  store.TaskStatus `json:"status"`
	Message string           `json:"message"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	body, err := readBody(w, r)
	if err != nil {
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.To == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "to and content are required")
		return
	}

	caller, _ := callerFromContext(r.Context())

	ownerID, err := s.registry.OwnerOf(r.Context(), req.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown target agent")
			return
		}
		writeError(w, http.StatusInternalServerError, "resolving target owner failed")
		return
	}

	task, err := s.tasks.CreateTask(r.Context(), taskstore.CreateParams{
		From:    caller,
		To:      req.To,
		Content: req.Content,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating task failed")
		return
	}
	if _, err := s.tasks.UpdateStatus(r.Context(), task.TaskID, store.StatusAwaitingApproval, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "updating task status failed")
		return
	}

	if s.notifier != nil {
		if err := s.notifier.HandleAPITask(r.Context(), task, ownerID); err != nil {
			s.logger.Warn("notifying chat adapter of API task failed", "task_id", task.TaskID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:  task.TaskID,
		Status:  store.StatusAwaitingApproval,
		Message: "task submitted for approval",
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	recent, err := s.tasks.FindRecent(r.Context(), caller, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": recent})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "missing task id")
		return
	}
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type agentView struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	OwnerID     string    `json:"owner_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	online := s.registry.ListOnline()
	out := make([]agentView, 0, len(online))
	for _, info := range online {
		out = append(out, agentView{
			Name:        info.Name,
			Status:      info.Status,
			OwnerID:     info.OwnerID,
			ConnectedAt: info.ConnectedAt,
			LastSeen:    info.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// readBody reads the (already size-capped, see ServeHTTP) request body,
// translating http.MaxBytesReader's overflow error into 413.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.Header().Set("Connection", "close")
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "reading request body failed")
		}
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

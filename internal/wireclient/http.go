// ABOUTME: Thin HTTP helper for the bearer-authenticated task-submission API
// ABOUTME: (internal/httpapi), so callers of this SDK don't hand-roll requests.

package wireclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient submits tasks over the hub's bearer-authenticated REST API,
// the counterpart to Client's WebSocket surface.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewHTTPClient builds an HTTPClient for baseURL (e.g. "https://hub.example.com").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

type createTaskRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type createTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SubmitTask POSTs /api/tasks and returns the created task's id.
func (h *HTTPClient) SubmitTask(ctx context.Context, to, content string) (string, error) {
	body, err := json.Marshal(createTaskRequest{To: to, Content: content})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting task: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("hub returned %d: %s", resp.StatusCode, string(data))
	}

	var out createTaskResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return out.TaskID, nil
}

type httpAgentView struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	OwnerID     string    `json:"owner_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ListAgentsHTTP GETs /api/agents as a fallback to the WebSocket request/reply
// path, useful for agents that want a roster without an open connection.
func (h *HTTPClient) ListAgentsHTTP(ctx context.Context) ([]AgentSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hub returned %d: %s", resp.StatusCode, string(data))
	}

	var wrapped struct {
		Agents []httpAgentView `json:"agents"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	out := make([]AgentSummary, 0, len(wrapped.Agents))
	for _, a := range wrapped.Agents {
		out = append(out, AgentSummary{
			Name:        a.Name,
			Status:      a.Status,
			OwnerID:     a.OwnerID,
			ConnectedAt: a.ConnectedAt.Format(time.RFC3339),
			LastSeen:    a.LastSeen.Format(time.RFC3339),
		})
	}
	return out, nil
}

// ABOUTME: Agent-side WebSocket client: registers, runs a dispatch loop for
// ABOUTME: inbound task/cancel/ping frames, and sends list_agents/task_status
// ABOUTME: requests, matching the hub's replies with the pending-request-channel-map
// ABOUTME: pattern (it lives here rather than in internal/gateway, since this is the caller side).

package wireclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// requestTimeout bounds how long ListAgents/TaskStatus wait for a reply
// before giving up (mirrors the "Timeout" error kind).
const requestTimeout = 15 * time.Second

// TaskHandler is invoked for each inbound task frame. Implementations should
// report progress via SendProgress and, on completion, call SendResult.
type TaskHandler func(ctx context.Context, task Task)

// CancelHandler is invoked when the hub asks the agent to cancel a
// previously dispatched task.
type CancelHandler func(taskID string)

// Handlers bundles the callbacks Run dispatches inbound frames to.
type Handlers struct {
	OnTask   TaskHandler
	OnCancel CancelHandler
}

// Client is a thin agent-side SDK for the hub's WebSocket protocol. One
// Client corresponds to one live agent connection.
type Client struct {
	ws        *websocket.Conn
	agentName string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
}

// Dial connects to the hub at wsURL, performs the register handshake and
// returns a ready Client. wsURL should already carry ws:// or wss:// scheme.
func Dial(ctx context.Context, wsURL, agentName, token string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}

	c := &Client{
		ws:        ws,
		agentName: agentName,
		pending:   make(map[string]chan json.RawMessage),
	}

	if err := c.writeJSON(ctx, registerFrame{Type: typeRegister, AgentName: agentName, Token: token}); err != nil {
		ws.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("sending register frame: %w", err)
	}

	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("reading register_ack: %w", err)
	}
	var ack registerAckFrame
	if err := json.Unmarshal(data, &ack); err != nil {
		ws.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("decoding register_ack: %w", err)
	}
	if ack.Type != typeRegisterAck || !ack.Success {
		ws.Close(websocket.StatusNormalClosure, "rejected")
		if ack.Error != "" {
			return nil, fmt.Errorf("registration rejected: %s", ack.Error)
		}
		return nil, fmt.Errorf("registration rejected")
	}

	return c, nil
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

// Run reads frames until ctx is cancelled or the connection drops,
// dispatching task/cancel_task frames to h and resolving any pending
// ListAgents/TaskStatus requests.
func (c *Client) Run(ctx context.Context, h Handlers) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case typePing:
			_ = c.writeJSON(ctx, pongFrame{Type: typePong})

		case typeTask:
			var t Task
			if err := json.Unmarshal(env.Raw, &t); err != nil {
				continue
			}
			if h.OnTask != nil {
				go h.OnTask(ctx, t)
			}

		case typeCancelTask:
			var f cancelTaskFrame
			if err := json.Unmarshal(env.Raw, &f); err != nil {
				continue
			}
			if h.OnCancel != nil {
				go h.OnCancel(f.TaskID)
			}

		case typeListAgentsResponse:
			var f listAgentsResponseFrame
			if err := json.Unmarshal(env.Raw, &f); err != nil {
				continue
			}
			c.resolve(f.RequestID, env.Raw)

		case typeTaskStatusResponse:
			var f taskStatusResponseFrame
			if err := json.Unmarshal(env.Raw, &f); err != nil {
				continue
			}
			c.resolve(f.RequestID, env.Raw)
		}
	}
}

func (c *Client) resolve(requestID string, raw json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- raw
	}
}

func (c *Client) await(ctx context.Context, requestID string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case raw := <-ch:
		return raw, nil
	case <-timeoutCtx.Done():
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("timeout waiting for reply to request %s", requestID)
	}
}

// SendResult reports a task's final outcome.
func (c *Client) SendResult(ctx context.Context, taskID, result, status string) error {
	return c.writeJSON(ctx, taskResultFrame{Type: typeTaskResult, TaskID: taskID, Result: result, Status: status})
}

// SendProgress reports an intermediate status update for a running task.
func (c *Client) SendProgress(ctx context.Context, taskID, status, detail string, elapsedMs int64) error {
	return c.writeJSON(ctx, taskProgressFrame{
		Type:      typeTaskProgress,
		TaskID:    taskID,
		Status:    status,
		Detail:    detail,
		ElapsedMs: elapsedMs,
	})
}

// SendCancelled confirms a task was cancelled in response to a cancel_task frame.
func (c *Client) SendCancelled(ctx context.Context, taskID string) error {
	return c.writeJSON(ctx, taskCancelledFrame{Type: typeTaskCancelled, TaskID: taskID})
}

// SendStatusReport tells the hub the agent's current load, for its
// agent-status cache.
func (c *Client) SendStatusReport(ctx context.Context, runningTasks int64, currentTaskID string, idleSince *string) error {
	return c.writeJSON(ctx, statusReportFrame{
		Type:          typeStatusReport,
		RunningTasks:  runningTasks,
		CurrentTaskID: currentTaskID,
		IdleSince:     idleSince,
	})
}

// ListAgents asks the hub for the current agent roster and blocks for the reply.
func (c *Client) ListAgents(ctx context.Context, requestID string) ([]AgentSummary, error) {
	if err := c.writeJSON(ctx, listAgentsFrame{Type: typeListAgents, RequestID: requestID}); err != nil {
		return nil, err
	}
	raw, err := c.await(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var f listAgentsResponseFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding list_agents_response: %w", err)
	}
	return f.Agents, nil
}

// TaskStatus asks the hub for a task's current state and blocks for the
// reply, returning the raw task JSON for the caller to decode.
func (c *Client) TaskStatus(ctx context.Context, requestID, taskID string) (json.RawMessage, error) {
	if err := c.writeJSON(ctx, taskStatusFrame{Type: typeTaskStatus, RequestID: requestID, TaskID: taskID}); err != nil {
		return nil, err
	}
	raw, err := c.await(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var f taskStatusResponseFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding task_status_response: %w", err)
	}
	return f.Task, nil
}

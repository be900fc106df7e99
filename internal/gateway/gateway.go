// ABOUTME: WebSocket server: registration handshake, heartbeat, demultiplexing, backlog redelivery.
// ABOUTME: Ports a gRPC AgentStream-style accept loop onto coder/websocket.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/taskhub/internal/agentstatus"
	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

const (
	heartbeatInterval    = 30 * time.Second
	heartbeatMissLimit   = 2
	onlineDebounceWindow = 5 * time.Second
)

// Callbacks are the outbound hooks the chat adapter registers into the
// gateway.
type Callbacks struct {
	OnAgentOnline    func(agentName string)
	OnAgentOffline   func(agentName string)
	OnTaskProgress   func(task *store.Task, status, detail string, elapsedMs int64)
	OnTaskResult     func(task *store.Task)
	OnTaskCancelled  func(task *store.Task)
}

// Gateway runs the WebSocket endpoint and owns connection-state transitions
// for every registered agent.
type Gateway struct {
	registry   *registry.Registry
	tasks      *taskstore.Store
	status     *agentstatus.Cache
	logger     *slog.Logger
	callbacks  Callbacks

	mu             sync.Mutex
	lastOnlineNote map[string]time.Time

	heartbeatStop chan struct{}
}

// New constructs a Gateway bound to the given registry/task-store/status
// components. Callbacks may be set after construction via SetCallbacks,
// matching the order callbacks get wired in during hub construction.
func New(reg *registry.Registry, tasks *taskstore.Store, status *agentstatus.Cache) *Gateway {
	return &Gateway{
		registry:       reg,
		tasks:          tasks,
		status:         status,
		logger:         slog.Default().With("component", "gateway"),
		lastOnlineNote: make(map[string]time.Time),
	}
}

// SetCallbacks installs the chat adapter's outbound hooks.
func (g *Gateway) SetCallbacks(cb Callbacks) {
	g.callbacks = cb
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// full lifecycle until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := g.acceptLoop(r.Context(), ws); err != nil {
		g.logger.Debug("connection ended", "error", err)
	}
}

// acceptLoop runs the Connecting -> Awaiting-Register -> Registered ->
// Closed lifecycle for a single socket.
func (g *Gateway) acceptLoop(ctx context.Context, ws *websocket.Conn) error {
	defer ws.CloseNow()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading first frame: %w", err)
	}

	env, err := decodeEnvelope(data)
	if err != nil || env.Type != TypeRegister {
		// No inbound message is routed until Registered; the only accepted
		// first message is register.
		return fmt.Errorf("first frame must be register")
	}

	var reg registerFrame
	if err := json.Unmarshal(data, &reg); err != nil || reg.AgentName == "" || reg.Token == "" {
		return fmt.Errorf("malformed register frame")
	}

	if !g.registry.Validate(ctx, reg.AgentName, reg.Token) {
		ack := registerAckFrame{Type: TypeRegisterAck, Success: false, Error: "无效的 token"}
		data, _ := json.Marshal(ack)
		_ = ws.Write(ctx, websocket.MessageText, data)
		return fmt.Errorf("invalid token for agent %s", reg.AgentName)
	}

	conn := NewConnection(reg.AgentName, ws, g.logger.With("agent", reg.AgentName))
	if _, err := g.registry.Register(ctx, reg.AgentName, conn); err != nil {
		ack := registerAckFrame{Type: TypeRegisterAck, Success: false, Error: "注册失败"}
		data, _ := json.Marshal(ack)
		_ = ws.Write(ctx, websocket.MessageText, data)
		return fmt.Errorf("registering connection: %w", err)
	}
	defer g.registry.Unregister(reg.AgentName)

	ack := registerAckFrame{Type: TypeRegisterAck, Success: true}
	if err := conn.writeJSON(ctx, ack); err != nil {
		return fmt.Errorf("sending register_ack: %w", err)
	}

	g.noteOnline(reg.AgentName)
	g.deliverBacklog(ctx, conn)

	defer g.noteOffline(reg.AgentName)

	return g.readLoop(ctx, conn)
}

// noteOnline fires the agent-online callback, debounced 5s per name to
// suppress duplicate notices during flapping reconnects.
func (g *Gateway) noteOnline(agentName string) {
	g.mu.Lock()
	last, seen := g.lastOnlineNote[agentName]
	now := time.Now().UTC()
	suppress := seen && now.Sub(last) < onlineDebounceWindow
	g.lastOnlineNote[agentName] = now
	g.mu.Unlock()

	if suppress {
		return
	}
	if g.callbacks.OnAgentOnline != nil {
		g.callbacks.OnAgentOnline(agentName)
	}
}

// noteOffline fires the agent-offline callback with no debounce
//.
func (g *Gateway) noteOffline(agentName string) {
	if g.callbacks.OnAgentOffline != nil {
		g.callbacks.OnAgentOffline(agentName)
	}
}

// deliverBacklog walks the agent's pending tasks in insertion order,
// applying the three-way pending/running/terminal redelivery rule.
func (g *Gateway) deliverBacklog(ctx context.Context, conn *Connection) {
	pending := g.tasks.PendingFor(conn.AgentName)
	for _, t := range pending {
		switch {
		case t.Status.Terminal():
			g.tasks.RemovePending(ctx, conn.AgentName, t.TaskID)
		case t.Status != store.StatusApproved:
			// leave in backlog, awaiting approval
		default:
			if err := g.sendTask(ctx, conn, t); err != nil {
				g.logger.Warn("backlog delivery failed", "task_id", t.TaskID, "error", err)
				continue
			}
			g.tasks.RemovePending(ctx, conn.AgentName, t.TaskID)
			if _, err := g.tasks.UpdateStatus(ctx, t.TaskID, store.StatusRunning, ""); err != nil {
				g.logger.Warn("transition to running failed", "task_id", t.TaskID, "error", err)
			}
			if g.status != nil {
				g.status.TaskStarted(conn.AgentName, t.TaskID)
			}
		}
	}
}

// DispatchTask sends an approved task to its target agent if online,
// transitioning it to running on success. Returns false if the agent is
// not currently connected (caller should leave it in the backlog).
func (g *Gateway) DispatchTask(ctx context.Context, t *store.Task) (bool, error) {
	c, ok := g.registry.ConnFor(t.To)
	if !ok {
		return false, nil
	}
	conn, ok := c.(*Connection)
	if !ok {
		return false, fmt.Errorf("unexpected connection type for %s", t.To)
	}

	if err := g.sendTask(ctx, conn, t); err != nil {
		return false, err
	}

	if _, err := g.tasks.UpdateStatus(ctx, t.TaskID, store.StatusRunning, ""); err != nil {
		return true, err
	}
	if g.status != nil {
		g.status.TaskStarted(t.To, t.TaskID)
	}
	return true, nil
}

func (g *Gateway) sendTask(ctx context.Context, conn *Connection, t *store.Task) error {
	frame := taskFrame{
		Type:           TypeTask,
		TaskID:         t.TaskID,
		From:           t.From,
		Content:        t.Content,
		ChatID:         t.ChatID,
		MessageID:      t.MessageID,
		ConversationID: t.ConversationID,
		ParentTaskID:   t.ParentTaskID,
	}

	for _, a := range g.tasks.Attachments(t.TaskID) {
		frame.Attachments = append(frame.Attachments, attachmentWire{
			Filename:   a.Filename,
			MimeType:   a.MimeType,
			DataBase64: base64.StdEncoding.EncodeToString(a.Bytes),
			Size:       a.Size,
		})
	}

	return conn.writeJSON(ctx, frame)
}

// CancelTask sends a cancel_task frame to the owning connection. Returns
// false if the agent is not online (caller marks the task cancelled
// directly).
func (g *Gateway) CancelTask(ctx context.Context, agentName, taskID string) (bool, error) {
	c, ok := g.registry.ConnFor(agentName)
	if !ok {
		return false, nil
	}
	conn := c.(*Connection)
	frame := cancelTaskFrame{Type: TypeCancelTask, TaskID: taskID}
	if err := conn.writeJSON(ctx, frame); err != nil {
		return false, err
	}
	return true, nil
}

// readLoop consumes frames from a registered connection until it closes,
// dispatching each to the demultiplexer.
func (g *Gateway) readLoop(ctx context.Context, conn *Connection) error {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		g.registry.TouchLastSeen(conn.AgentName)

		env, err := decodeEnvelope(data)
		if err != nil {
			continue // malformed JSON is ignored
		}

		g.dispatch(ctx, conn, env)
	}
}

// dispatch routes one decoded frame by its type tag. Unknown types are
// ignored ("Unknown frames ... are ignored").
func (g *Gateway) dispatch(ctx context.Context, conn *Connection, env envelope) {
	switch env.Type {
	case TypePong:
		// last_seen already updated in readLoop

	case TypeTaskResult:
		g.handleTaskResult(ctx, env.Raw)

	case TypeTaskCancelled:
		g.handleTaskCancelled(ctx, env.Raw)

	case TypeTaskProgress:
		g.handleTaskProgress(env.Raw)

	case TypeStatusReport:
		g.handleStatusReport(conn.AgentName, env.Raw)

	case TypeListAgents:
		g.handleListAgents(ctx, conn, env.Raw)

	case TypeTaskStatus:
		g.handleTaskStatus(ctx, conn, env.Raw)

	case TypeRegister:
		g.logger.Warn("received duplicate registration", "agent", conn.AgentName)

	case TypeSendMessage:
		// reserved; no-op in current core

	default:
		g.logger.Debug("unknown frame type", "type", env.Type, "agent", conn.AgentName)
	}
}

func (g *Gateway) handleTaskResult(ctx context.Context, raw json.RawMessage) {
	var f taskResultFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.TaskID == "" {
		return
	}

	status := store.StatusCompleted
	if f.Status == "error" {
		status = store.StatusFailed
	}

	existing, ok := g.tasks.Get(f.TaskID)
	if ok && existing.Status.Terminal() {
		return // terminal idempotence: a result for an already-terminal task is a no-op
	}

	t, err := g.tasks.UpdateStatus(ctx, f.TaskID, status, f.Result)
	if err != nil {
		g.logger.Warn("applying task_result failed", "task_id", f.TaskID, "error", err)
		return
	}

	if g.status != nil {
		g.status.TaskFinished(t.To)
	}
	if g.callbacks.OnTaskResult != nil {
		g.callbacks.OnTaskResult(t)
	}
}

func (g *Gateway) handleTaskCancelled(ctx context.Context, raw json.RawMessage) {
	var f taskCancelledFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.TaskID == "" {
		return
	}

	existing, ok := g.tasks.Get(f.TaskID)
	if ok && existing.Status.Terminal() {
		return
	}

	t, err := g.tasks.UpdateStatus(ctx, f.TaskID, store.StatusCancelled, "")
	if err != nil {
		g.logger.Warn("applying task_cancelled failed", "task_id", f.TaskID, "error", err)
		return
	}
	if g.callbacks.OnTaskCancelled != nil {
		g.callbacks.OnTaskCancelled(t)
	}
}

func (g *Gateway) handleTaskProgress(raw json.RawMessage) {
	var f taskProgressFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.TaskID == "" {
		return
	}
	t, ok := g.tasks.Get(f.TaskID)
	if !ok {
		return
	}
	if g.callbacks.OnTaskProgress != nil {
		g.callbacks.OnTaskProgress(t, f.Status, f.Detail, f.ElapsedMs)
	}
}

func (g *Gateway) handleStatusReport(agentName string, raw json.RawMessage) {
	var f statusReportFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	if g.status == nil {
		return
	}

	var idleSince *time.Time
	if f.IdleSince != nil {
		if ts, err := time.Parse(time.RFC3339, *f.IdleSince); err == nil {
			idleSince = &ts
		}
	}
	g.status.ApplyStatusReport(agentName, f.RunningTasks, f.CurrentTaskID, idleSince)
}

func (g *Gateway) handleListAgents(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var f listAgentsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	agents := g.registry.ListOnline()
	wire := make([]agentSummaryWire, 0, len(agents))
	for _, a := range agents {
		wire = append(wire, agentSummaryWire{
			Name:        a.Name,
			Status:      a.Status,
			ConnectedAt: a.ConnectedAt.Format(time.RFC3339),
			LastSeen:    a.LastSeen.Format(time.RFC3339),
			OwnerID:     a.OwnerID,
		})
	}

	resp := listAgentsResponseFrame{Type: TypeListAgentsResponse, RequestID: f.RequestID, Agents: wire}
	if err := conn.writeJSON(ctx, resp); err != nil {
		g.logger.Warn("sending list_agents_response failed", "error", err)
	}
}

func (g *Gateway) handleTaskStatus(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var f taskStatusFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	var taskJSON json.RawMessage
	if t, ok := g.tasks.Get(f.TaskID); ok {
		if b, err := json.Marshal(t); err == nil {
			taskJSON = b
		}
	} else {
		taskJSON = json.RawMessage("null")
	}

	resp := taskStatusResponseFrame{Type: TypeTaskStatusResponse, RequestID: f.RequestID, Task: taskJSON}
	if err := conn.writeJSON(ctx, resp); err != nil {
		g.logger.Warn("sending task_status_response failed", "error", err)
	}
}

// StartHeartbeat pings every registered connection every 30s and closes any
// connection silent for two consecutive intervals.
func (g *Gateway) StartHeartbeat(ctx context.Context) {
	g.heartbeatStop = make(chan struct{})
	ticker := time.NewTicker(heartbeatInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.heartbeatStop:
				return
			case <-ticker.C:
				g.heartbeatTick(ctx)
			}
		}
	}()
}

// StopHeartbeat halts a running heartbeat loop started by StartHeartbeat.
func (g *Gateway) StopHeartbeat() {
	if g.heartbeatStop != nil {
		close(g.heartbeatStop)
	}
}

func (g *Gateway) heartbeatTick(ctx context.Context) {
	for _, name := range g.registry.StaleConnections(heartbeatInterval * heartbeatMissLimit) {
		if c, ok := g.registry.ConnFor(name); ok {
			g.logger.Info("closing stale connection", "agent", name)
			_ = c.Close()
		}
	}

	for _, a := range g.registry.ListOnline() {
		if c, ok := g.registry.ConnFor(a.Name); ok {
			conn := c.(*Connection)
			if err := conn.writeJSON(ctx, pingFrame{Type: TypePing}); err != nil {
				g.logger.Debug("ping failed", "agent", a.Name, "error", err)
			}
		}
	}
}

// ABOUTME: JSON wire frames for the agent<->hub WebSocket protocol.
// ABOUTME: Frame dispatch is a closed sum over the type field, exhaustively matched.

package gateway

import "encoding/json"

// Agent->Hub frame type tags.
const (
	TypeRegister     = "register"
	TypePong         = "pong"
	TypeTaskResult   = "task_result"
	TypeTaskCancelled = "task_cancelled"
	TypeTaskProgress = "task_progress"
	TypeStatusReport = "status_report"
	TypeListAgents   = "list_agents"
	TypeTaskStatus   = "task_status"
	TypeSendMessage  = "send_message" // reserved; no-op in current core
)

// Hub->Agent frame type tags.
const (
	TypeRegisterAck        = "register_ack"
	TypePing               = "ping"
	TypeTask               = "task"
	TypeCancelTask         = "cancel_task"
	TypeListAgentsResponse = "list_agents_response"
	TypeTaskStatusResponse = "task_status_response"
)

// envelope is the minimal shape every frame shares: a type tag plus the
// raw remainder, deferred-decoded into the concrete payload once the type
// is known.
type envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// decodeEnvelope extracts the type tag without committing to a payload
// shape, so the caller can switch on Type before unmarshaling the rest.
func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	e.Raw = data
	return e, nil
}

// --- Agent -> Hub payloads ---

type registerFrame struct {
	Type      string `json:"type"`
	AgentName string `json:"agent_name"`
	Token     string `json:"token"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type taskResultFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Result string `json:"result"`
	Status string `json:"status"` // "success" | "error"
}

type taskCancelledFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type taskProgressFrame struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type statusReportFrame struct {
	Type          string  `json:"type"`
	RunningTasks  int64   `json:"running_tasks"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`
	IdleSince     *string `json:"idle_since,omitempty"`
}

type listAgentsFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type taskStatusFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
}

// --- Hub -> Agent payloads ---

type registerAckFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type pingFrame struct {
	Type string `json:"type"`
}

// attachmentWire is the inline, base64-encoded attachment shape carried on
// a task frame.
type attachmentWire struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
	Size       int    `json:"size"`
}

type taskFrame struct {
	Type           string           `json:"type"`
	TaskID         string           `json:"task_id"`
	From           string           `json:"from"`
	Content        string           `json:"content"`
	ChatID         int64            `json:"chat_id"`
	MessageID      int64            `json:"message_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ParentTaskID   string           `json:"parent_task_id,omitempty"`
	Attachments    []attachmentWire `json:"attachments,omitempty"`
}

type cancelTaskFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type agentSummaryWire struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	ConnectedAt string `json:"connected_at"`
	LastSeen    string `json:"last_seen"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type listAgentsResponseFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Agents    []agentSummaryWire `json:"agents"`
}

type taskStatusResponseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Task      json.RawMessage `json:"task"`
}

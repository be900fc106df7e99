// ABOUTME: Wire-frame shapes for the agent side of the WebSocket protocol.
// ABOUTME: Deliberately duplicated from internal/gateway rather than shared: the wire format
// ABOUTME: is the contract between hub and agent, not a shared Go type (mirrors proto/ vs
// ABOUTME: internal/client in the gateway's own gRPC split).

package wireclient

import "encoding/json"

const (
	typeRegister      = "register"
	typePong          = "pong"
	typeTaskResult    = "task_result"
	typeTaskCancelled = "task_cancelled"
	typeTaskProgress  = "task_progress"
	typeStatusReport  = "status_report"
	typeListAgents    = "list_agents"
	typeTaskStatus    = "task_status"

	typeRegisterAck        = "register_ack"
	typePing               = "ping"
	typeTask               = "task"
	typeCancelTask         = "cancel_task"
	typeListAgentsResponse = "list_agents_response"
	typeTaskStatusResponse = "task_status_response"
)

type envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	e.Raw = data
	return e, nil
}

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
	Status string `json:"status"`
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

type registerAckFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type attachmentWire struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
	Size       int    `json:"size"`
}

// Task is the decoded payload of an inbound task frame, handed to the
// caller's TaskHandler.
type Task struct {
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

// AgentSummary mirrors one entry of a list_agents_response.
type AgentSummary struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	ConnectedAt string `json:"connected_at"`
	LastSeen    string `json:"last_seen"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type listAgentsResponseFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Agents    []AgentSummary `json:"agents"`
}

type taskStatusResponseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Task      json.RawMessage `json:"task"`
}

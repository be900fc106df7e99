// ABOUTME: Store interfaces and data types for hub persistence.
// ABOUTME: Defines Credential, Task, Backlog and panel-pointer shapes plus repo interfaces.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// TaskStatus enumerates the task state machine's states.
type TaskStatus string

const (
	StatusPending           TaskStatus = "pending"
	StatusAwaitingApproval  TaskStatus = "awaiting_approval"
	StatusApproved          TaskStatus = "approved"
	StatusRunning           TaskStatus = "running"
	StatusCompleted         TaskStatus = "completed"
	StatusFailed            TaskStatus = "failed"
	StatusRejected          TaskStatus = "rejected"
	StatusCancelled         TaskStatus = "cancelled"
)

// Terminal reports whether a status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Credential identifies an agent.
type Credential struct {
	AgentName string
	Token     string
	OwnerID   string
	CreatedAt time.Time
}

// Task is the persisted shape of a unit of work.
type Task struct {
	TaskID          string     `json:"task_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Content         string     `json:"content"`
	Status          TaskStatus `json:"status"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ChatID          int64      `json:"chat_id"`
	MessageID       int64      `json:"message_id"`
	ConversationID  string     `json:"conversation_id"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	ResultMessageID int64      `json:"result_message_id"`
}

// BacklogEntry is a per-agent ordered pending-delivery row.
type BacklogEntry struct {
	AgentName string
	TaskID    string
	Position  int64
}

// PanelPointer is the pinned status-panel anchor for a chat.
type PanelPointer struct {
	ChatID    int64
	MessageID int64
	UpdatedAt time.Time
}

// CredentialRepo persists agent credentials.
type CredentialRepo interface {
	Upsert(ctx context.Context, cred *Credential) error
	FindByName(ctx context.Context, agentName string) (*Credential, error)
	Delete(ctx context.Context, agentName string) error
	LoadAll(ctx context.Context) ([]*Credential, error)
}

// TaskRepo persists tasks, backlog entries and status panels.
type TaskRepo interface {
	UpsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	SaveBacklogEntry(ctx context.Context, e *BacklogEntry) error
	RemoveBacklogEntry(ctx context.Context, agentName, taskID string) error
	LoadAllNonTerminal(ctx context.Context) ([]*Task, error)
	LoadBacklog(ctx context.Context) ([]*BacklogEntry, error)
	FindRecent(ctx context.Context, agentName string, limit int) ([]*Task, error)

	UpsertPanel(ctx context.Context, p *PanelPointer) error
	LoadPanels(ctx context.Context) ([]*PanelPointer, error)

	Close() error
}

// Migrator applies named, idempotent schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}

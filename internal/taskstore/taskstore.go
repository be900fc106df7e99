// ABOUTME: Task records, status transitions, conversation index, per-agent backlog,
// ABOUTME: in-memory attachment cache and the conversation-idle sweeper.

package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taskhub/internal/store"
)

// maxAttachmentBytes is the per-file ceiling for in-memory attachments
//.
const maxAttachmentBytes = 5 * 1024 * 1024

// Attachment is an in-memory-only file blob attached to a task at creation
// time. Never persisted; cleared on dispatch (the move to running) or on a
// terminal transition.
type Attachment struct {
	Filename string
	MimeType string
	Bytes    []byte
	Size     int
}

// CreateParams are the caller-supplied fields for a new task. ConversationID
// and ParentTaskID are optional: a fresh conversation is minted if none is
// supplied.
type CreateParams struct {
	From           string
	To             string
	Content        string
	ChatID         int64
	MessageID      int64
	ConversationID string
	ParentTaskID   string
	Attachments    []Attachment
}

type conversationState struct {
	lastActiveAt time.Time
	closed       bool
}

// CloseNotice is passed to the sweeper's close callback with the last task
// observed in a conversation that just idled out.
type CloseNotice struct {
	ConversationID string
	LastTask       *store.Task
}

// Store owns all task state for the hub: the task table itself, the
// per-agent backlog, the conversation index, and the attachment cache.
// repo may be nil in file-fallback mode: tasks then live only
// in memory for the process lifetime.
type Store struct {
	repo   store.TaskRepo
	logger *slog.Logger

	mu            sync.RWMutex
	tasks         map[string]*store.Task
	backlog       map[string][]string // agent_name -> ordered task ids
	conversations map[string]*conversationState
	byResultMsg   map[int64]string // result_message_id -> task_id
	attachments   map[string][]Attachment

	sweeperStop chan struct{}
}

// New constructs an empty task store. Call LoadFromRepo to repopulate
// non-terminal tasks and backlog entries after a restart.
func New(repo store.TaskRepo) *Store {
	return &Store{
		repo:          repo,
		logger:        slog.Default().With("component", "taskstore"),
		tasks:         make(map[string]*store.Task),
		backlog:       make(map[string][]string),
		conversations: make(map[string]*conversationState),
		byResultMsg:   make(map[int64]string),
		attachments:   make(map[string][]Attachment),
	}
}

// LoadFromRepo reloads non-terminal tasks and the backlog from the
// persistence layer at startup. A no-op when repo is nil.
func (s *Store) LoadFromRepo(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	tasks, err := s.repo.LoadAllNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("loading non-terminal tasks: %w", err)
	}
	backlog, err := s.repo.LoadBacklog(ctx)
	if err != nil {
		return fmt.Errorf("loading backlog: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		s.tasks[t.TaskID] = t
		if t.ResultMessageID != 0 {
			s.byResultMsg[t.ResultMessageID] = t.TaskID
		}
		cs := s.conversations[t.ConversationID]
		if cs == nil {
			cs = &conversationState{}
			s.conversations[t.ConversationID] = cs
		}
		if t.CreatedAt.After(cs.lastActiveAt) {
			cs.lastActiveAt = t.CreatedAt
		}
	}
	for _, e := range backlog {
		s.backlog[e.AgentName] = append(s.backlog[e.AgentName], e.TaskID)
	}

	s.logger.Info("taskstore reloaded", "tasks", len(tasks), "backlog_entries", len(backlog))
	return nil
}

// persistTask writes t to the repo, if any. Failures are logged and
// swallowed failure policy: in-memory state remains
// authoritative.
func (s *Store) persistTask(ctx context.Context, t *store.Task) {
	if s.repo == nil {
		return
	}
	cp := *t
	if err := s.repo.UpsertTask(ctx, &cp); err != nil {
		s.logger.Error("persisting task failed", "task_id", t.TaskID, "error", err)
	}
}

func (s *Store) persistBacklogAdd(ctx context.Context, agentName, taskID string, position int64) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveBacklogEntry(ctx, &store.BacklogEntry{AgentName: agentName, TaskID: taskID, Position: position}); err != nil {
		s.logger.Error("persisting backlog entry failed", "agent", agentName, "task_id", taskID, "error", err)
	}
}

func (s *Store) persistBacklogRemove(ctx context.Context, agentName, taskID string) {
	if s.repo == nil {
		return
	}
	if err := s.repo.RemoveBacklogEntry(ctx, agentName, taskID); err != nil {
		s.logger.Error("removing backlog entry failed", "agent", agentName, "task_id", taskID, "error", err)
	}
}

// CreateTask assigns a task_id and (if absent) a conversation_id, persists
// the new task in status pending, and returns it.
func (s *Store) CreateTask(ctx context.Context, p CreateParams) (*store.Task, error) {
	if p.To == "" {
		return nil, errors.New("target agent name is required")
	}

	convID := p.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	t := &store.Task{
		TaskID:         uuid.NewString(),
		From:           p.From,
		To:             p.To,
		Content:        p.Content,
		Status:         store.StatusPending,
		CreatedAt:      time.Now().UTC(),
		ChatID:         p.ChatID,
		MessageID:      p.MessageID,
		ConversationID: convID,
		ParentTaskID:   p.ParentTaskID,
	}

	s.mu.Lock()
	s.tasks[t.TaskID] = t
	cs := s.conversations[convID]
	if cs == nil {
		cs = &conversationState{}
		s.conversations[convID] = cs
	}
	cs.lastActiveAt = t.CreatedAt
	if len(p.Attachments) > 0 {
		s.attachments[t.TaskID] = clampAttachments(p.Attachments)
	}
	s.mu.Unlock()

	s.persistTask(ctx, t)
	return cloneTask(t), nil
}

func clampAttachments(in []Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.Size > maxAttachmentBytes || len(a.Bytes) > maxAttachmentBytes {
			continue
		}
		a.Filename = sanitizeFilename(a.Filename)
		out = append(out, a)
	}
	return out
}

// UpdateStatus validates the requested transition, applies it, persists on
// success, and returns the updated task. Setting a task to an already-
// terminal status it already holds is a no-op (idempotent).
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status store.TaskStatus, result string) (*store.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}

	if t.Status == status && status.Terminal() {
		out := cloneTask(t)
		s.mu.Unlock()
		return out, nil
	}

	if err := validateTransition(t.Status, status); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	t.Status = status
	if result != "" {
		t.Result = result
	}
	if status.Terminal() {
		now := time.Now().UTC()
		t.CompletedAt = &now
		delete(s.attachments, taskID)
		s.removeFromBacklogLocked(t.To, taskID)
	}
	if status == store.StatusRunning {
		// running is entered only on dispatch, after the task frame (with its
		// attachments) has been sent.
		delete(s.attachments, taskID)
	}
	if cs := s.conversations[t.ConversationID]; cs != nil {
		cs.lastActiveAt = time.Now().UTC()
	}

	out := cloneTask(t)
	s.mu.Unlock()

	s.persistTask(ctx, out)
	return out, nil
}

// removeFromBacklogLocked removes taskID from agentName's backlog.
// Caller must hold s.mu.
func (s *Store) removeFromBacklogLocked(agentName, taskID string) bool {
	list := s.backlog[agentName]
	for i, id := range list {
		if id == taskID {
			s.backlog[agentName] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// AddPending appends taskID to agentName's backlog in insertion order.
func (s *Store) AddPending(ctx context.Context, agentName, taskID string) {
	s.mu.Lock()
	s.backlog[agentName] = append(s.backlog[agentName], taskID)
	position := int64(len(s.backlog[agentName]))
	s.mu.Unlock()

	s.persistBacklogAdd(ctx, agentName, taskID, position)
}

// RemovePending removes taskID from agentName's backlog. Idempotent.
func (s *Store) RemovePending(ctx context.Context, agentName, taskID string) {
	s.mu.Lock()
	removed := s.removeFromBacklogLocked(agentName, taskID)
	s.mu.Unlock()

	if removed {
		s.persistBacklogRemove(ctx, agentName, taskID)
	}
}

// PendingFor returns an ordered snapshot of agentName's backlog tasks.
func (s *Store) PendingFor(agentName string) []*store.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.backlog[agentName]
	out := make([]*store.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// Get returns the task by id.
func (s *Store) Get(taskID string) (*store.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// ByConversation returns all tasks for conversationID, ordered by
// created_at then task_id for stability across persistence round-trips.
func (s *Store) ByConversation(conversationID string) []*store.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Task
	for _, t := range s.tasks {
		if t.ConversationID == conversationID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindByResultMessage resolves a result-message id to its task, enabling
// reply-based multi-turn lookup.
func (s *Store) FindByResultMessage(messageID int64) (*store.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskID, ok := s.byResultMsg[messageID]
	if !ok {
		return nil, false
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// SetResultMessage indexes messageID as the result-message pointer for
// taskID.
func (s *Store) SetResultMessage(ctx context.Context, taskID string, messageID int64) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	t.ResultMessageID = messageID
	s.byResultMsg[messageID] = taskID
	out := cloneTask(t)
	s.mu.Unlock()

	s.persistTask(ctx, out)
	return nil
}

// UpdateChatInfo back-fills the origin chat anchor for a task created via
// the HTTP API, once the adapter posts its approval bubble.
func (s *Store) UpdateChatInfo(ctx context.Context, taskID string, chatID, messageID int64) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if t.ChatID == 0 {
		t.ChatID = chatID
	}
	if t.MessageID == 0 {
		t.MessageID = messageID
	}
	out := cloneTask(t)
	s.mu.Unlock()

	s.persistTask(ctx, out)
	return nil
}

// Attachments returns the in-memory attachments for a task, if any.
func (s *Store) Attachments(taskID string) []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attachment(nil), s.attachments[taskID]...)
}

// FindRecent returns up to limit (capped at 20) tasks for agentName (or all
// agents if empty), newest first. Prefers the repo when available, else
// falls back to the in-memory task map.
func (s *Store) FindRecent(ctx context.Context, agentName string, limit int) ([]*store.Task, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	if s.repo != nil {
		return s.repo.FindRecent(ctx, agentName, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*store.Task
	for _, t := range s.tasks {
		if agentName == "" || t.To == agentName {
			all = append(all, cloneTask(t))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CloseConversation marks conversationID as closed; subsequent turns are
// rejected by the caller with a user-visible notice.
func (s *Store) CloseConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conversations[conversationID]
	if cs == nil {
		cs = &conversationState{}
		s.conversations[conversationID] = cs
	}
	cs.closed = true
}

// IsClosed reports whether conversationID has been closed, either
// explicitly or by the idle sweeper.
func (s *Store) IsClosed(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := s.conversations[conversationID]
	return cs != nil && cs.closed
}

// StartSweeper launches the conversation-idle sweeper: on each tick, any
// conversation whose last activity exceeds idleThreshold and which is not
// already closed is marked closed and reported via onClose. Stops when ctx
// is cancelled or Stop is called.
func (s *Store) StartSweeper(ctx context.Context, tick, idleThreshold time.Duration, onClose func(CloseNotice)) {
	s.sweeperStop = make(chan struct{})
	ticker := time.NewTicker(tick)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweeperStop:
				return
			case <-ticker.C:
				s.sweepOnce(idleThreshold, onClose)
			}
		}
	}()
}

// Stop halts a running sweeper started by StartSweeper.
func (s *Store) Stop() {
	if s.sweeperStop != nil {
		close(s.sweeperStop)
	}
}

func (s *Store) sweepOnce(idleThreshold time.Duration, onClose func(CloseNotice)) {
	cutoff := time.Now().UTC().Add(-idleThreshold)

	type toClose struct {
		id   string
		last *store.Task
	}
	var closing []toClose

	s.mu.Lock()
	for id, cs := range s.conversations {
		if cs.closed || cs.lastActiveAt.After(cutoff) {
			continue
		}
		cs.closed = true
		closing = append(closing, toClose{id: id, last: s.lastTaskInConversationLocked(id)})
	}
	s.mu.Unlock()

	if onClose == nil {
		return
	}
	for _, c := range closing {
		onClose(CloseNotice{ConversationID: c.id, LastTask: c.last})
	}
}

// lastTaskInConversationLocked returns the most recently created task in a
// conversation. Caller must hold s.mu.
func (s *Store) lastTaskInConversationLocked(conversationID string) *store.Task {
	var latest *store.Task
	for _, t := range s.tasks {
		if t.ConversationID != conversationID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil
	}
	return cloneTask(latest)
}

func cloneTask(t *store.Task) *store.Task {
	cp := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// ABOUTME: Parses inbound chat events, drives the task state machine, and renders results.
// ABOUTME: Follows a service-over-narrow-interface shape (cf. internal/conversation/service.go).

package chatadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/taskhub/internal/gateway"
	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

// Dispatcher is the subset of *gateway.Gateway the adapter needs, narrowed
// for testability (a "store is behind a narrow interface"
// convention).
type Dispatcher interface {
	DispatchTask(ctx context.Context, t *store.Task) (bool, error)
	CancelTask(ctx context.Context, agentName, taskID string) (bool, error)
}

var _ Dispatcher = (*gateway.Gateway)(nil)

// PanelRepo persists the pinned status-panel pointer per chat. Narrowed
// from store.TaskRepo; nil disables persistence (panel is rebuilt fresh on
// restart instead of reusing a pinned message).
type PanelRepo interface {
	UpsertPanel(ctx context.Context, p *store.PanelPointer) error
	LoadPanels(ctx context.Context) ([]*store.PanelPointer, error)
}

// Adapter drives the chat<->task bridge: mention parsing, approval gating,
// multi-turn continuation, progress rendering, pagination and the status
// panel.
type Adapter struct {
	registry  *registry.Registry
	tasks     *taskstore.Store
	gw        Dispatcher
	platform  Platform
	panelRepo PanelRepo

	botHandle     string
	defaultChatID int64

	logger *slog.Logger

	mu          sync.Mutex
	progress    map[string]*progressSlot // task_id -> progress message state
	resultPages map[string][]Page        // task_id -> rendered pages, for next/prev
	panels      map[int64]*panelState    // chat_id -> status panel state
}

// New constructs an Adapter wired to the registry/task-store/gateway. The
// gateway's callbacks should be set to this adapter's On* methods by the
// caller. panelRepo may be nil (file-fallback mode); botHandle is skipped
// when it is the first token of an @mention, so "@bot @worker do x" and
// "@worker do x" both resolve to worker.
func New(reg *registry.Registry, tasks *taskstore.Store, gw Dispatcher, platform Platform, panelRepo PanelRepo, botHandle string, defaultChatID int64) *Adapter {
	return &Adapter{
		registry:      reg,
		tasks:         tasks,
		gw:            gw,
		platform:      platform,
		panelRepo:     panelRepo,
		botHandle:     botHandle,
		defaultChatID: defaultChatID,
		logger:        slog.Default().With("component", "chatadapter"),
		progress:      make(map[string]*progressSlot),
		resultPages:   make(map[string][]Page),
		panels:        make(map[int64]*panelState),
	}
}

// HandleMessage processes one inbound text/media message: a reply to a
// prior result continues that conversation; otherwise an @mention creates
// a new task.
func (a *Adapter) HandleMessage(ctx context.Context, msg InboundMessage) error {
	if msg.ReplyToMessageID != 0 {
		if parent, ok := a.tasks.FindByResultMessage(msg.ReplyToMessageID); ok {
			return a.handleContinuation(ctx, msg, parent)
		}
	}

	target, content, ok := parseMention(msg.Text, a.botHandle)
	if !ok {
		return nil // not a task-triggering message
	}

	return a.dispatchNewTask(ctx, msg, target, content)
}

func (a *Adapter) attachmentsFor(in []InboundAttachment) []taskstore.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]taskstore.Attachment, 0, len(in))
	for _, at := range in {
		out = append(out, taskstore.Attachment{Filename: at.Filename, MimeType: at.MimeType, Bytes: at.Bytes, Size: at.Size})
	}
	return out
}

// dispatchNewTask implements the new-mention-task flow.
func (a *Adapter) dispatchNewTask(ctx context.Context, msg InboundMessage, target, content string) error {
	ownerID, err := a.registry.OwnerOf(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, sendErr := a.platform.SendMessage(ctx, msg.ChatID, fmt.Sprintf("未知 agent: %s", target), msg.MessageID, SendOptions{})
			return sendErr
		}
		return err
	}

	task, err := a.tasks.CreateTask(ctx, taskstore.CreateParams{
		From:        msg.SenderID,
		To:          target,
		Content:     content,
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		Attachments: a.attachmentsFor(msg.Attachments),
	})
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if _, err := a.tasks.UpdateStatus(ctx, task.TaskID, store.StatusAwaitingApproval, ""); err != nil {
		return fmt.Errorf("entering awaiting_approval: %w", err)
	}

	if msg.SenderID == ownerID {
		return a.autoApprove(ctx, task.TaskID)
	}
	return a.sendApprovalPrompt(ctx, msg.ChatID, task.TaskID, target, ownerID)
}

// autoApprove transitions a task directly to approved and dispatches it if
// the target is online.
func (a *Adapter) autoApprove(ctx context.Context, taskID string) error {
	task, err := a.tasks.UpdateStatus(ctx, taskID, store.StatusApproved, "")
	if err != nil {
		return err
	}
	return a.tryDispatch(ctx, task)
}

// tryDispatch attempts delivery of an approved task; on failure to deliver
// (agent offline) it falls back to the backlog and initializes a progress
// slot only once the task actually starts running.
func (a *Adapter) tryDispatch(ctx context.Context, task *store.Task) error {
	dispatched, err := a.gw.DispatchTask(ctx, task)
	if err != nil {
		a.logger.Warn("dispatch failed", "task_id", task.TaskID, "error", err)
	}
	if dispatched {
		a.initProgress(task)
		return nil
	}
	a.tasks.AddPending(ctx, task.To, task.TaskID)
	return nil
}

// sendApprovalPrompt posts approve/reject buttons privately to the owner,
// falling back to the originating chat if private delivery fails
//.
func (a *Adapter) sendApprovalPrompt(ctx context.Context, chatID int64, taskID, target, ownerID string) error {
	text := fmt.Sprintf("@%s 收到来自 %s 的任务请求，是否批准？", target, chatID2label(chatID))
	opts := SendOptions{Keyboard: [][]Button{{
		{Label: "✅ 批准", Callback: BuildCallbackPayload(CallbackApprove, taskID, 0)},
		{Label: "❌ 拒绝", Callback: BuildCallbackPayload(CallbackReject, taskID, 0)},
	}}}

	if _, err := a.platform.SendPrivate(ctx, ownerID, text, opts); err == nil {
		return nil
	}

	_, err := a.platform.SendMessage(ctx, chatID, text, 0, opts)
	return err
}

func chatID2label(chatID int64) string { return fmt.Sprintf("chat %d", chatID) }

// HandleCallback dispatches one of the five interactive button presses
//.
func (a *Adapter) HandleCallback(ctx context.Context, cb InboundCallback) error {
	switch cb.Kind {
	case CallbackApprove:
		return a.handleApprove(ctx, cb)
	case CallbackReject:
		return a.handleReject(ctx, cb)
	case CallbackEndConversation:
		return a.handleEndConversation(ctx, cb)
	case CallbackPageNext:
		return a.handlePage(ctx, cb, 1)
	case CallbackPagePrev:
		return a.handlePage(ctx, cb, -1)
	default:
		return fmt.Errorf("unknown callback kind %q", cb.Kind)
	}
}

func (a *Adapter) handleApprove(ctx context.Context, cb InboundCallback) error {
	task, ok := a.tasks.Get(cb.TaskID)
	if !ok {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "任务不存在")
	}
	if task.Status != store.StatusAwaitingApproval {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "任务已处理")
	}

	ownerID, err := a.registry.OwnerOf(ctx, task.To)
	if err == nil && ownerID != "" && cb.UserID != ownerID {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "只有 Agent 主人可以审批")
	}

	updated, err := a.tasks.UpdateStatus(ctx, cb.TaskID, store.StatusApproved, "")
	if err != nil {
		return err
	}
	if err := a.tryDispatch(ctx, updated); err != nil {
		return err
	}
	return a.platform.AnswerCallback(ctx, cb.CallbackID, "已批准")
}

func (a *Adapter) handleReject(ctx context.Context, cb InboundCallback) error {
	task, ok := a.tasks.Get(cb.TaskID)
	if !ok {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "任务不存在")
	}
	if task.Status != store.StatusAwaitingApproval {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "任务已处理")
	}

	ownerID, err := a.registry.OwnerOf(ctx, task.To)
	if err == nil && ownerID != "" && cb.UserID != ownerID {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "只有 Agent 主人可以审批")
	}

	if _, err := a.tasks.UpdateStatus(ctx, cb.TaskID, store.StatusRejected, ""); err != nil {
		return err
	}
	return a.platform.AnswerCallback(ctx, cb.CallbackID, "已拒绝")
}

func (a *Adapter) handleEndConversation(ctx context.Context, cb InboundCallback) error {
	task, ok := a.tasks.Get(cb.TaskID)
	if !ok {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "任务不存在")
	}
	a.tasks.CloseConversation(task.ConversationID)
	return a.platform.AnswerCallback(ctx, cb.CallbackID, "对话已结束")
}

func (a *Adapter) handlePage(ctx context.Context, cb InboundCallback, delta int) error {
	a.mu.Lock()
	pages, ok := a.resultPages[cb.TaskID]
	a.mu.Unlock()
	if !ok {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "结果已过期")
	}

	next := cb.Page + delta
	if next < 0 || next >= len(pages) {
		return a.platform.AnswerCallback(ctx, cb.CallbackID, "")
	}

	task, _ := a.tasks.Get(cb.TaskID)
	text, opts := a.renderPage(pages, next, cb.TaskID, task)
	if err := a.platform.EditMessage(ctx, cb.ChatID, cb.MessageID, text, opts); err != nil {
		return err
	}
	return a.platform.AnswerCallback(ctx, cb.CallbackID, "")
}

// HandleCancelCommand implements an owner-issued
// cancel on a running task.
func (a *Adapter) HandleCancelCommand(ctx context.Context, taskID, requesterID string) (string, error) {
	task, ok := a.tasks.Get(taskID)
	if !ok {
		return "", store.ErrNotFound
	}
	if task.Status != store.StatusRunning && task.Status != store.StatusApproved {
		return fmt.Sprintf("任务状态为 %s，无法取消", task.Status), nil
	}

	online, err := a.gw.CancelTask(ctx, task.To, taskID)
	if err != nil {
		return "", err
	}
	if !online {
		if _, err := a.tasks.UpdateStatus(ctx, taskID, store.StatusCancelled, ""); err != nil {
			return "", err
		}
		return fmt.Sprintf("任务已取消: %s", task.To), nil
	}
	return "取消请求已发送", nil
}

// handleContinuation implements the reply-to-previous-result flow
//.
func (a *Adapter) handleContinuation(ctx context.Context, msg InboundMessage, parent *store.Task) error {
	if a.tasks.IsClosed(parent.ConversationID) {
		_, err := a.platform.SendMessage(ctx, msg.ChatID, "该对话已结束，请发起新的任务。", msg.MessageID, SendOptions{})
		return err
	}

	task, err := a.tasks.CreateTask(ctx, taskstore.CreateParams{
		From:           msg.SenderID,
		To:             parent.To,
		Content:        msg.Text,
		ChatID:         msg.ChatID,
		MessageID:      msg.MessageID,
		ConversationID: parent.ConversationID,
		ParentTaskID:   parent.TaskID,
		Attachments:    a.attachmentsFor(msg.Attachments),
	})
	if err != nil {
		return fmt.Errorf("creating continuation task: %w", err)
	}

	if _, err := a.tasks.UpdateStatus(ctx, task.TaskID, store.StatusAwaitingApproval, ""); err != nil {
		return err
	}
	updated, err := a.tasks.UpdateStatus(ctx, task.TaskID, store.StatusApproved, "")
	if err != nil {
		return err
	}

	conversation := a.tasks.ByConversation(parent.ConversationID)
	turn := len(conversation)
	if _, err := a.platform.SendMessage(ctx, msg.ChatID, fmt.Sprintf("💬 对话 #%d → %s", turn, parent.To), msg.MessageID, SendOptions{}); err != nil {
		a.logger.Warn("sending continuation notice failed", "error", err)
	}

	return a.tryDispatch(ctx, updated)
}

// HandleAPITask handles a task created via the HTTP API (C7): posts a
// notice without buttons to the task's chat (or the configured default chat
// when the task has none), back-filling the chat anchor from that notice,
// then sends the approve/reject prompt privately to the owner, falling back
// to that same chat if private delivery fails. Active group chats are not
// tracked, so no other chat is chosen.
func (a *Adapter) HandleAPITask(ctx context.Context, task *store.Task, ownerID string) error {
	chatID := task.ChatID
	if chatID == 0 {
		chatID = a.defaultChatID
	}

	messageID, err := a.platform.SendMessage(ctx, chatID, fmt.Sprintf("来自 API 的任务请求 → %s: %s", task.To, task.Content), 0, SendOptions{})
	if err == nil {
		if uerr := a.tasks.UpdateChatInfo(ctx, task.TaskID, chatID, messageID); uerr != nil {
			a.logger.Warn("back-filling chat info failed", "task_id", task.TaskID, "error", uerr)
		}
	} else {
		a.logger.Warn("posting API task approval bubble failed", "task_id", task.TaskID, "error", err)
	}

	return a.sendApprovalPrompt(ctx, chatID, task.TaskID, task.To, ownerID)
}

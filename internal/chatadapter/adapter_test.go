package chatadapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskhub/internal/chatadapter"
	"github.com/2389/taskhub/internal/chatadapter/mockplatform"
	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

type memCredentialRepo struct {
	byName map[string]*store.Credential
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{byName: make(map[string]*store.Credential)}
}

func (m *memCredentialRepo) Upsert(_ context.Context, cred *store.Credential) error {
	cp := *cred
	m.byName[cred.AgentName] = &cp
	return nil
}
func (m *memCredentialRepo) FindByName(_ context.Context, agentName string) (*store.Credential, error) {
	c, ok := m.byName[agentName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (m *memCredentialRepo) Delete(_ context.Context, agentName string) error {
	delete(m.byName, agentName)
	return nil
}
func (m *memCredentialRepo) LoadAll(_ context.Context) ([]*store.Credential, error) {
	out := make([]*store.Credential, 0, len(m.byName))
	for _, c := range m.byName {
		out = append(out, c)
	}
	return out, nil
}

// fakeDispatcher stands in for the gateway: DispatchTask always "succeeds"
// (agent online) unless Offline is set, and like the real gateway it moves
// the dispatched task to running in Tasks.
type fakeDispatcher struct {
	Tasks      *taskstore.Store
	Offline    bool
	Dispatched []string
	Cancelled  []string
}

func (f *fakeDispatcher) DispatchTask(ctx context.Context, t *store.Task) (bool, error) {
	if f.Offline {
		return false, nil
	}
	f.Dispatched = append(f.Dispatched, t.TaskID)
	if f.Tasks != nil {
		if _, err := f.Tasks.UpdateStatus(ctx, t.TaskID, store.StatusRunning, ""); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (f *fakeDispatcher) CancelTask(_ context.Context, agentName, taskID string) (bool, error) {
	if f.Offline {
		return false, nil
	}
	f.Cancelled = append(f.Cancelled, taskID)
	return true, nil
}

func newTestAdapter(t *testing.T) (*chatadapter.Adapter, *registry.Registry, *taskstore.Store, *fakeDispatcher, *mockplatform.Platform) {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(ctx, newMemCredentialRepo())
	require.NoError(t, err)
	_, err = reg.IssueToken(ctx, "worker1", "owner-a")
	require.NoError(t, err)

	tasks := taskstore.New(nil)
	dispatcher := &fakeDispatcher{Tasks: tasks}
	platform := mockplatform.New()

	a := chatadapter.New(reg, tasks, dispatcher, platform, nil, "hubbot", 100)
	return a, reg, tasks, dispatcher, platform
}

func TestHandleMessage_AutoApprovesOwnerMention(t *testing.T) {
	a, _, tasks, dispatcher, platform := newTestAdapter(t)
	ctx := context.Background()

	err := a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@worker1 do the thing",
	})
	require.NoError(t, err)

	recent, err := tasks.FindRecent(ctx, "worker1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, store.StatusRunning, recent[0].Status)
	assert.Len(t, dispatcher.Dispatched, 1)
	assert.Nil(t, platform.Last()) // owner auto-approve path sends no approval prompt
}

func TestHandleMessage_NonOwnerNeedsApproval(t *testing.T) {
	a, _, tasks, dispatcher, platform := newTestAdapter(t)
	ctx := context.Background()

	err := a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "someone-else", Text: "@worker1 do the thing",
	})
	require.NoError(t, err)

	recent, err := tasks.FindRecent(ctx, "worker1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, store.StatusAwaitingApproval, recent[0].Status)
	assert.Empty(t, dispatcher.Dispatched)

	msg := platform.Last()
	require.NotNil(t, msg)
	assert.True(t, msg.Private)
	assert.Equal(t, "owner-a", msg.OwnerID)
}

func TestHandleMessage_BotHandleSkipped(t *testing.T) {
	a, _, tasks, _, _ := newTestAdapter(t)
	ctx := context.Background()

	err := a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@hubbot @worker1 do the thing",
	})
	require.NoError(t, err)

	recent, err := tasks.FindRecent(ctx, "worker1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "do the thing", recent[0].Content)
}

func TestHandleMessage_UnknownTarget(t *testing.T) {
	a, _, _, _, platform := newTestAdapter(t)
	ctx := context.Background()

	err := a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@ghost do the thing",
	})
	require.NoError(t, err)

	msg := platform.Last()
	require.NotNil(t, msg)
	assert.Contains(t, msg.Text, "ghost")
}

func TestHandleCallback_ApproveByOwner(t *testing.T) {
	a, _, tasks, dispatcher, platform := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "someone-else", Text: "@worker1 do the thing",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	taskID := recent[0].TaskID

	err := a.HandleCallback(ctx, chatadapter.InboundCallback{
		Kind: chatadapter.CallbackApprove, TaskID: taskID, UserID: "owner-a", CallbackID: "cb1",
	})
	require.NoError(t, err)

	updated, ok := tasks.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusRunning, updated.Status)
	assert.Contains(t, dispatcher.Dispatched, taskID)
	require.NotEmpty(t, platform.Answers)
	assert.Equal(t, "已批准", platform.Answers[len(platform.Answers)-1].Text)
}

func TestHandleCallback_ApproveByNonOwnerRejectedSilently(t *testing.T) {
	a, _, tasks, dispatcher, platform := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "someone-else", Text: "@worker1 do the thing",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	taskID := recent[0].TaskID

	err := a.HandleCallback(ctx, chatadapter.InboundCallback{
		Kind: chatadapter.CallbackApprove, TaskID: taskID, UserID: "interloper", CallbackID: "cb2",
	})
	require.NoError(t, err)

	updated, ok := tasks.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusAwaitingApproval, updated.Status)
	assert.Empty(t, dispatcher.Dispatched)
	assert.Equal(t, "只有 Agent 主人可以审批", platform.Answers[len(platform.Answers)-1].Text)
}

func TestHandleCallback_ApproveTwiceIsRejectedSecondTime(t *testing.T) {
	a, _, tasks, _, platform := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "someone-else", Text: "@worker1 do the thing",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	taskID := recent[0].TaskID

	cb := chatadapter.InboundCallback{Kind: chatadapter.CallbackApprove, TaskID: taskID, UserID: "owner-a", CallbackID: "cbX"}
	require.NoError(t, a.HandleCallback(ctx, cb))
	require.NoError(t, a.HandleCallback(ctx, cb))

	assert.Equal(t, "任务已处理", platform.Answers[len(platform.Answers)-1].Text)
}

func TestHandleMessage_ContinuationAfterResult(t *testing.T) {
	a, _, tasks, _, platform := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@worker1 step one",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	task := recent[0]

	completed, err := tasks.UpdateStatus(ctx, task.TaskID, store.StatusCompleted, "all done")
	require.NoError(t, err)
	a.OnTaskResult(completed)

	resultMsg := platform.Last()
	require.NotNil(t, resultMsg)

	err = a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 11, SenderID: "owner-a", Text: "now step two",
		ReplyToMessageID: resultMsg.MessageID,
	})
	require.NoError(t, err)

	conv := tasks.ByConversation(task.ConversationID)
	require.Len(t, conv, 2)
	assert.Equal(t, "now step two", conv[1].Content)
}

func TestHandleMessage_ContinuationAfterConversationClosed(t *testing.T) {
	a, _, tasks, _, platform := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@worker1 step one",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	task := recent[0]

	completed, err := tasks.UpdateStatus(ctx, task.TaskID, store.StatusCompleted, "done")
	require.NoError(t, err)
	a.OnTaskResult(completed)
	resultMsg := platform.Last()

	tasks.CloseConversation(task.ConversationID)

	err = a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 11, SenderID: "owner-a", Text: "more please",
		ReplyToMessageID: resultMsg.MessageID,
	})
	require.NoError(t, err)

	conv := tasks.ByConversation(task.ConversationID)
	assert.Len(t, conv, 1) // no continuation task created
}

func TestHandleCancelCommand(t *testing.T) {
	a, _, tasks, dispatcher, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@worker1 long task",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	taskID := recent[0].TaskID

	msg, err := a.HandleCancelCommand(ctx, taskID, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, "取消请求已发送", msg)
	assert.Contains(t, dispatcher.Cancelled, taskID)
}

func TestHandleCancelCommand_AlreadyTerminal(t *testing.T) {
	a, _, tasks, _, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.HandleMessage(ctx, chatadapter.InboundMessage{
		ChatID: 1, MessageID: 10, SenderID: "owner-a", Text: "@worker1 quick task",
	}))
	recent, _ := tasks.FindRecent(ctx, "worker1", 10)
	taskID := recent[0].TaskID
	_, err := tasks.UpdateStatus(ctx, taskID, store.StatusCompleted, "done")
	require.NoError(t, err)

	msg, err := a.HandleCancelCommand(ctx, taskID, "owner-a")
	require.NoError(t, err)
	assert.Contains(t, msg, "无法取消")
}

// ABOUTME: End-to-end tests for the WebSocket registration handshake and demultiplexer.
// ABOUTME: Uses a real net/http/httptest server and coder/websocket client, not gRPC.

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskhub/internal/agentstatus"
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

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry, *taskstore.Store, string) {
	t.Helper()
	ctx := context.Background()

	repo := newMemCredentialRepo()
	reg, err := registry.New(ctx, repo)
	require.NoError(t, err)

	token, err := reg.IssueToken(ctx, "alice", "owner-1")
	require.NoError(t, err)

	tasks := taskstore.New(nil)
	status := agentstatus.New()
	gw := New(reg, tasks, status)

	return gw, reg, tasks, token
}

func dialAndRegister(t *testing.T, url, agentName, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	reg := registerFrame{Type: TypeRegister, AgentName: agentName, Token: token}
	data, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))

	_, ackData, err := ws.Read(ctx)
	require.NoError(t, err)

	var ack registerAckFrame
	require.NoError(t, json.Unmarshal(ackData, &ack))
	require.True(t, ack.Success)

	return ws
}

func TestRegister_ValidTokenSucceeds(t *testing.T) {
	gw, _, _, token := newTestGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws := dialAndRegister(t, wsURL, "alice", token)
	defer ws.Close(websocket.StatusNormalClosure, "")
}

func TestRegister_InvalidTokenFails(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	reg := registerFrame{Type: TypeRegister, AgentName: "alice", Token: "wrong"}
	data, _ := json.Marshal(reg)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))

	_, ackData, err := ws.Read(ctx)
	require.NoError(t, err)

	var ack registerAckFrame
	require.NoError(t, json.Unmarshal(ackData, &ack))
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.Error)
}

func TestBacklogDelivery_OnRegistration(t *testing.T) {
	gw, _, tasks, token := newTestGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx := context.Background()
	task, err := tasks.CreateTask(ctx, taskstore.CreateParams{From: "bob", To: "alice", Content: "ping"})
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusAwaitingApproval, "")
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusApproved, "")
	require.NoError(t, err)
	tasks.AddPending(ctx, "alice", task.TaskID)

	wsURL := "ws" + srv.URL[len("http"):]
	ws := dialAndRegister(t, wsURL, "alice", token)
	defer ws.Close(websocket.StatusNormalClosure, "")

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(readCtx)
	require.NoError(t, err)

	var frame taskFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, TypeTask, frame.Type)
	assert.Equal(t, task.TaskID, frame.TaskID)

	updated, ok := tasks.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, store.StatusRunning, updated.Status)
	assert.Empty(t, tasks.PendingFor("alice"))
}

func TestTaskResult_UpdatesStatusAndFiresCallback(t *testing.T) {
	gw, _, tasks, token := newTestGateway(t)

	var resultTask *store.Task
	gw.SetCallbacks(Callbacks{
		OnTaskResult: func(t *store.Task) { resultTask = t },
	})

	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx := context.Background()
	task, err := tasks.CreateTask(ctx, taskstore.CreateParams{From: "bob", To: "alice", Content: "ping"})
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusAwaitingApproval, "")
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusApproved, "")
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusRunning, "")
	require.NoError(t, err)

	wsURL := "ws" + srv.URL[len("http"):]
	ws := dialAndRegister(t, wsURL, "alice", token)
	defer ws.Close(websocket.StatusNormalClosure, "")

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := taskResultFrame{Type: TypeTaskResult, TaskID: task.TaskID, Result: "pong", Status: "success"}
	data, _ := json.Marshal(result)
	require.NoError(t, ws.Write(writeCtx, websocket.MessageText, data))

	require.Eventually(t, func() bool {
		updated, ok := tasks.Get(task.TaskID)
		return ok && updated.Status == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return resultTask != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", resultTask.Result)
}

func TestListAgents_RequestReplyCorrelatesRequestID(t *testing.T) {
	gw, _, _, token := newTestGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ws := dialAndRegister(t, wsURL, "alice", token)
	defer ws.Close(websocket.StatusNormalClosure, "")

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := listAgentsFrame{Type: TypeListAgents, RequestID: "req-1"}
	data, _ := json.Marshal(req)
	require.NoError(t, ws.Write(writeCtx, websocket.MessageText, data))

	readCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_, respData, err := ws.Read(readCtx)
	require.NoError(t, err)

	var resp listAgentsResponseFrame
	require.NoError(t, json.Unmarshal(respData, &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "alice", resp.Agents[0].Name)
}

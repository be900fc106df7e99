// ABOUTME: End-to-end tests for Client against a real internal/gateway.Gateway
// ABOUTME: over httptest, exercising register, task dispatch, results and the
// ABOUTME: pending-request-channel-map path for ListAgents.

package wireclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskhub/internal/agentstatus"
	"github.com/2389/taskhub/internal/gateway"
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

func newTestHub(t *testing.T) (wsURL string, reg *registry.Registry, tasks *taskstore.Store, gw *gateway.Gateway, token string) {
	t.Helper()
	ctx := context.Background()

	repo := newMemCredentialRepo()
	reg, err := registry.New(ctx, repo)
	require.NoError(t, err)

	token, err = reg.IssueToken(ctx, "worker1", "owner-a")
	require.NoError(t, err)

	tasks = taskstore.New(nil)
	status := agentstatus.New()
	gw = gateway.New(reg, tasks, status)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	wsURL = "ws" + srv.URL[len("http"):]
	return wsURL, reg, tasks, gw, token
}

func TestDial_RegistersSuccessfully(t *testing.T) {
	wsURL, _, _, _, token := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL, "worker1", token)
	require.NoError(t, err)
	defer c.Close()
}

func TestDial_RejectsWrongToken(t *testing.T) {
	wsURL, _, _, _, _ := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, wsURL, "worker1", "wrong-token")
	assert.Error(t, err)
}

func TestRun_DispatchesTaskAndSendsResult(t *testing.T) {
	wsURL, _, tasks, gw, token := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL, "worker1", token)
	require.NoError(t, err)
	defer c.Close()

	received := make(chan Task, 1)
	go c.Run(ctx, Handlers{
		OnTask: func(ctx context.Context, task Task) {
			received <- task
			_ = c.SendResult(ctx, task.TaskID, "done", "success")
		},
	})

	task, err := tasks.CreateTask(ctx, taskstore.CreateParams{From: "bob", To: "worker1", Content: "ping"})
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusAwaitingApproval, "")
	require.NoError(t, err)
	_, err = tasks.UpdateStatus(ctx, task.TaskID, store.StatusApproved, "")
	require.NoError(t, err)
	dispatched, err := gw.DispatchTask(ctx, task)
	require.NoError(t, err)
	require.True(t, dispatched)

	select {
	case got := <-received:
		assert.Equal(t, task.TaskID, got.TaskID)
		assert.Equal(t, "ping", got.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive dispatched task")
	}
}

func TestListAgents_RequestReplyRoundTrip(t *testing.T) {
	wsURL, reg, _, _, token := newTestHub(t)

	ctx := context.Background()
	_, err := reg.IssueToken(ctx, "worker2", "owner-b")
	require.NoError(t, err)

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(dialCtx, wsURL, "worker1", token)
	require.NoError(t, err)
	defer c.Close()

	go c.Run(context.Background(), Handlers{})

	agents, err := c.ListAgents(context.Background(), "req-1")
	require.NoError(t, err)
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "worker1")
}

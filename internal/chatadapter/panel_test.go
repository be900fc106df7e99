package chatadapter

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

// panelTestMessage and panelTestPlatform mirror chatadapter/mockplatform's
// Message/Platform test double. They are duplicated here (rather than
// imported) because this file lives in package chatadapter (it needs
// access to unexported fields like Adapter.panels), and mockplatform
// imports chatadapter, which would otherwise form an import cycle.
type panelTestMessage struct {
	ChatID    int64
	MessageID int64
	ReplyTo   int64
	Text      string
	Options   SendOptions
	Private   bool
	OwnerID   string
	Deleted   bool
	Pinned    bool
}

type panelTestPlatform struct {
	mu       sync.Mutex
	nextID   int64
	Messages map[int64]*panelTestMessage
}

func newPanelTestPlatform() *panelTestPlatform {
	return &panelTestPlatform{Messages: make(map[int64]*panelTestMessage)}
}

var _ Platform = (*panelTestPlatform)(nil)

func (p *panelTestPlatform) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64, opts SendOptions) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.Messages[id] = &panelTestMessage{ChatID: chatID, MessageID: id, ReplyTo: replyTo, Text: text, Options: opts}
	return id, nil
}

func (p *panelTestPlatform) SendPrivate(ctx context.Context, ownerID string, text string, opts SendOptions) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.Messages[id] = &panelTestMessage{MessageID: id, Text: text, Options: opts, Private: true, OwnerID: ownerID}
	return id, nil
}

func (p *panelTestPlatform) EditMessage(ctx context.Context, chatID, messageID int64, text string, opts SendOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.Messages[messageID]
	if !ok {
		return fmt.Errorf("no such message %d", messageID)
	}
	m.Text = text
	m.Options = opts
	return nil
}

func (p *panelTestPlatform) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.Messages[messageID]; ok {
		m.Deleted = true
	}
	return nil
}

func (p *panelTestPlatform) PinMessage(ctx context.Context, chatID, messageID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.Messages[messageID]; ok {
		m.Pinned = true
	}
	return nil
}

func (p *panelTestPlatform) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (p *panelTestPlatform) Get(messageID int64) (*panelTestMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.Messages[messageID]
	return m, ok
}

// memPanelRepo is a minimal in-memory PanelRepo double for exercising
// RestorePanels/persistPanel without pulling in a full store.TaskRepo.
type memPanelRepo struct {
	pointers map[int64]*store.PanelPointer
}

func newMemPanelRepo() *memPanelRepo {
	return &memPanelRepo{pointers: make(map[int64]*store.PanelPointer)}
}

func (m *memPanelRepo) UpsertPanel(_ context.Context, p *store.PanelPointer) error {
	cp := *p
	m.pointers[p.ChatID] = &cp
	return nil
}

func (m *memPanelRepo) LoadPanels(_ context.Context) ([]*store.PanelPointer, error) {
	out := make([]*store.PanelPointer, 0, len(m.pointers))
	for _, p := range m.pointers {
		out = append(out, p)
	}
	return out, nil
}

func newPanelTestAdapter(t *testing.T, repo PanelRepo) (*Adapter, *panelTestPlatform) {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(ctx, newMemCredentialRepoForPanelTest())
	require.NoError(t, err)

	tasks := taskstore.New(nil)
	platform := newPanelTestPlatform()
	a := New(reg, tasks, &fakeDispatcherForPanelTest{}, platform, repo, "hubbot", 0)
	return a, platform
}

// flushPanel re-renders and sends/edits chat_id's panel synchronously,
// bypassing the debounce timer, so tests don't need to sleep.
func TestFlushPanel_EditFailureFallsBackToSendNew(t *testing.T) {
	repo := newMemPanelRepo()
	a, platform := newPanelTestAdapter(t, repo)

	chatID := int64(100)
	// Simulate a restart where the persisted pointer refers to a message
	// that no longer exists on the platform side (e.g. it was deleted).
	a.panels[chatID] = &panelState{messageID: 999, dirty: true}

	a.flushPanel(chatID)

	st := a.panels[chatID]
	require.NotNil(t, st)
	assert.NotEqual(t, int64(999), st.messageID)
	assert.NotEqual(t, int64(0), st.messageID)

	msg, ok := platform.Get(st.messageID)
	require.True(t, ok)
	assert.True(t, msg.Pinned)

	pointer, ok := repo.pointers[chatID]
	require.True(t, ok)
	assert.Equal(t, st.messageID, pointer.MessageID)
}

func TestFlushPanel_FirstSendPinsAndPersists(t *testing.T) {
	repo := newMemPanelRepo()
	a, platform := newPanelTestAdapter(t, repo)

	chatID := int64(200)
	a.panels[chatID] = &panelState{dirty: true}

	a.flushPanel(chatID)

	st := a.panels[chatID]
	require.NotZero(t, st.messageID)
	msg, ok := platform.Get(st.messageID)
	require.True(t, ok)
	assert.True(t, msg.Pinned)
	assert.Contains(t, repo.pointers, chatID)
}

// memCredentialRepoForPanelTest and fakeDispatcherForPanelTest avoid
// colliding with adapter_test.go's external-package test doubles of the
// same shape (this file is in package chatadapter, not chatadapter_test).
type memCredentialRepoForPanelTest struct {
	byName map[string]*store.Credential
}

func newMemCredentialRepoForPanelTest() *memCredentialRepoForPanelTest {
	return &memCredentialRepoForPanelTest{byName: make(map[string]*store.Credential)}
}

func (m *memCredentialRepoForPanelTest) Upsert(_ context.Context, cred *store.Credential) error {
	cp := *cred
	m.byName[cred.AgentName] = &cp
	return nil
}
func (m *memCredentialRepoForPanelTest) FindByName(_ context.Context, agentName string) (*store.Credential, error) {
	c, ok := m.byName[agentName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (m *memCredentialRepoForPanelTest) Delete(_ context.Context, agentName string) error {
	delete(m.byName, agentName)
	return nil
}
func (m *memCredentialRepoForPanelTest) LoadAll(_ context.Context) ([]*store.Credential, error) {
	out := make([]*store.Credential, 0, len(m.byName))
	for _, c := range m.byName {
		out = append(out, c)
	}
	return out, nil
}

type fakeDispatcherForPanelTest struct{}

func (f *fakeDispatcherForPanelTest) DispatchTask(_ context.Context, t *store.Task) (bool, error) {
	return true, nil
}

func (f *fakeDispatcherForPanelTest) CancelTask(_ context.Context, agentName, taskID string) (bool, error) {
	return true, nil
}

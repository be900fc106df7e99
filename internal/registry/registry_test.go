// ABOUTME: Tests for credential issuance, rotation, validation and connection registration.
// ABOUTME: Uses an in-memory CredentialRepo fake instead of a real database.

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskhub/internal/store"
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
	if _, ok := m.byName[agentName]; !ok {
		return store.ErrNotFound
	}
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

type fakeConn struct {
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestIssueToken_ValidateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	token, err := r.IssueToken(ctx, "alice", "owner-1")
	require.NoError(t, err)
	assert.Contains(t, token, "agt_")

	assert.True(t, r.Validate(ctx, "alice", token))

	name, ok := r.LookupByToken(token)
	require.True(t, ok)
	assert.Equal(t, "alice", name)
}

func TestValidate_RejectsWrongTokenAndMissingAgent(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	token, err := r.IssueToken(ctx, "alice", "owner-1")
	require.NoError(t, err)

	assert.False(t, r.Validate(ctx, "alice", token+"x"))
	assert.False(t, r.Validate(ctx, "alice", "short"))
	assert.False(t, r.Validate(ctx, "nobody", token))
}

func TestIssueToken_ReplacesOldTokenAtomically(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	first, err := r.IssueToken(ctx, "alice", "owner-1")
	require.NoError(t, err)

	second, err := r.IssueToken(ctx, "alice", "owner-1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.False(t, r.Validate(ctx, "alice", first))
	assert.True(t, r.Validate(ctx, "alice", second))

	_, ok := r.LookupByToken(first)
	assert.False(t, ok)
}

func TestRefreshToken_OwnerMismatchRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	_, err = r.IssueToken(ctx, "dave", "owner-1")
	require.NoError(t, err)

	_, err = r.RefreshToken(ctx, "dave", "owner-2")
	assert.ErrorIs(t, err, ErrOwnerMismatch)
}

func TestRefreshToken_EvictsLiveConnection(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	oldToken, err := r.IssueToken(ctx, "dave", "owner-1")
	require.NoError(t, err)

	conn := &fakeConn{}
	_, err = r.Register(ctx, "dave", conn)
	require.NoError(t, err)
	assert.True(t, r.IsOnline("dave"))

	newToken, err := r.RefreshToken(ctx, "dave", "owner-1")
	require.NoError(t, err)

	assert.True(t, conn.closed)
	assert.False(t, r.IsOnline("dave"))
	assert.False(t, r.Validate(ctx, "dave", oldToken))
	assert.True(t, r.Validate(ctx, "dave", newToken))
}

func TestRegister_EvictsPriorConnectionForSameName(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	_, err = r.IssueToken(ctx, "carol", "owner-1")
	require.NoError(t, err)

	first := &fakeConn{}
	_, err = r.Register(ctx, "carol", first)
	require.NoError(t, err)

	second := &fakeConn{}
	info, err := r.Register(ctx, "carol", second)
	require.NoError(t, err)

	assert.True(t, first.closed)
	assert.False(t, second.closed)
	assert.Equal(t, "carol", info.Name)

	got, ok := r.ConnFor("carol")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestUnregister_RemovesConnectionButKeepsCredential(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	token, err := r.IssueToken(ctx, "erin", "owner-1")
	require.NoError(t, err)

	_, err = r.Register(ctx, "erin", &fakeConn{})
	require.NoError(t, err)
	r.Unregister("erin")

	assert.False(t, r.IsOnline("erin"))
	assert.True(t, r.Validate(ctx, "erin", token))
}

func TestListOnline_ReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	_, err = r.IssueToken(ctx, "frank", "owner-1")
	require.NoError(t, err)
	_, err = r.Register(ctx, "frank", &fakeConn{})
	require.NoError(t, err)

	online := r.ListOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "frank", online[0].Name)
}

func TestFindCredentialByOwner(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	_, err = r.IssueToken(ctx, "gina", "owner-42")
	require.NoError(t, err)

	cred, err := r.FindCredentialByOwner(ctx, "owner-42")
	require.NoError(t, err)
	assert.Equal(t, "gina", cred.AgentName)

	_, err = r.FindCredentialByOwner(ctx, "no-such-owner")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRevoke_DeletesCredentialAndClosesConnection(t *testing.T) {
	ctx := context.Background()
	repo := newMemCredentialRepo()
	r, err := New(ctx, repo)
	require.NoError(t, err)

	token, err := r.IssueToken(ctx, "hank", "owner-1")
	require.NoError(t, err)
	conn := &fakeConn{}
	_, err = r.Register(ctx, "hank", conn)
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, "hank"))

	assert.True(t, conn.closed)
	assert.False(t, r.IsOnline("hank"))
	assert.False(t, r.Validate(ctx, "hank", token))
	_, ok := r.LookupByToken(token)
	assert.False(t, ok)
}

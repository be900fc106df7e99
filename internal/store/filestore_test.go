package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileCredentialStore_WritesObjectWrappedEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	_, err := NewFileCredentialStore(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"credentials":[]}`, string(data))
}

func TestFileCredentialStore_UpsertPersistsUnderCredentialsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	fs, err := NewFileCredentialStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	cred := &Credential{AgentName: "worker1", Token: "agt_abc", OwnerID: "owner-a", CreatedAt: time.Now().UTC()}
	require.NoError(t, fs.Upsert(ctx, cred))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc fileCredentialsDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Credentials, 1)
	assert.Equal(t, "worker1", doc.Credentials[0].AgentName)
}

func TestFileCredentialStore_RoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()

	fs, err := NewFileCredentialStore(path)
	require.NoError(t, err)
	_, err = fs.FindByName(ctx, "worker1")
	require.ErrorIs(t, err, ErrNotFound)

	cred := &Credential{AgentName: "worker1", Token: "agt_abc", OwnerID: "owner-a", CreatedAt: time.Now().UTC()}
	require.NoError(t, fs.Upsert(ctx, cred))

	// Reopening the same path must read back what was persisted (it's a
	// plain file read, but this pins the on-disk format contract).
	reopened, err := NewFileCredentialStore(path)
	require.NoError(t, err)
	got, err := reopened.FindByName(ctx, "worker1")
	require.NoError(t, err)
	assert.Equal(t, "agt_abc", got.Token)
	assert.Equal(t, "owner-a", got.OwnerID)
}

func TestFileCredentialStore_DeleteNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	fs, err := NewFileCredentialStore(path)
	require.NoError(t, err)

	err = fs.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileCredentialStore_LoadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	fs, err := NewFileCredentialStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Upsert(ctx, &Credential{AgentName: "a", Token: "t1", OwnerID: "o1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, fs.Upsert(ctx, &Credential{AgentName: "b", Token: "t2", OwnerID: "o2", CreatedAt: time.Now().UTC()}))

	all, err := fs.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

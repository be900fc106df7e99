// ABOUTME: JSON-file fallback CredentialRepo for deployments without a database URL.
// ABOUTME: Stores all credentials in one file, written atomically on every mutation.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileCredentialStore persists credentials as a single JSON file at path,
// used when no DATABASE_URL is configured.
type FileCredentialStore struct {
	mu   sync.RWMutex
	path string
}

type fileCredential struct {
	AgentName string    `json:"agent_name"`
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// fileCredentialsDoc is the on-disk envelope: credentials live under a
// top-level "credentials" key rather than as a bare array.
type fileCredentialsDoc struct {
	Credentials []fileCredential `json:"credentials"`
}

// NewFileCredentialStore opens or creates the credentials file at path,
// creating its parent directory with mode 0700 and the file with mode 0600.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(`{"credentials":[]}`), 0o600); err != nil {
			return nil, fmt.Errorf("creating credentials file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("statting credentials file: %w", err)
	}

	return &FileCredentialStore{path: path}, nil
}

func (f *FileCredentialStore) load() ([]fileCredential, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc fileCredentialsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return doc.Credentials, nil
}

// save writes creds to a temp file in the same directory and renames it over
// the target, so a crash mid-write never leaves a truncated credentials file.
func (f *FileCredentialStore) save(creds []fileCredential) error {
	data, err := json.MarshalIndent(fileCredentialsDoc{Credentials: creds}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp credentials file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}

func (f *FileCredentialStore) Upsert(_ context.Context, cred *Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return err
	}

	entry := fileCredential{
		AgentName: cred.AgentName,
		Token:     cred.Token,
		OwnerID:   cred.OwnerID,
		CreatedAt: cred.CreatedAt,
	}

	found := false
	for i, c := range creds {
		if c.AgentName == cred.AgentName {
			creds[i] = entry
			found = true
			break
		}
	}
	if !found {
		creds = append(creds, entry)
	}

	return f.save(creds)
}

func (f *FileCredentialStore) FindByName(_ context.Context, agentName string) (*Credential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	creds, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.AgentName == agentName {
			return &Credential{
				AgentName: c.AgentName,
				Token:     c.Token,
				OwnerID:   c.OwnerID,
				CreatedAt: c.CreatedAt,
			}, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileCredentialStore) Delete(_ context.Context, agentName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return err
	}

	out := creds[:0]
	removed := false
	for _, c := range creds {
		if c.AgentName == agentName {
			removed = true
			continue
		}
		out = append(out, c)
	}
	if !removed {
		return ErrNotFound
	}
	return f.save(out)
}

func (f *FileCredentialStore) LoadAll(_ context.Context) ([]*Credential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	creds, err := f.load()
	if err != nil {
		return nil, err
	}

	out := make([]*Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, &Credential{
			AgentName: c.AgentName,
			Token:     c.Token,
			OwnerID:   c.OwnerID,
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

var _ CredentialRepo = (*FileCredentialStore)(nil)

// ABOUTME: Credential issuance/rotation/validation plus the live connection table.
// ABOUTME: Registry is the single gate agents pass through to be considered online.

package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/taskhub/internal/store"
)

// ErrOwnerMismatch is returned by RefreshToken when the caller does not own
// the named credential.
var ErrOwnerMismatch = errors.New("owner mismatch")

// Conn is the minimal transport surface a gateway connection must expose to
// the registry. The gateway's *websocket.Conn wrapper satisfies this.
type Conn interface {
	Close() error
}

// AgentInfo is a point-in-time snapshot of one agent's connection state.
type AgentInfo struct {
	Name        string
	Status      string
	OwnerID     string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// connection is the live, in-memory counterpart to a registered agent.
type connection struct {
	name        string
	owner       string
	conn        Conn
	connectedAt time.Time
	lastSeen    time.Time
}

// Registry owns agent credentials (backed by a store.CredentialRepo) and the
// table of currently live connections. A single-writer
// discipline per agent name, readers may run concurrently with writers.
type Registry struct {
	repo store.CredentialRepo

	mu          sync.RWMutex
	connections map[string]*connection
	byToken     map[string]string // token -> agent_name, reverse index

	logger *slog.Logger
}

// New constructs a Registry over repo and preloads the token reverse index
// from all persisted credentials.
func New(ctx context.Context, repo store.CredentialRepo) (*Registry, error) {
	r := &Registry{
		repo:        repo,
		connections: make(map[string]*connection),
		byToken:     make(map[string]string),
		logger:      slog.Default().With("component", "registry"),
	}

	creds, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	r.mu.Lock()
	for _, c := range creds {
		r.byToken[c.Token] = c.AgentName
	}
	r.mu.Unlock()

	r.logger.Info("registry loaded", "credential_count", len(creds))
	return r, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return "agt_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken mints a fresh token for agent_name, atomically replacing any
// existing credential (the old token is invalidated in the same step).
func (r *Registry) IssueToken(ctx context.Context, agentName, ownerID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	cred := &store.Credential{
		AgentName: agentName,
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}

	old, err := r.repo.FindByName(ctx, agentName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking existing credential: %w", err)
	}

	if err := r.repo.Upsert(ctx, cred); err != nil {
		r.logger.Error("persisting credential failed", "agent", agentName, "error", err)
		return "", fmt.Errorf("persisting credential: %w", err)
	}

	r.mu.Lock()
	if old != nil {
		delete(r.byToken, old.Token)
	}
	r.byToken[token] = agentName
	r.mu.Unlock()

	r.logger.Info("token issued", "agent", agentName, "owner", ownerID)
	return token, nil
}

// RefreshToken reissues a token for agentName if ownerID matches the
// existing credential's owner, evicting any live connection for that name
// so it must reconnect with the new token. Returns ErrOwnerMismatch
// otherwise, and store.ErrNotFound if no credential exists.
func (r *Registry) RefreshToken(ctx context.Context, agentName, ownerID string) (string, error) {
	existing, err := r.repo.FindByName(ctx, agentName)
	if err != nil {
		return "", err
	}
	if existing.OwnerID != ownerID {
		return "", ErrOwnerMismatch
	}

	token, err := r.IssueToken(ctx, agentName, ownerID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if prior, ok := r.connections[agentName]; ok {
		delete(r.connections, agentName)
		r.mu.Unlock()
		_ = prior.conn.Close()
	} else {
		r.mu.Unlock()
	}
	return token, nil
}

// Validate performs a constant-time comparison of token against the stored
// credential for agentName. Returns false on length mismatch or missing
// credential — never short-circuits on prefix match.
func (r *Registry) Validate(ctx context.Context, agentName, token string) bool {
	cred, err := r.repo.FindByName(ctx, agentName)
	if err != nil {
		return false
	}
	if len(cred.Token) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred.Token), []byte(token)) == 1
}

// LookupByToken is the reverse index: token -> agent_name.
func (r *Registry) LookupByToken(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byToken[token]
	return name, ok
}

// FindCredentialByOwner returns the credential owned by ownerID, if any.
func (r *Registry) FindCredentialByOwner(ctx context.Context, ownerID string) (*store.Credential, error) {
	creds, err := r.repo.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.OwnerID == ownerID {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

// Register installs conn as the live connection for agentName, evicting and
// closing any prior connection for that name first.
func (r *Registry) Register(ctx context.Context, agentName string, conn Conn) (AgentInfo, error) {
	cred, err := r.repo.FindByName(ctx, agentName)
	if err != nil {
		return AgentInfo{}, err
	}

	r.mu.Lock()
	if prior, ok := r.connections[agentName]; ok {
		r.mu.Unlock()
		_ = prior.conn.Close()
		r.mu.Lock()
	}

	now := time.Now().UTC()
	c := &connection{
		name:        agentName,
		owner:       cred.OwnerID,
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
	}
	r.connections[agentName] = c
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent", agentName)
	return AgentInfo{
		Name:        agentName,
		Status:      "online",
		OwnerID:     cred.OwnerID,
		ConnectedAt: now,
		LastSeen:    now,
	}, nil
}

// Unregister removes the live connection for agentName, if any. The
// credential itself is untouched.
func (r *Registry) Unregister(agentName string) {
	r.mu.Lock()
	delete(r.connections, agentName)
	r.mu.Unlock()
}

// TouchLastSeen updates the last-seen timestamp for a live connection.
func (r *Registry) TouchLastSeen(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.connections[agentName]; ok {
		c.lastSeen = time.Now().UTC()
	}
}

// IsOnline reports whether agentName currently has a live connection.
func (r *Registry) IsOnline(agentName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[agentName]
	return ok
}

// ConnFor returns the live transport handle for agentName, if connected.
func (r *Registry) ConnFor(agentName string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[agentName]
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// ListOnline returns a snapshot of all currently live connections.
func (r *Registry) ListOnline() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, AgentInfo{
			Name:        c.name,
			Status:      "online",
			OwnerID:     c.owner,
			ConnectedAt: c.connectedAt,
			LastSeen:    c.lastSeen,
		})
	}
	return out
}

// StaleConnections returns agent names whose connection has not been seen
// within maxAge, for the heartbeat sweep to close.
func (r *Registry) StaleConnections(maxAge time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []string
	for name, c := range r.connections {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// OwnerOf returns the owner_id for agentName, if a credential exists.
func (r *Registry) OwnerOf(ctx context.Context, agentName string) (string, error) {
	cred, err := r.repo.FindByName(ctx, agentName)
	if err != nil {
		return "", err
	}
	return cred.OwnerID, nil
}

// Revoke deletes the credential for agentName and closes any live
// connection.
func (r *Registry) Revoke(ctx context.Context, agentName string) error {
	if err := r.repo.Delete(ctx, agentName); err != nil {
		return err
	}

	r.mu.Lock()
	if prior, ok := r.connections[agentName]; ok {
		delete(r.connections, agentName)
		r.mu.Unlock()
		_ = prior.conn.Close()
	} else {
		r.mu.Unlock()
	}

	for token, name := range r.snapshotTokens() {
		if name == agentName {
			r.mu.Lock()
			delete(r.byToken, token)
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *Registry) snapshotTokens() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byToken))
	for k, v := range r.byToken {
		out[k] = v
	}
	return out
}

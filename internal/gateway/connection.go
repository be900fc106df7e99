// ABOUTME: Wraps a single agent's WebSocket connection for the hub side.
// ABOUTME: The pending-request-channel-map pattern this is grounded on lives in
// ABOUTME: internal/wireclient instead, since the hub is the request-reply responder here.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connection represents one agent's live WebSocket session from the hub's
// side (registry.Conn).
type Connection struct {
	AgentName string

	ws     *websocket.Conn
	mu     sync.Mutex // serializes writes; coder/websocket forbids concurrent writers
	logger *slog.Logger
}

// NewConnection wraps ws for agentName.
func NewConnection(agentName string, ws *websocket.Conn, logger *slog.Logger) *Connection {
	return &Connection{
		AgentName: agentName,
		ws:        ws,
		logger:    logger,
	}
}

// writeJSON serializes v and writes it as a single text frame. Safe for
// concurrent callers.
func (c *Connection) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying socket. Satisfies registry.Conn.
func (c *Connection) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

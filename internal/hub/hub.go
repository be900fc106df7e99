// ABOUTME: Wires C1-C8 together into one running process: store selection,
// ABOUTME: registry/taskstore/agentstatus/gateway/chatadapter/httpapi construction,
// ABOUTME: background tickers, and graceful shutdown.
// ABOUTME: Grounded on internal/gateway/gateway.go's component-owning orchestrator shape.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/taskhub/internal/agentstatus"
	"github.com/2389/taskhub/internal/chatadapter"
	"github.com/2389/taskhub/internal/chatadapter/mockplatform"
	"github.com/2389/taskhub/internal/gateway"
	"github.com/2389/taskhub/internal/httpapi"
	"github.com/2389/taskhub/internal/matrixadapter"
	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
	"github.com/2389/taskhub/internal/taskstore"
)

// Hub owns every long-lived component and the one HTTP listener that serves
// both the WebSocket gateway (/ws) and the REST API (everything else).
type Hub struct {
	cfg *Config

	taskRepo store.TaskRepo
	credRepo store.CredentialRepo

	registry *registry.Registry
	tasks    *taskstore.Store
	status   *agentstatus.Cache
	gateway  *gateway.Gateway
	adapter  *chatadapter.Adapter
	api      *httpapi.Server
	bridge   *matrixadapter.Bridge

	logger *slog.Logger

	mux *http.ServeMux
}

// New opens persistence, wires every component, and restores any persisted
// state (non-terminal tasks, backlog, status panels). It does not start
// background goroutines or the HTTP listener yet — call Run for that.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Hub, error) {
	h := &Hub{cfg: cfg, logger: logger}

	if err := h.openStore(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	reg, err := registry.New(ctx, h.credRepo)
	if err != nil {
		return nil, fmt.Errorf("constructing registry: %w", err)
	}
	h.registry = reg

	h.tasks = taskstore.New(h.taskRepo)
	if h.taskRepo != nil {
		if err := h.tasks.LoadFromRepo(ctx); err != nil {
			return nil, fmt.Errorf("loading persisted tasks: %w", err)
		}
	}

	h.status = agentstatus.New()
	h.gateway = gateway.New(h.registry, h.tasks, h.status)

	platform, err := h.buildPlatform(ctx)
	if err != nil {
		return nil, err
	}

	var panelRepo chatadapter.PanelRepo
	if h.taskRepo != nil {
		panelRepo = h.taskRepo
	}
	h.adapter = chatadapter.New(h.registry, h.tasks, h.gateway, platform, panelRepo, cfg.Matrix.BotHandle, cfg.DefaultChatID)

	h.gateway.SetCallbacks(gateway.Callbacks{
		OnAgentOnline:   h.adapter.OnAgentOnline,
		OnAgentOffline:  h.adapter.OnAgentOffline,
		OnTaskProgress:  h.adapter.OnTaskProgress,
		OnTaskResult:    h.adapter.OnTaskResult,
		OnTaskCancelled: h.adapter.OnTaskCancelled,
	})

	if panelRepo != nil {
		if err := h.adapter.RestorePanels(ctx); err != nil {
			h.logger.Warn("restoring status panels failed", "error", err)
		}
	}

	h.api = httpapi.New(h.registry, h.tasks, h.adapter, nil, cfg.HubSecret)

	h.mux = http.NewServeMux()
	h.mux.Handle("/ws", h.gateway)
	h.mux.Handle("/", h.api)

	return h, nil
}

// openStore selects modernc.org/sqlite when databaseURL is set, falling back
// to the JSON file credential store otherwise. Task
// persistence is a documented no-op in file-fallback mode.
func (h *Hub) openStore(databaseURL string) error {
	if databaseURL != "" {
		sq, err := store.NewSQLiteStore(databaseURL)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		if err := sq.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrating sqlite store: %w", err)
		}
		h.credRepo = sq
		h.taskRepo = sq
		return nil
	}

	fs, err := store.NewFileCredentialStore(filepath.Join("data", "credentials.json"))
	if err != nil {
		return fmt.Errorf("opening file credential store: %w", err)
	}
	h.credRepo = fs
	h.taskRepo = nil
	return nil
}

// buildPlatform constructs the matrixadapter when configured, else falls
// back to mockplatform so the hub still serves a working (if silent)
// instance for deployments that only need the HTTP API.
func (h *Hub) buildPlatform(ctx context.Context) (chatadapter.Platform, error) {
	if !h.cfg.Matrix.Enabled {
		return mockplatform.New(), nil
	}

	client, err := mautrix.NewClient(h.cfg.Matrix.Homeserver, id.UserID(h.cfg.Matrix.UserID), h.cfg.ChatBotToken)
	if err != nil {
		return nil, fmt.Errorf("constructing matrix client: %w", err)
	}

	mcfg := &matrixadapter.Config{
		Homeserver:   h.cfg.Matrix.Homeserver,
		UserID:       h.cfg.Matrix.UserID,
		AccessToken:  h.cfg.ChatBotToken,
		AllowedRooms: h.cfg.Matrix.AllowedRooms,
		BotHandle:    h.cfg.Matrix.BotHandle,
	}
	platform := matrixadapter.New(client, mcfg)
	h.bridge = matrixadapter.NewBridge(client, mcfg, platform, h.adapterAsDispatcher(), h.logger.With("component", "matrixadapter"))
	return platform, nil
}

// adapterAsDispatcher exists because buildPlatform runs before h.adapter is
// assigned; it returns a thin indirection that resolves h.adapter lazily at
// call time.
func (h *Hub) adapterAsDispatcher() matrixadapter.Dispatcher {
	return hubDispatcher{h}
}

type hubDispatcher struct{ h *Hub }

func (d hubDispatcher) HandleMessage(ctx context.Context, msg chatadapter.InboundMessage) error {
	return d.h.adapter.HandleMessage(ctx, msg)
}

func (d hubDispatcher) HandleCallback(ctx context.Context, cb chatadapter.InboundCallback) error {
	return d.h.adapter.HandleCallback(ctx, cb)
}

// Run starts all background goroutines (heartbeat, conversation sweeper) and
// the HTTP listener, blocking until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.gateway.StartHeartbeat(ctx)
	defer h.gateway.StopHeartbeat()

	h.tasks.StartSweeper(ctx, sweepTick, idleThreshold, h.onConversationClosed)
	defer h.tasks.Stop()

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(h.cfg.Port),
		Handler: h.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if h.bridge != nil {
		go func() {
			if err := h.bridge.Run(ctx); err != nil {
				h.logger.Error("matrix bridge exited", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (h *Hub) onConversationClosed(notice taskstore.CloseNotice) {
	h.logger.Info("conversation closed by idle sweep", "conversation_id", notice.ConversationID)
}

// Close releases the underlying store.
func (h *Hub) Close() error {
	if h.taskRepo != nil {
		return h.taskRepo.Close()
	}
	return nil
}

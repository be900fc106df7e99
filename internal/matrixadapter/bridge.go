// ABOUTME: Matrix sync loop: ignores own/disallowed-room messages, recognizes
// ABOUTME: "!kind:taskID[:page]" text commands as button-press equivalents, and
// ABOUTME: forwards everything else to the chat adapter core as InboundMessage/InboundCallback.

package matrixadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/taskhub/internal/chatadapter"
)

// Dispatcher is the chat adapter core's inbound surface, narrowed so the
// bridge's test suite does not need a full *chatadapter.Adapter.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg chatadapter.InboundMessage) error
	HandleCallback(ctx context.Context, cb chatadapter.InboundCallback) error
}

// Bridge connects a Matrix homeserver sync stream to the chat adapter core.
type Bridge struct {
	cfg      *Config
	client   *mautrix.Client
	platform *Adapter
	core     Dispatcher
	logger   *slog.Logger
}

// NewBridge wires a Matrix client, its Platform adapter and the chat
// adapter core together.
func NewBridge(client *mautrix.Client, cfg *Config, platform *Adapter, core Dispatcher, logger *slog.Logger) *Bridge {
	return &Bridge{cfg: cfg, client: client, platform: platform, core: core, logger: logger}
}

// Run starts the Matrix sync loop and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("matrix bridge starting", "homeserver", b.cfg.Homeserver, "user_id", b.cfg.UserID)

	syncErr := make(chan error, 1)
	go func() { syncErr <- b.client.SyncWithContext(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(b.cfg.UserID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	roomID := evt.RoomID.String()
	if !b.cfg.roomAllowed(roomID) {
		return
	}

	chatID := b.platform.rooms.IntFor(roomID)
	messageID := b.platform.events.IntFor(evt.ID.String())
	sender := evt.Sender.String()
	body := content.Body

	if cb, ok := parseCommand(body); ok {
		b.platform.rememberCallback(evt.ID.String(), evt.RoomID)
		inbound := chatadapter.InboundCallback{
			Kind:       cb.kind,
			TaskID:     cb.taskID,
			ChatID:     chatID,
			MessageID:  messageID,
			UserID:     sender,
			CallbackID: evt.ID.String(),
			Page:       cb.page,
		}
		if err := b.core.HandleCallback(ctx, inbound); err != nil {
			b.logger.Warn("handling matrix command failed", "room", roomID, "error", err)
		}
		return
	}

	var replyTo int64
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		replyTo = b.platform.events.IntFor(content.RelatesTo.InReplyTo.EventID.String())
	}

	msg := chatadapter.InboundMessage{
		ChatID:           chatID,
		MessageID:        messageID,
		SenderID:         sender,
		Text:             body,
		ReplyToMessageID: replyTo,
	}
	if err := b.core.HandleMessage(ctx, msg); err != nil {
		b.logger.Warn("handling matrix message failed", "room", roomID, "error", err)
	}
}

type command struct {
	kind   chatadapter.CallbackKind
	taskID string
	page   int
}

// parseCommand recognizes the text-command equivalents of the five
// interactive buttons rendered by renderKeyboardHint.
func parseCommand(body string) (command, bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "!") {
		return command{}, false
	}
	kind, taskID, page, ok := chatadapter.ParseCallbackPayload(strings.TrimPrefix(body, "!"))
	if !ok {
		return command{}, false
	}
	return command{kind: kind, taskID: taskID, page: page}, true
}

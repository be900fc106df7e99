// ABOUTME: chatadapter.Platform implementation over maunium.net/go/mautrix.
// ABOUTME: Follows cmd/fold-matrix/bridge.go's send/typing helper shape.

package matrixadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/taskhub/internal/chatadapter"
)

const sendTimeout = 30 * time.Second

// Adapter is a chatadapter.Platform backed by a live mautrix client. Matrix
// has no native inline-keyboard concept, so SendOptions.Keyboard is
// rendered as one line of bracketed "[Label: !kind:taskID[:page]]" hints per
// keyboard row, and button presses are recognized as exact-match text
// commands in bridge.go.
type Adapter struct {
	client *mautrix.Client
	cfg    *Config
	rooms  *idMap // chat_id <-> room_id
	events *idMap // message_id <-> event_id

	mu         sync.Mutex
	callbackTo map[string]id.RoomID // callback_id -> room, for AnswerCallback
}

// New constructs a matrixadapter.Adapter for an already-authenticated
// client (homeserver/user_id/access_token already set on cfg).
func New(client *mautrix.Client, cfg *Config) *Adapter {
	return &Adapter{
		client:     client,
		cfg:        cfg,
		rooms:      newIDMap(),
		events:     newIDMap(),
		callbackTo: make(map[string]id.RoomID),
	}
}

var _ chatadapter.Platform = (*Adapter)(nil)

func (a *Adapter) roomFor(chatID int64) (id.RoomID, bool) {
	s, ok := a.rooms.StringFor(chatID)
	return id.RoomID(s), ok
}

func renderKeyboardHint(keyboard [][]chatadapter.Button) string {
	if len(keyboard) == 0 {
		return ""
	}
	var b strings.Builder
	for _, row := range keyboard {
		var labels []string
		for _, btn := range row {
			labels = append(labels, fmt.Sprintf("[%s: !%s]", btn.Label, btn.Callback))
		}
		b.WriteString("\n" + strings.Join(labels, " "))
	}
	return b.String()
}

func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64, opts chatadapter.SendOptions) (int64, error) {
	roomID, ok := a.roomFor(chatID)
	if !ok {
		return 0, fmt.Errorf("unknown chat_id %d", chatID)
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	body := text + renderKeyboardHint(opts.Keyboard)
	resp, err := a.client.SendText(sendCtx, roomID, body)
	if err != nil {
		return 0, fmt.Errorf("sending matrix message: %w", err)
	}
	return a.events.IntFor(resp.EventID.String()), nil
}

// SendPrivate resolves ownerID as a Matrix user id and creates a new
// direct-message room with that user on every call (an existing room is not
// reused), then sends as SendMessage would.
func (a *Adapter) SendPrivate(ctx context.Context, ownerID string, text string, opts chatadapter.SendOptions) (int64, error) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	roomID, err := a.ensureDirectRoom(sendCtx, ownerID)
	if err != nil {
		return 0, err
	}
	chatID := a.rooms.IntFor(string(roomID))
	return a.SendMessage(ctx, chatID, text, 0, opts)
}

func (a *Adapter) ensureDirectRoom(ctx context.Context, userID string) (id.RoomID, error) {
	resp, err := a.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{id.UserID(userID)},
		IsDirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", userID, err)
	}
	return resp.RoomID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID int64, text string, opts chatadapter.SendOptions) error {
	roomID, ok := a.roomFor(chatID)
	if !ok {
		return fmt.Errorf("unknown chat_id %d", chatID)
	}
	eventIDStr, ok := a.events.StringFor(messageID)
	if !ok {
		return fmt.Errorf("unknown message_id %d", messageID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	body := text + renderKeyboardHint(opts.Keyboard)
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	content.SetEdit(id.EventID(eventIDStr))

	_, err := a.client.SendMessageEvent(sendCtx, roomID, event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("editing matrix message: %w", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	roomID, ok := a.roomFor(chatID)
	if !ok {
		return fmt.Errorf("unknown chat_id %d", chatID)
	}
	eventIDStr, ok := a.events.StringFor(messageID)
	if !ok {
		return fmt.Errorf("unknown message_id %d", messageID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := a.client.RedactEvent(sendCtx, roomID, id.EventID(eventIDStr))
	if err != nil {
		return fmt.Errorf("redacting matrix message: %w", err)
	}
	return nil
}

// PinMessage updates the room's m.room.pinned_events state. Best-effort
//: failures are returned for the caller to log, never fatal.
func (a *Adapter) PinMessage(ctx context.Context, chatID, messageID int64) error {
	roomID, ok := a.roomFor(chatID)
	if !ok {
		return fmt.Errorf("unknown chat_id %d", chatID)
	}
	eventIDStr, ok := a.events.StringFor(messageID)
	if !ok {
		return fmt.Errorf("unknown message_id %d", messageID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := a.client.SendStateEvent(sendCtx, roomID, event.StatePinnedEvents, "", &event.PinnedEventsEventContent{
		Pinned: []id.EventID{id.EventID(eventIDStr)},
	})
	return err
}

// AnswerCallback sends a short acknowledgement into the room that
// originated callbackID, recorded when bridge.go parsed the triggering
// command message.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if text == "" {
		return nil
	}
	a.mu.Lock()
	roomID, ok := a.callbackTo[callbackID]
	delete(a.callbackTo, callbackID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := a.client.SendText(sendCtx, roomID, text)
	return err
}

// rememberCallback records which room a callback originated in, so
// AnswerCallback can reply there.
func (a *Adapter) rememberCallback(callbackID string, roomID id.RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbackTo[callbackID] = roomID
}

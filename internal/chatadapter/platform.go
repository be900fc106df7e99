// ABOUTME: Platform is the chat-platform SDK adapter's interface boundary.
// ABOUTME: The core depends only on this interface; concrete SDKs live outside this package.

package chatadapter

import "context"

// Button is one inline keyboard button carrying an opaque callback payload
// the platform echoes back verbatim in an InboundCallback.
type Button struct {
	Label    string
	Callback string
}

// SendOptions carries optional rich-text segments and an inline keyboard
// for an outbound message.
type SendOptions struct {
	Segments []Segment
	Keyboard [][]Button
}

// Segment is re-exported in terms the Platform understands; kept separate
// from render.Segment so this package's public surface does not leak the
// markdown renderer's internal types.
type Segment struct {
	Type  string
	Start int
	End   int
}

// Platform is the only contract between the core and a concrete chat SDK
//.
// internal/matrixadapter ships one concrete implementation.
type Platform interface {
	// SendMessage posts text to chatID, optionally as a reply to replyTo
	// (0 for none), and returns the new message's id.
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64, opts SendOptions) (int64, error)

	// SendPrivate posts text to ownerID's private chat with the bot,
	// returning the new message's id.
	SendPrivate(ctx context.Context, ownerID string, text string, opts SendOptions) (int64, error)

	// EditMessage replaces the text/keyboard of an existing message.
	EditMessage(ctx context.Context, chatID, messageID int64, text string, opts SendOptions) error

	// DeleteMessage removes a message the bot previously sent.
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// PinMessage pins a message in chatID. Best-effort: failures are
	// logged, never fatal.
	PinMessage(ctx context.Context, chatID, messageID int64) error

	// AnswerCallback acknowledges an inline-button press, optionally
	// showing text to the clicking user.
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// InboundMessage is a parsed incoming chat event.
type InboundMessage struct {
	ChatID           int64
	MessageID        int64
	SenderID         string
	Text             string
	ReplyToMessageID int64 // 0 if this message is not a reply
	Attachments      []InboundAttachment
}

// InboundAttachment mirrors taskstore.Attachment at the adapter boundary.
type InboundAttachment struct {
	Filename string
	MimeType string
	Bytes    []byte
	Size     int
}

// CallbackKind enumerates the five interactive callbacks.
type CallbackKind string

const (
	CallbackApprove         CallbackKind = "approve"
	CallbackReject          CallbackKind = "reject"
	CallbackEndConversation CallbackKind = "end_conversation"
	CallbackPageNext        CallbackKind = "page_next"
	CallbackPagePrev        CallbackKind = "page_prev"
)

// InboundCallback is a parsed interactive button press.
type InboundCallback struct {
	Kind       CallbackKind
	TaskID     string
	ChatID     int64
	MessageID  int64
	UserID     string
	CallbackID string
	Page       int // current page index, for page_next/page_prev
}

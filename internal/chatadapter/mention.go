// ABOUTME: Mention parsing and callback-payload encoding for the chat adapter.

package chatadapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var mentionPattern = regexp.MustCompile(`^@(\w+)\s+(.+)$`)

// parseMention extracts (target agent name, content) from text per
// mention-routing rule. If the first mention is the bot's own handle (case-
// insensitive), it is skipped and the next token parsed as the real
// target.
func parseMention(text, botHandle string) (target, content string, ok bool) {
	m := mentionPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	mentioned, rest := m[1], m[2]

	if strings.EqualFold(mentioned, botHandle) {
		m2 := mentionPattern.FindStringSubmatch(rest)
		if m2 == nil {
			return "", "", false
		}
		return m2[1], m2[2], true
	}
	return mentioned, rest, true
}

// BuildCallbackPayload encodes an interactive-button payload. Platform
// implementations pass the payload through opaquely and parse it back via
// ParseCallbackPayload when the button is pressed.
func BuildCallbackPayload(kind CallbackKind, taskID string, page int) string {
	if kind == CallbackPageNext || kind == CallbackPagePrev {
		return fmt.Sprintf("%s:%s:%d", kind, taskID, page)
	}
	return fmt.Sprintf("%s:%s", kind, taskID)
}

// ParseCallbackPayload decodes a payload built by BuildCallbackPayload.
func ParseCallbackPayload(payload string) (kind CallbackKind, taskID string, page int, ok bool) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) < 2 {
		return "", "", 0, false
	}
	kind = CallbackKind(parts[0])
	taskID = parts[1]
	if len(parts) == 3 {
		page, _ = strconv.Atoi(parts[2])
	}
	switch kind {
	case CallbackApprove, CallbackReject, CallbackEndConversation, CallbackPageNext, CallbackPagePrev:
		return kind, taskID, page, true
	default:
		return "", "", 0, false
	}
}

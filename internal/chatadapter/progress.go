// ABOUTME: 3-second-debounced progress-message lifecycle, wired as gateway.Callbacks.OnTaskProgress.

package chatadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/taskhub/internal/store"
)

const progressDebounce = 3 * time.Second

// progressSlot tracks the one live progress message a running task owns.
type progressSlot struct {
	chatID    int64
	messageID int64 // 0 until the first message has been sent
	lastSent  time.Time
	pending   string // latest status text not yet flushed
	timer     *time.Timer
}

// initProgress reserves a progress slot for a freshly dispatched task, so
// the first OnTaskProgress call knows to create rather than edit.
func (a *Adapter) initProgress(task *store.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress[task.TaskID] = &progressSlot{chatID: task.ChatID}
}

// OnTaskProgress is registered as gateway.Callbacks.OnTaskProgress. It
// debounces bursts of progress updates into at most one edit per 3s window.
func (a *Adapter) OnTaskProgress(task *store.Task, status, detail string, elapsedMs int64) {
	text := formatProgress(status, detail, elapsedMs)

	a.mu.Lock()
	slot, ok := a.progress[task.TaskID]
	if !ok {
		slot = &progressSlot{chatID: task.ChatID}
		a.progress[task.TaskID] = slot
	}
	slot.pending = text

	since := time.Since(slot.lastSent)
	if since >= progressDebounce {
		a.mu.Unlock()
		a.flushProgress(task.TaskID)
		return
	}

	if slot.timer == nil {
		slot.timer = time.AfterFunc(progressDebounce-since, func() {
			a.flushProgress(task.TaskID)
		})
	}
	a.mu.Unlock()
}

// formatProgress renders a humanized elapsed-time label ("started 3 seconds ago")
// rather than a raw millisecond count, matching how progress messages read
// on the chat side. The three recognized statuses get a clean label;
// anything else falls back to the generic "⏳ <status>" form.
func formatProgress(status, detail string, elapsedMs int64) string {
	started := time.Now().Add(-time.Duration(elapsedMs) * time.Millisecond)
	elapsed := humanize.Time(started)

	var label string
	switch status {
	case "thinking", "responding":
		label = status
	case "tool_use":
		label = fmt.Sprintf("tool_use: %s", detail)
	default:
		if detail == "" {
			label = fmt.Sprintf("⏳ %s", status)
		} else {
			label = fmt.Sprintf("⏳ %s: %s", status, detail)
		}
	}
	return fmt.Sprintf("%s (started %s)", label, elapsed)
}

func (a *Adapter) flushProgress(taskID string) {
	a.mu.Lock()
	slot, ok := a.progress[taskID]
	if !ok {
		a.mu.Unlock()
		return
	}
	text := slot.pending
	slot.timer = nil
	slot.lastSent = time.Now()
	chatID := slot.chatID
	messageID := slot.messageID
	a.mu.Unlock()

	ctx := context.Background()

	if messageID == 0 {
		id, err := a.platform.SendMessage(ctx, chatID, text, 0, SendOptions{})
		if err != nil {
			a.logger.Warn("sending progress message failed", "task_id", taskID, "error", err)
			return
		}
		a.mu.Lock()
		if slot2, ok := a.progress[taskID]; ok {
			slot2.messageID = id
		}
		a.mu.Unlock()
		return
	}

	if err := a.platform.EditMessage(ctx, chatID, messageID, text, SendOptions{}); err != nil {
		a.logger.Warn("editing progress message failed", "task_id", taskID, "error", err)
	}
}

// clearProgress deletes the progress message (if any) once a task reaches a
// terminal state, so the final result replaces it rather than sitting
// alongside it.
func (a *Adapter) clearProgress(ctx context.Context, taskID string) {
	a.mu.Lock()
	slot, ok := a.progress[taskID]
	delete(a.progress, taskID)
	a.mu.Unlock()
	if !ok || slot.messageID == 0 {
		return
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	if err := a.platform.DeleteMessage(ctx, slot.chatID, slot.messageID); err != nil {
		a.logger.Warn("deleting progress message failed", "task_id", taskID, "error", err)
	}
}

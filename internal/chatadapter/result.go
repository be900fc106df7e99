// ABOUTME: Result rendering, pagination and delivery, wired as gateway.Callbacks.OnTaskResult/OnTaskCancelled.

package chatadapter

import (
	"context"
	"fmt"

	"github.com/2389/taskhub/internal/chatadapter/render"
	"github.com/2389/taskhub/internal/store"
)

// OnTaskResult is registered as gateway.Callbacks.OnTaskResult: it renders
// the task's markdown result, paginates it, replaces the progress message
// with page one, and indexes the sent message for reply-continuation
//.
func (a *Adapter) OnTaskResult(task *store.Task) {
	ctx := context.Background()
	a.clearProgress(ctx, task.TaskID)

	plain, segs := render.Render(task.Result)
	if plain == "" {
		plain = task.Result
		segs = nil
	}
	pages := Paginate(plain, segs)

	a.mu.Lock()
	a.resultPages[task.TaskID] = pages
	a.mu.Unlock()

	text, opts := a.renderPage(pages, 0, task.TaskID, task)

	header := statusHeader(task)
	text = header + "\n\n" + text

	messageID, err := a.platform.SendMessage(ctx, task.ChatID, text, task.MessageID, opts)
	if err != nil {
		a.logger.Warn("sending result message failed", "task_id", task.TaskID, "error", err)
		return
	}
	if err := a.tasks.SetResultMessage(ctx, task.TaskID, messageID); err != nil {
		a.logger.Warn("indexing result message failed", "task_id", task.TaskID, "error", err)
	}
}

// OnTaskCancelled is registered as gateway.Callbacks.OnTaskCancelled.
func (a *Adapter) OnTaskCancelled(task *store.Task) {
	ctx := context.Background()
	a.clearProgress(ctx, task.TaskID)
	if _, err := a.platform.SendMessage(ctx, task.ChatID, fmt.Sprintf("🚫 任务已取消: %s", task.To), task.MessageID, SendOptions{}); err != nil {
		a.logger.Warn("sending cancellation notice failed", "task_id", task.TaskID, "error", err)
	}
}

func statusHeader(task *store.Task) string {
	if task.Status == store.StatusFailed {
		return fmt.Sprintf("❌ %s 执行失败", task.To)
	}
	return fmt.Sprintf("✅ %s 已完成", task.To)
}

// renderPage builds the outbound text/keyboard for page idx of a task's
// paginated result.
func (a *Adapter) renderPage(pages []Page, idx int, taskID string, task *store.Task) (string, SendOptions) {
	page := pages[idx]

	var segs []Segment
	for _, s := range page.Segments {
		segs = append(segs, Segment{Type: string(s.Type), Start: s.Start, End: s.End})
	}

	var row []Button
	if idx > 0 {
		row = append(row, Button{Label: "⬅️ 上一页", Callback: BuildCallbackPayload(CallbackPagePrev, taskID, idx)})
	}
	if idx < len(pages)-1 {
		row = append(row, Button{Label: "➡️ 下一页", Callback: BuildCallbackPayload(CallbackPageNext, taskID, idx)})
	}

	keyboard := [][]Button{}
	if len(row) > 0 {
		keyboard = append(keyboard, row)
	}
	if task != nil && task.Status.Terminal() {
		keyboard = append(keyboard, []Button{{Label: "🔚 结束对话", Callback: BuildCallbackPayload(CallbackEndConversation, taskID, 0)}})
	}

	text := page.Text
	if len(pages) > 1 {
		text = fmt.Sprintf("%s\n\n(%d/%d)", text, idx+1, len(pages))
	}

	return text, SendOptions{Segments: segs, Keyboard: keyboard}
}

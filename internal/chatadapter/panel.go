// ABOUTME: Pinned per-chat status panel listing online agents, 2s-debounced and
// ABOUTME: restorable across restarts via the persisted panel pointer.

package chatadapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/taskhub/internal/store"
)

const panelDebounce = 2 * time.Second

// panelState tracks one chat's pinned status-panel message and its
// debounce timer.
type panelState struct {
	messageID int64 // 0 until first sent
	timer     *time.Timer
	dirty     bool
}

// RestorePanels reloads persisted panel pointers at startup so a restart
// reuses the existing pinned message instead of posting a new one.
func (a *Adapter) RestorePanels(ctx context.Context) error {
	if a.panelRepo == nil {
		return nil
	}
	pointers, err := a.panelRepo.LoadPanels(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pointers {
		a.panels[p.ChatID] = &panelState{messageID: p.MessageID}
	}
	return nil
}

// OnAgentOnline is registered as gateway.Callbacks.OnAgentOnline.
func (a *Adapter) OnAgentOnline(agentName string) {
	a.refreshPanels()
}

// OnAgentOffline is registered as gateway.Callbacks.OnAgentOffline.
func (a *Adapter) OnAgentOffline(agentName string) {
	a.refreshPanels()
}

// refreshPanels schedules a debounced refresh of every chat's status panel.
func (a *Adapter) refreshPanels() {
	a.mu.Lock()
	chatIDs := make([]int64, 0, len(a.panels))
	if len(a.panels) == 0 && a.defaultChatID != 0 {
		a.panels[a.defaultChatID] = &panelState{}
	}
	for chatID, st := range a.panels {
		chatIDs = append(chatIDs, chatID)
		st.dirty = true
		if st.timer == nil {
			cid := chatID
			st.timer = time.AfterFunc(panelDebounce, func() { a.flushPanel(cid) })
		}
	}
	a.mu.Unlock()
}

func (a *Adapter) flushPanel(chatID int64) {
	a.mu.Lock()
	st, ok := a.panels[chatID]
	if !ok || !st.dirty {
		if ok {
			st.timer = nil
		}
		a.mu.Unlock()
		return
	}
	st.dirty = false
	st.timer = nil
	messageID := st.messageID
	a.mu.Unlock()

	ctx := context.Background()
	text := a.renderPanelText()

	if messageID == 0 {
		a.sendNewPanel(ctx, chatID, text)
		return
	}

	if err := a.platform.EditMessage(ctx, chatID, messageID, text, SendOptions{}); err != nil {
		a.logger.Warn("editing status panel failed, sending new one", "chat_id", chatID, "error", err)
		a.mu.Lock()
		if st, ok := a.panels[chatID]; ok {
			st.messageID = 0
		}
		a.mu.Unlock()
		a.sendNewPanel(ctx, chatID, text)
	}
}

// sendNewPanel sends a fresh panel message and pins it, used both for a
// chat's first panel and as the fallback when editing an existing one fails
// (e.g. the pinned message was deleted).
func (a *Adapter) sendNewPanel(ctx context.Context, chatID int64, text string) {
	id, err := a.platform.SendMessage(ctx, chatID, text, 0, SendOptions{})
	if err != nil {
		a.logger.Warn("sending status panel failed", "chat_id", chatID, "error", err)
		return
	}
	if err := a.platform.PinMessage(ctx, chatID, id); err != nil {
		a.logger.Warn("pinning status panel failed", "chat_id", chatID, "error", err)
	}
	a.mu.Lock()
	if st, ok := a.panels[chatID]; ok {
		st.messageID = id
	}
	a.mu.Unlock()
	a.persistPanel(ctx, chatID, id)
}

func (a *Adapter) persistPanel(ctx context.Context, chatID, messageID int64) {
	if a.panelRepo == nil {
		return
	}
	p := &store.PanelPointer{ChatID: chatID, MessageID: messageID, UpdatedAt: time.Now().UTC()}
	if err := a.panelRepo.UpsertPanel(ctx, p); err != nil {
		a.logger.Warn("persisting status panel pointer failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) renderPanelText() string {
	online := a.registry.ListOnline()
	if len(online) == 0 {
		return "📋 在线 Agent: 无"
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Name < online[j].Name })

	var b strings.Builder
	b.WriteString("📋 在线 Agent\n")
	for _, info := range online {
		fmt.Fprintf(&b, "• %s (owner: %s)\n", info.Name, info.OwnerID)
	}
	return strings.TrimRight(b.String(), "\n")
}

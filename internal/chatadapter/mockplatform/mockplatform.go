// ABOUTME: In-memory chatadapter.Platform test double recording every call for assertions.

package mockplatform

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/taskhub/internal/chatadapter"
)

// Message is a recorded outbound message, edit or private send.
type Message struct {
	ChatID    int64
	MessageID int64
	ReplyTo   int64
	Text      string
	Options   chatadapter.SendOptions
	Private   bool
	OwnerID   string
	Deleted   bool
	Pinned    bool
}

// Platform is a deterministic, in-process chatadapter.Platform double.
type Platform struct {
	mu       sync.Mutex
	nextID   int64
	Messages map[int64]*Message // message_id -> message
	Answers  []AnsweredCallback

	// SendErr, when non-nil, is returned by the next SendMessage/SendPrivate call.
	SendErr error
}

// AnsweredCallback records one AnswerCallback invocation.
type AnsweredCallback struct {
	CallbackID string
	Text       string
}

// New constructs an empty mock platform.
func New() *Platform {
	return &Platform{Messages: make(map[int64]*Message)}
}

var _ chatadapter.Platform = (*Platform)(nil)

func (p *Platform) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64, opts chatadapter.SendOptions) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		err := p.SendErr
		p.SendErr = nil
		return 0, err
	}
	p.nextID++
	id := p.nextID
	p.Messages[id] = &Message{ChatID: chatID, MessageID: id, ReplyTo: replyTo, Text: text, Options: opts}
	return id, nil
}

func (p *Platform) SendPrivate(ctx context.Context, ownerID string, text string, opts chatadapter.SendOptions) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		err := p.SendErr
		p.SendErr = nil
		return 0, err
	}
	p.nextID++
	id := p.nextID
	p.Messages[id] = &Message{MessageID: id, Text: text, Options: opts, Private: true, OwnerID: ownerID}
	return id, nil
}

func (p *Platform) EditMessage(ctx context.Context, chatID, messageID int64, text string, opts chatadapter.SendOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.Messages[messageID]
	if !ok {
		return fmt.Errorf("no such message %d", messageID)
	}
	m.Text = text
	m.Options = opts
	return nil
}

func (p *Platform) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.Messages[messageID]; ok {
		m.Deleted = true
	}
	return nil
}

func (p *Platform) PinMessage(ctx context.Context, chatID, messageID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.Messages[messageID]; ok {
		m.Pinned = true
	}
	return nil
}

func (p *Platform) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Answers = append(p.Answers, AnsweredCallback{CallbackID: callbackID, Text: text})
	return nil
}

// Get returns the recorded message by id, for test assertions.
func (p *Platform) Get(messageID int64) (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.Messages[messageID]
	return m, ok
}

// Last returns the most recently sent (highest id) message.
func (p *Platform) Last() *Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last *Message
	for id, m := range p.Messages {
		if last == nil || id > last.MessageID {
			last = m
		}
	}
	return last
}

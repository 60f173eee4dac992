package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"

	"clawd/internal/logging"
)

// SlackMessenger is the default egress adapter. It satisfies the
// Messenger contract every component that delivers to chats consumes.
type SlackMessenger struct {
	client *slack.Client
	log    *logging.Logger
}

// NewSlackMessenger builds a messenger from a bot token.
func NewSlackMessenger(token string) *SlackMessenger {
	return &SlackMessenger{
		client: slack.New(token),
		log:    logging.Get(logging.CategoryAdapters),
	}
}

// Send posts text to a channel or DM. Safe for concurrent use; the
// underlying client is stateless per call.
func (m *SlackMessenger) Send(ctx context.Context, chatID, text string) error {
	_, _, err := m.client.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		m.log.Error("slack send to %s failed: %v", chatID, err)
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// MemoryMessenger records sends in memory. It is the test double and
// the fallback when no chat transport is configured.
type MemoryMessenger struct {
	mu    sync.Mutex
	sends []MemorySend
}

// MemorySend is one recorded delivery.
type MemorySend struct {
	ChatID string
	Text   string
}

// NewMemoryMessenger returns an empty recording messenger.
func NewMemoryMessenger() *MemoryMessenger {
	return &MemoryMessenger{}
}

// Send records the delivery.
func (m *MemoryMessenger) Send(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, MemorySend{ChatID: chatID, Text: text})
	return nil
}

// Sends returns a copy of everything delivered so far.
func (m *MemoryMessenger) Sends() []MemorySend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemorySend(nil), m.sends...)
}

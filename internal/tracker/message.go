// Package tracker holds the message and tool-call lifecycle state machines of
// a session. Trackers are owned by a single session task and are not safe for
// concurrent use.
package tracker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// MessageTracker tracks concurrently streaming messages.
type MessageTracker struct {
	messages map[string]*domain.Message
	order    []string
}

// NewMessageTracker creates an empty message tracker.
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		messages: make(map[string]*domain.Message),
	}
}

// Start opens a new streaming message and returns its id.
func (t *MessageTracker) Start(role domain.MessageRole, runID string) string {
	id := "msg_" + uuid.New().String()[:8]
	for t.messages[id] != nil {
		id = "msg_" + uuid.New().String()[:8]
	}
	t.messages[id] = &domain.Message{
		MessageID: id,
		Role:      role,
		Status:    domain.MessageStatusStreaming,
		RunID:     runID,
	}
	t.order = append(t.order, id)
	return id
}

// AppendDelta appends text to a streaming message.
func (t *MessageTracker) AppendDelta(messageID, text string) error {
	msg, ok := t.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessage, messageID)
	}
	if msg.Status != domain.MessageStatusStreaming {
		return fmt.Errorf("%w: %s", domain.ErrMessageClosed, messageID)
	}
	msg.AccumulatedText += text
	return nil
}

// End completes a message. Ending an already complete message is a no-op and
// reports false.
func (t *MessageTracker) End(messageID string) (bool, error) {
	msg, ok := t.messages[messageID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownMessage, messageID)
	}
	if msg.Status == domain.MessageStatusComplete {
		return false, nil
	}
	msg.Status = domain.MessageStatusComplete
	return true, nil
}

// Get returns a copy of a message.
func (t *MessageTracker) Get(messageID string) (domain.Message, bool) {
	msg, ok := t.messages[messageID]
	if !ok {
		return domain.Message{}, false
	}
	return *msg, true
}

// Streaming returns the ids of messages still streaming, oldest first.
func (t *MessageTracker) Streaming() []string {
	var ids []string
	for _, id := range t.order {
		if t.messages[id].Status == domain.MessageStatusStreaming {
			ids = append(ids, id)
		}
	}
	return ids
}

// Messages returns copies of all messages in creation order.
func (t *MessageTracker) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.messages[id])
	}
	return out
}

// Len returns the number of tracked messages.
func (t *MessageTracker) Len() int {
	return len(t.order)
}

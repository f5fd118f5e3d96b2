package stream

import "github.com/xiaot623/gogo/agui/internal/domain"

// messageLog folds message events into the message list served in
// snapshots, so producers need not copy the list on every event.
type messageLog struct {
	list  []domain.Message
	index map[string]int
}

func newMessageLog() *messageLog {
	return &messageLog{index: make(map[string]int)}
}

// reset replaces the list wholesale.
func (l *messageLog) reset(messages []domain.Message) {
	l.list = append(make([]domain.Message, 0, len(messages)), messages...)
	l.index = make(map[string]int, len(messages))
	for i, m := range l.list {
		l.index[m.MessageID] = i
	}
}

// apply folds one event. Events that do not touch messages are ignored.
func (l *messageLog) apply(ev *domain.Event) error {
	switch ev.Type {
	case domain.EventTypeMessageStart:
		var p domain.MessageStartPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if _, ok := l.index[p.MessageID]; ok {
			return nil
		}
		l.index[p.MessageID] = len(l.list)
		l.list = append(l.list, domain.Message{
			MessageID: p.MessageID,
			Role:      p.Role,
			Status:    domain.MessageStatusStreaming,
			RunID:     p.RunID,
		})
	case domain.EventTypeTextDelta:
		var p domain.TextDeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if i, ok := l.index[p.MessageID]; ok {
			l.list[i].AccumulatedText += p.Delta
		}
	case domain.EventTypeMessageEnd:
		var p domain.MessageEndPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if i, ok := l.index[p.MessageID]; ok {
			l.list[i].Status = domain.MessageStatusComplete
		}
	case domain.EventTypeMessagesSnapshot:
		var p domain.MessagesSnapshotPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		l.reset(p.Messages)
	}
	return nil
}

// messages returns the current list. Callers must not keep it past the
// stream lock.
func (l *messageLog) messages() []domain.Message {
	if l.list == nil {
		return []domain.Message{}
	}
	return l.list
}

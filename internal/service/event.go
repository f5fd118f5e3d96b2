package service

import (
	"context"
	"log"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/statetree"
	"github.com/xiaot623/gogo/agui/internal/stream"
)

// emit stamps the next seq on an event and hands it to the stream together
// with the state tree as of that event.
func (s *session) emit(eventType domain.EventType, payload interface{}) {
	ev, err := domain.NewEvent(s.id, s.seq+1, eventType, payload)
	if err != nil {
		log.Printf("ERROR: session %s: %v", s.id, err)
		return
	}
	s.seq++
	item := stream.Item{
		Event: ev,
		State: s.tree,
	}
	if err := s.stream.Publish(context.Background(), item); err != nil {
		log.Printf("WARN: failed to publish %s seq %d for session %s: %v", eventType, ev.Seq, s.id, err)
	}
}

// syncState renders the tree the session should show and emits the
// operations that take clients there.
func (s *session) syncState() {
	desired := s.render()
	ops := statetree.Diff(s.tree, desired)
	if len(ops) == 0 {
		return
	}
	next, err := statetree.Apply(s.tree, ops)
	if err != nil {
		log.Printf("ERROR: session %s: state diff did not apply, sending snapshot: %v", s.id, err)
		s.tree = desired
		s.emit(domain.EventTypeStateSnapshot, domain.StateSnapshotPayload{State: desired})
		return
	}
	s.tree = next
	s.emit(domain.EventTypeStateDelta, domain.StateDeltaPayload{Operations: ops})
}

// render builds the state tree from the trackers. Message text and raw
// argument fragments are carried by their own events and left out.
func (s *session) render() map[string]interface{} {
	messages := map[string]interface{}{}
	order := []interface{}{}
	for _, m := range s.messages.Messages() {
		entry := map[string]interface{}{
			"role":   string(m.Role),
			"status": string(m.Status),
		}
		if m.RunID != "" {
			entry["run_id"] = m.RunID
		}
		messages[m.MessageID] = entry
		order = append(order, m.MessageID)
	}

	calls := map[string]interface{}{}
	for _, c := range s.calls.Calls() {
		entry := map[string]interface{}{
			"name":   c.Name,
			"status": string(c.Status),
			"run_id": c.RunID,
		}
		if c.ParentMessageID != "" {
			entry["parent_message_id"] = c.ParentMessageID
		}
		if len(c.Args) > 0 {
			entry["args"] = c.Args
		}
		if len(c.Result) > 0 {
			entry["result"] = c.Result
		}
		if c.Error != nil {
			entry["error"] = map[string]interface{}{
				"code":    c.Error.Code,
				"message": c.Error.Message,
			}
		}
		calls[c.CallID] = entry
	}

	tree := map[string]interface{}{
		"session_id":    s.id,
		"status":        string(s.status),
		"run":           nil,
		"messages":      messages,
		"message_order": order,
		"tool_calls":    calls,
		"interrupt":     nil,
	}
	if r := s.lastRun; r != nil {
		run := map[string]interface{}{
			"run_id": r.RunID,
			"status": string(r.Status),
			"turn":   r.Turn,
		}
		if r.Outcome != "" {
			run["outcome"] = string(r.Outcome)
		}
		if r.Code != "" {
			run["error"] = map[string]interface{}{
				"code":    string(r.Code),
				"message": r.Message,
			}
		}
		tree["run"] = run
	}
	if s.run != nil && s.run.interrupt != nil {
		p := s.run.interrupt
		entry := map[string]interface{}{
			"interrupt_id": p.id,
			"kind":         string(p.kind),
			"payload":      p.payload,
			"deadline_ts":  p.deadline.UnixMilli(),
		}
		if p.callID != "" {
			entry["call_id"] = p.callID
		}
		tree["interrupt"] = entry
	}

	normalized, _ := statetree.Normalize(tree).(map[string]interface{})
	return normalized
}

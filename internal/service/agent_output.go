package service

import (
	"log"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

const defaultChunkKey = "default"

// HandleAgentOutput feeds one chunk into the run's current agent attempt. It
// never blocks the caller; chunks for a run that is no longer active are
// dropped.
func (s *Service) HandleAgentOutput(handle domain.RunHandle, chunk domain.AgentChunk) error {
	sess, err := s.lookup(handle.SessionID)
	if err != nil {
		return err
	}
	return sess.post(func() {
		run := sess.run
		if run == nil || run.id != handle.RunID {
			return
		}
		sess.handleChunk(run.tag(), chunk)
	})
}

func (s *session) handleChunk(tag attemptTag, chunk domain.AgentChunk) {
	run := s.current(tag)
	if run == nil || run.agentDone {
		return
	}
	key := chunk.Key
	if key == "" {
		key = defaultChunkKey
	}

	switch chunk.Kind {
	case domain.ChunkKindText:
		s.appendText(run, key, chunk.Text)
	case domain.ChunkKindTextEnd:
		if id, ok := run.textKeys[key]; ok {
			if changed, _ := s.messages.End(id); changed {
				s.emit(domain.EventTypeMessageEnd, domain.MessageEndPayload{MessageID: id})
				s.syncState()
			}
		}
	case domain.ChunkKindToolCall:
		s.appendToolCall(run, key, chunk)
	case domain.ChunkKindToolCallEnd:
		if id, ok := run.callKeys[key]; ok && !run.argsEnded[id] {
			s.finalizeCall(run, id)
		}
	case domain.ChunkKindInterrupt:
		run.activity = true
		s.queueInterrupt(run, interruptSpec{kind: domain.InterruptKindAgentPrompt, payload: chunk.Payload})
	case domain.ChunkKindRunComplete:
		s.completeTurn(run)
	case domain.ChunkKindRunError:
		msg := chunk.ErrorMessage
		if chunk.ErrorCode != "" {
			msg = chunk.ErrorCode + ": " + msg
		}
		s.failRun(run, domain.ReasonAgentError, msg)
	default:
		log.Printf("WARN: run %s: ignoring agent chunk of kind %q", run.id, chunk.Kind)
	}
}

func (s *session) appendText(run *runState, key, text string) {
	id, ok := run.textKeys[key]
	if !ok {
		id = s.messages.Start(domain.MessageRoleAssistant, run.id)
		run.textKeys[key] = id
		run.msgIDs = append(run.msgIDs, id)
		run.lastText = id
		s.emit(domain.EventTypeMessageStart, domain.MessageStartPayload{MessageID: id, Role: domain.MessageRoleAssistant, RunID: run.id})
		s.syncState()
	}
	if text == "" {
		return
	}
	if err := s.messages.AppendDelta(id, text); err != nil {
		log.Printf("WARN: run %s: dropping text for key %s: %v", run.id, key, err)
		return
	}
	s.emit(domain.EventTypeTextDelta, domain.TextDeltaPayload{MessageID: id, Delta: text})
}

func (s *session) appendToolCall(run *runState, key string, chunk domain.AgentChunk) {
	id, ok := run.callKeys[key]
	if !ok {
		id = s.calls.Start(chunk.ToolName, run.id, run.lastText)
		run.callKeys[key] = id
		run.callIDs = append(run.callIDs, id)
		if h, found := s.svc.tools.Resolve(chunk.ToolName); found {
			run.handlers[id] = h
		}
		s.emit(domain.EventTypeToolCallStart, domain.ToolCallStartPayload{
			CallID:          id,
			Name:            chunk.ToolName,
			ParentMessageID: run.lastText,
			RunID:           run.id,
		})
		s.syncState()
	}
	if chunk.ArgsDelta == "" {
		return
	}
	if run.argsEnded[id] {
		log.Printf("WARN: run %s: dropping argument fragment for ended call %s", run.id, id)
		return
	}
	if err := s.calls.AppendArgsDelta(id, chunk.ArgsDelta); err != nil {
		log.Printf("WARN: run %s: %v", run.id, err)
		return
	}
	s.emit(domain.EventTypeToolCallArgsDelta, domain.ToolCallArgsDeltaPayload{CallID: id, Delta: chunk.ArgsDelta})
	s.syncState()
}

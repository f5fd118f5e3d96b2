package stream

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/metrics"
)

var (
	// ErrStreamClosed is returned once a session stream has shut down.
	ErrStreamClosed = errors.New("stream closed")
	// ErrSlowConsumer is returned to a subscriber dropped for falling behind.
	ErrSlowConsumer = errors.New("subscriber queue full")
)

// Journal persists published events.
type Journal interface {
	AppendEvent(ctx context.Context, event *domain.Event) error
}

// Item is one unit handed from the orchestrator to the stream. State, when
// set, is the session's state tree as of Event and is kept for
// snapshot-based resume. The message list is folded from message events;
// Messages, when set, replaces it wholesale. Neither may be modified after
// publishing.
type Item struct {
	Event    *domain.Event
	State    map[string]interface{}
	Messages []domain.Message
}

// Options configures a stream.
type Options struct {
	ReplayBufferSize     int
	EventChannelSize     int
	SubscriberBufferSize int
}

// Stream fans one session's events out to its subscribers.
type Stream struct {
	sessionID string
	opts      Options
	journal   Journal

	in        chan Item
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	buffer      *ReplayBuffer
	lastSeq     int64
	state       map[string]interface{}
	messages    *messageLog
	subscribers map[string]*Subscription
	closed      bool
}

// NewStream creates a stream and starts its pump.
func NewStream(sessionID string, opts Options, journal Journal) *Stream {
	if opts.EventChannelSize <= 0 {
		opts.EventChannelSize = 256
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = 256
	}
	s := &Stream{
		sessionID:   sessionID,
		opts:        opts,
		journal:     journal,
		in:          make(chan Item, opts.EventChannelSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		buffer:      NewReplayBuffer(opts.ReplayBufferSize),
		state:       map[string]interface{}{},
		messages:    newMessageLog(),
		subscribers: make(map[string]*Subscription),
	}
	go s.run()
	return s
}

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Publish hands an item to the pump. It blocks while the channel is full.
// Only the session's producer may call Publish, and never after Close.
func (s *Stream) Publish(ctx context.Context, item Item) error {
	select {
	case <-s.quit:
		return ErrStreamClosed
	default:
	}
	select {
	case s.in <- item:
		return nil
	case <-s.quit:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items. Items already queued are still delivered,
// then every subscriber is closed. It is called by the producer after its
// last Publish.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
}

// Done is closed when the pump has drained and shut down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) run() {
	defer close(s.done)
loop:
	for {
		select {
		case item := <-s.in:
			s.dispatch(item)
		case <-s.quit:
			break loop
		}
	}
	for drained := false; !drained; {
		select {
		case item := <-s.in:
			s.dispatch(item)
		default:
			drained = true
		}
	}

	s.mu.Lock()
	s.closed = true
	for id, sub := range s.subscribers {
		sub.close(ErrStreamClosed)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
}

func (s *Stream) dispatch(item Item) {
	ev := item.Event
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.journal.AppendEvent(ctx, ev); err != nil {
			log.Printf("WARN: failed to journal event %s/%d: %v", ev.SessionID, ev.Seq, err)
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.Append(ev)
	s.lastSeq = ev.Seq
	if item.State != nil {
		s.state = item.State
	}
	if item.Messages != nil {
		s.messages.reset(item.Messages)
	} else if err := s.messages.apply(ev); err != nil {
		log.Printf("WARN: session %s: failed to fold event %d into messages: %v", s.sessionID, ev.Seq, err)
	}
	metrics.RecordEvent(string(ev.Type))

	for id, sub := range s.subscribers {
		select {
		case sub.live <- ev:
		default:
			log.Printf("Subscriber %s of session %s queue full, closing", id, s.sessionID)
			metrics.RecordSlowConsumer()
			sub.close(ErrSlowConsumer)
			delete(s.subscribers, id)
		}
	}
}

// Subscribe attaches a new subscriber that has seen every event up to and
// including lastSeen. The subscription starts with either the buffered events
// after lastSeen or, when the buffer cannot produce them all, a
// state_snapshot and messages_snapshot stamped with the current seq.
func (s *Stream) Subscribe(lastSeen int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: s.sessionID,
		live:      make(chan *domain.Event, s.opts.SubscriberBufferSize),
		stream:    s,
	}

	if replay, ok := s.buffer.After(lastSeen); ok {
		sub.Mode = ModeReplay
		sub.backlog = replay
	} else {
		snapshot, err := s.snapshotLocked()
		if err != nil {
			return nil, err
		}
		sub.Mode = ModeSnapshot
		sub.backlog = snapshot
	}
	sub.FromSeq = s.lastSeq
	metrics.RecordResume(string(sub.Mode))

	s.subscribers[sub.ID] = sub
	return sub, nil
}

func (s *Stream) snapshotLocked() ([]*domain.Event, error) {
	stateEv, err := domain.NewEvent(s.sessionID, s.lastSeq, domain.EventTypeStateSnapshot, domain.StateSnapshotPayload{State: s.state})
	if err != nil {
		return nil, err
	}
	msgEv, err := domain.NewEvent(s.sessionID, s.lastSeq, domain.EventTypeMessagesSnapshot, domain.MessagesSnapshotPayload{Messages: s.messages.messages()})
	if err != nil {
		return nil, err
	}
	return []*domain.Event{stateEv, msgEv}, nil
}

// Unsubscribe detaches a subscriber.
func (s *Stream) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.ID]; ok {
		delete(s.subscribers, sub.ID)
		sub.close(nil)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// LastSeq returns the seq of the newest dispatched event.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Mode says how a subscription was primed.
type Mode string

const (
	ModeReplay   Mode = "replay"
	ModeSnapshot Mode = "snapshot"
)

// Subscription is one consumer's ordered view of a session stream.
type Subscription struct {
	ID        string
	SessionID string
	Mode      Mode
	FromSeq   int64

	backlog []*domain.Event
	live    chan *domain.Event
	stream  *Stream

	closeOnce sync.Once
	err       error
}

func (sub *Subscription) close(err error) {
	sub.closeOnce.Do(func() {
		sub.err = err
		close(sub.live)
	})
}

// Next returns the next event in seq order. It returns ErrSlowConsumer when
// the subscriber was dropped and ErrStreamClosed when the session ended or
// the subscription was closed.
func (sub *Subscription) Next(ctx context.Context) (*domain.Event, error) {
	if len(sub.backlog) > 0 {
		ev := sub.backlog[0]
		sub.backlog = sub.backlog[1:]
		return ev, nil
	}
	select {
	case ev, ok := <-sub.live:
		if !ok {
			if sub.err != nil {
				return nil, sub.err
			}
			return nil, ErrStreamClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the subscription from its stream.
func (sub *Subscription) Close() {
	sub.stream.Unsubscribe(sub)
}

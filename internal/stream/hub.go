package stream

import (
	"log"
	"sync"
)

// Hub manages the streams of all live sessions.
type Hub struct {
	opts    Options
	journal Journal

	// Streams indexed by session id
	streams map[string]*Stream

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(opts Options, journal Journal) *Hub {
	return &Hub{
		opts:    opts,
		journal: journal,
		streams: make(map[string]*Stream),
	}
}

// Open returns the session's stream, creating it on first use.
func (h *Hub) Open(sessionID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[sessionID]; ok {
		return s
	}
	s := NewStream(sessionID, h.opts, h.journal)
	h.streams[sessionID] = s
	log.Printf("Stream opened: %s", sessionID)
	return s
}

// Get returns the session's stream if it exists.
func (h *Hub) Get(sessionID string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[sessionID]
	return s, ok
}

// Subscribe attaches to a live session's stream.
func (h *Hub) Subscribe(sessionID string, lastSeen int64) (*Subscription, error) {
	s, ok := h.Get(sessionID)
	if !ok {
		return nil, ErrStreamClosed
	}
	return s.Subscribe(lastSeen)
}

// Remove forgets a session's stream and closes it. Queued events are still
// delivered to attached subscribers.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.mu.Unlock()

	if ok {
		s.Close()
		log.Printf("Stream closed: %s", sessionID)
	}
}

// GetConnectionCount returns the number of attached subscribers.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, s := range h.streams {
		total += s.SubscriberCount()
	}
	return total
}

// GetSessionCount returns the number of open streams.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// HasActiveConnections checks if a session has any attached subscribers.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	s, ok := h.Get(sessionID)
	return ok && s.SubscriberCount() > 0
}

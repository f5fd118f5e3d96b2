package service

import (
	"context"
	"log"
	"time"
)

// RunIdleSessionMonitor ends sessions that have no active run, no
// subscribers and no activity for the configured idle timeout.
func (s *Service) RunIdleSessionMonitor(ctx context.Context) {
	interval := s.config.SessionIdleTimeout / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleSessions(ctx, time.Now())
		}
	}
}

func (s *Service) sweepIdleSessions(ctx context.Context, now time.Time) int {
	if s.config.SessionIdleTimeout <= 0 {
		return 0
	}
	s.mu.RLock()
	var idle []*session
	for _, sess := range s.sessions {
		if sess.info().Status.Active() || s.hub.HasActiveConnections(sess.id) {
			continue
		}
		if now.Sub(sess.idleSince()) >= s.config.SessionIdleTimeout {
			idle = append(idle, sess)
		}
	}
	s.mu.RUnlock()

	reaped := 0
	for _, sess := range idle {
		endCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.EndSession(endCtx, sess.id)
		cancel()
		if err != nil {
			log.Printf("WARN: failed to end idle session %s: %v", sess.id, err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.Printf("Idle session sweep ended %d sessions", reaped)
	}
	return reaped
}

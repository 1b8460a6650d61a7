package scheduler

import (
	"time"

	"microclaw/internal/storage"
	logx "microclaw/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueSkip logs a task the queue refused. A task that is still queued
// or running from an earlier poll is routine; a refusal during shutdown is
// warned about at most once per throttle window.
func (s *Service) reportEnqueueSkip(t storage.ScheduledTask) {
	if !s.queue.Closed() {
		s.log.Debug("scheduler.task_in_flight", logx.Task(t.ID), logx.Chat(t.ChatID))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	if !s.lastEnqWarn.IsZero() && now.Sub(s.lastEnqWarn) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn = now
	s.enqMu.Unlock()

	s.log.Warn("scheduler.enqueue_refused", logx.Task(t.ID), logx.String("reason", "queue closed"))
}

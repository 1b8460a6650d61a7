package groupqueue

import (
	"time"

	logx "microclaw/pkg/logx"
)

// retryDelay returns base * 2^(attempt-1) for attempt >= 1.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return base << uint(shift)
}

// scheduleRetryLocked records a message-lane failure and arms the next attempt,
// or gives up once MaxRetries consecutive retries have failed.
func (q *Queue) scheduleRetryLocked(g *groupState, cause error) {
	q.cancelRetryTimerLocked(g)
	g.msg.retryAttempt++
	attempt := g.msg.retryAttempt
	if attempt > q.cfg.MaxRetries {
		g.msg.retryAttempt = 0
		q.log.Warn("queue.retry_exhausted", logx.Group(g.key), logx.Int("retries", q.cfg.MaxRetries), logx.Err(cause))
		q.publish(EventRetryExhausted, EventData{Group: g.key, Lane: LaneMessage, Attempt: attempt - 1, Err: cause})
		return
	}
	if q.closing {
		return
	}
	delay := retryDelay(q.cfg.BaseRetry, attempt)
	g.msg.retryGen = q.nextGen()
	gen, key := g.msg.retryGen, g.key
	g.msg.retryTimer = q.clock.AfterFunc(delay, func() { q.onRetry(key, gen) })
	q.log.Warn("queue.retry_scheduled",
		logx.Group(key),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	q.publish(EventRetryScheduled, EventData{Group: key, Lane: LaneMessage, Attempt: attempt, Delay: delay, Err: cause})
}

func (q *Queue) clearRetryLocked(g *groupState) {
	q.cancelRetryTimerLocked(g)
	g.msg.retryAttempt = 0
}

// cancelRetryTimerLocked disarms a pending retry but keeps the attempt count.
func (q *Queue) cancelRetryTimerLocked(g *groupState) {
	if g.msg.retryTimer != nil {
		g.msg.retryTimer.Stop()
		g.msg.retryTimer = nil
	}
	g.msg.retryGen = q.nextGen()
}

func (q *Queue) onRetry(key string, gen uint64) {
	q.lock()
	defer q.unlock()
	g := q.groups[key]
	if g == nil || g.msg.retryGen != gen || g.msg.retryTimer == nil {
		return
	}
	g.msg.retryTimer = nil
	if q.closing {
		q.gcLocked(g)
		return
	}
	g.msg.pending = true
	q.admitLocked(g, LaneMessage)
}

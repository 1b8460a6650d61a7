package groupqueue

import (
	"context"

	logx "microclaw/pkg/logx"
)

// Shutdown stops admitting work and waits until every running unit has settled
// or ctx is done. Idle workers are soft-stopped so their units can end; active
// workers finish on their own. Pending work that never started is dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.lock()
	if !q.closing {
		q.closing = true
		dropped := 0
		for _, w := range q.waiting {
			if g := q.groups[w.group]; g != nil {
				g.setWaiting(w.lane, false)
			}
			dropped++
		}
		q.waiting = nil
		for _, g := range q.groups {
			if g.msg.retryTimer != nil {
				g.msg.retryTimer.Stop()
				g.msg.retryTimer = nil
			}
			q.stopIdleWorkersLocked(g, StopShutdown)
		}
		q.log.Info("queue.shutdown", logx.Int("running", q.running), logx.Int("dropped_waiting", dropped))
		q.noteSettledLocked()
	}
	running := q.running
	done := q.drained
	q.unlock()

	if running == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
		q.log.Info("queue.drained")
		return nil
	case <-ctx.Done():
		q.lock()
		left := q.running
		q.unlock()
		q.log.Warn("queue.shutdown_timeout", logx.Int("running", left), logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Closed reports whether Shutdown has been called.
func (q *Queue) Closed() bool {
	q.lock()
	defer q.unlock()
	return q.closing
}

package groupqueue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	logx "microclaw/pkg/logx"
)

// worker is the lifecycle record of one live worker. A group holds at most
// one per lane.
type worker struct {
	handle    WorkerHandle
	state     WorkerState
	idleSince time.Time

	graceTimer clockwork.Timer
	evictTimer clockwork.Timer
	// gen invalidates timer callbacks that fire after a transition.
	gen uint64
}

func (w *worker) stopTimers() {
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	if w.evictTimer != nil {
		w.evictTimer.Stop()
		w.evictTimer = nil
	}
}

// RegisterProcess associates a started worker with the group in state ACTIVE.
// A previous registration on the same lane is replaced; the other lane's
// worker is left alone.
func (q *Queue) RegisterProcess(group string, h WorkerHandle) {
	group = strings.TrimSpace(group)
	if group == "" || (h.Lane != LaneMessage && h.Lane != LaneTask) {
		return
	}
	q.lock()
	defer q.unlock()
	g := q.groupLocked(group)
	if old := g.worker(h.Lane); old != nil {
		old.stopTimers()
		q.log.Debug("worker.replaced", logx.Group(group), logx.Lane(h.Lane), logx.String("old", old.handle.Name), logx.String("new", h.Name))
	}
	g.workers[h.Lane] = &worker{handle: h, state: WorkerActive, gen: q.nextGen()}
	q.log.Debug("worker.registered", logx.Group(group), logx.String("name", h.Name), logx.Lane(h.Lane))
}

// UnregisterProcess drops a worker record once its process has exited.
// An empty name matches every registration of the group; otherwise only the
// named worker is removed.
func (q *Queue) UnregisterProcess(group, name string) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return
	}
	for l, w := range g.workers {
		if w == nil || (name != "" && w.handle.Name != name) {
			continue
		}
		w.stopTimers()
		g.workers[l] = nil
		q.log.Debug("worker.unregistered", logx.Group(group), logx.String("name", w.handle.Name), logx.Lane(Lane(l)))
	}
	q.gcLocked(g)
}

// NotifyIdle reports that the group's message worker finished its turn and is
// waiting for input. With a task pending the worker is stopped at once;
// otherwise the idle grace window starts.
func (q *Queue) NotifyIdle(group string) { q.NotifyLaneIdle(group, LaneMessage) }

// NotifyActive reports new input or output for the group's message worker.
// An IDLE or EVICTABLE worker returns to ACTIVE and its timers are cancelled.
func (q *Queue) NotifyActive(group string) { q.NotifyLaneActive(group, LaneMessage) }

// NotifyLaneIdle is NotifyIdle for the worker registered on lane l.
func (q *Queue) NotifyLaneIdle(group string, l Lane) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return
	}
	if w := g.worker(l); w != nil && w.state == WorkerActive {
		q.idleLocked(g, w)
	}
}

// NotifyLaneActive is NotifyActive for the worker registered on lane l.
func (q *Queue) NotifyLaneActive(group string, l Lane) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return
	}
	if w := g.worker(l); w != nil {
		q.activateLocked(g, w)
	}
}

// SendMessage pipes text into the group's live message worker. It returns false
// when there is no such worker or it cannot accept input; callers then enqueue.
// Task workers never receive piped input.
func (q *Queue) SendMessage(group, text string) bool {
	q.lock()
	if q.closing {
		q.unlock()
		return false
	}
	g := q.groups[group]
	if g == nil {
		q.unlock()
		return false
	}
	w := g.worker(LaneMessage)
	if w == nil || w.state == WorkerStopping || w.handle.Process == nil {
		q.unlock()
		return false
	}
	q.activateLocked(g, w)
	proc := w.handle.Process
	name := w.handle.Name
	q.unlock()

	if err := proc.SendInput(text); err != nil {
		q.log.Debug("worker.send_failed", logx.Group(group), logx.String("name", name), logx.Err(err))
		return false
	}
	return true
}

// SoftStop asks every live worker of the group to exit on its own. It reports
// whether any worker was signalled.
func (q *Queue) SoftStop(group string) bool {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return false
	}
	stopped := false
	for _, w := range g.workers {
		if w == nil || w.state == WorkerStopping {
			continue
		}
		q.stopWorkerLocked(g, w, StopRequested)
		stopped = true
	}
	return stopped
}

// HardStop forcefully terminates the group's workers and drops their records.
// Workers whose process cannot be killed are kept; ErrNotKillable is returned
// when none could be.
func (q *Queue) HardStop(ctx context.Context, group string) error {
	q.lock()
	g := q.groups[group]
	if g == nil || (g.workers[LaneMessage] == nil && g.workers[LaneTask] == nil) {
		q.unlock()
		return ErrNoWorker
	}
	type victim struct {
		name string
		k    Killer
	}
	var victims []victim
	for l, w := range g.workers {
		if w == nil {
			continue
		}
		k, ok := w.handle.Process.(Killer)
		if !ok {
			continue
		}
		victims = append(victims, victim{name: w.handle.Name, k: k})
		w.stopTimers()
		g.workers[l] = nil
	}
	q.gcLocked(g)
	q.unlock()

	if len(victims) == 0 {
		return ErrNotKillable
	}
	var errs []error
	for _, v := range victims {
		q.log.Warn("worker.hard_stop", logx.Group(group), logx.String("name", v.name))
		if err := v.k.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WorkerState reports the lifecycle state of the group's message worker, or of
// its task worker when no message worker is registered.
func (q *Queue) WorkerState(group string) (WorkerState, bool) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return 0, false
	}
	for _, w := range g.workers {
		if w != nil {
			return w.state, true
		}
	}
	return 0, false
}

// LaneWorkerState reports the lifecycle state of the worker registered on lane l.
func (q *Queue) LaneWorkerState(group string, l Lane) (WorkerState, bool) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil {
		return 0, false
	}
	w := g.worker(l)
	if w == nil {
		return 0, false
	}
	return w.state, true
}

// settleWorkerLocked moves a still-active worker owned by lane toward idle
// once the lane's unit has finished.
func (q *Queue) settleWorkerLocked(g *groupState, l Lane) {
	if w := g.worker(l); w != nil && w.state == WorkerActive {
		q.idleLocked(g, w)
	}
}

func (q *Queue) idleLocked(g *groupState, w *worker) {
	if q.closing {
		q.stopWorkerLocked(g, w, StopShutdown)
		return
	}
	if g.hasPending(LaneTask) {
		q.stopWorkerLocked(g, w, StopPreempted)
		return
	}
	w.stopTimers()
	w.state = WorkerIdle
	w.idleSince = q.clock.Now()
	w.gen = q.nextGen()
	gen, key, lane := w.gen, g.key, w.handle.Lane
	w.graceTimer = q.clock.AfterFunc(q.cfg.IdleBeforeEvict, func() { q.onGraceElapsed(key, lane, gen) })
	q.log.Debug("worker.idle", logx.Group(key), logx.String("name", w.handle.Name), logx.Duration("grace", q.cfg.IdleBeforeEvict))
	q.publish(EventWorkerIdle, EventData{Group: key, Lane: lane})
}

func (q *Queue) activateLocked(g *groupState, w *worker) {
	if w.state != WorkerIdle && w.state != WorkerEvictable {
		return
	}
	w.stopTimers()
	w.state = WorkerActive
	w.idleSince = time.Time{}
	w.gen = q.nextGen()
	q.log.Debug("worker.active", logx.Group(g.key), logx.String("name", w.handle.Name))
	q.publish(EventWorkerActive, EventData{Group: g.key, Lane: w.handle.Lane})
}

// timerWorkerLocked resolves a timer callback to its worker, or nil when the
// worker changed state since the timer was armed.
func (q *Queue) timerWorkerLocked(key string, l Lane, gen uint64, want WorkerState) (*groupState, *worker) {
	g := q.groups[key]
	if g == nil {
		return nil, nil
	}
	w := g.worker(l)
	if w == nil || w.gen != gen || w.state != want {
		return nil, nil
	}
	return g, w
}

func (q *Queue) onGraceElapsed(key string, l Lane, gen uint64) {
	q.lock()
	defer q.unlock()
	_, w := q.timerWorkerLocked(key, l, gen, WorkerIdle)
	if w == nil {
		return
	}
	w.graceTimer = nil
	w.state = WorkerEvictable
	w.gen = q.nextGen()
	egen := w.gen
	w.evictTimer = q.clock.AfterFunc(q.cfg.EvictionTimeout, func() { q.onEvictionElapsed(key, l, egen) })
	q.log.Debug("worker.evictable", logx.Group(key), logx.String("name", w.handle.Name), logx.Duration("timeout", q.cfg.EvictionTimeout))
	q.publish(EventWorkerEvictable, EventData{Group: key, Lane: l})

	q.evictForPressureLocked()
}

func (q *Queue) onEvictionElapsed(key string, l Lane, gen uint64) {
	q.lock()
	defer q.unlock()
	g, w := q.timerWorkerLocked(key, l, gen, WorkerEvictable)
	if w == nil {
		return
	}
	w.evictTimer = nil
	q.stopWorkerLocked(g, w, StopIdleTimeout)
}

// stopWorkerLocked moves w to STOPPING and sends the soft-stop signal once mu
// is released.
func (q *Queue) stopWorkerLocked(g *groupState, w *worker, reason string) {
	if w == nil || w.state == WorkerStopping {
		return
	}
	w.stopTimers()
	w.state = WorkerStopping
	w.gen = q.nextGen()
	q.log.Info("worker.stopping", logx.Group(g.key), logx.String("name", w.handle.Name), logx.String("reason", reason))
	q.publish(EventWorkerStopping, EventData{Group: g.key, Lane: w.handle.Lane, Reason: reason})

	proc, name, key := w.handle.Process, w.handle.Name, g.key
	if proc == nil {
		return
	}
	q.afterUnlock(func() {
		if err := proc.CloseInput(); err != nil {
			q.log.Warn("worker.soft_stop_failed", logx.Group(key), logx.String("name", name), logx.Err(err))
		}
	})
}

// stopIdleWorkersLocked soft-stops every IDLE or EVICTABLE worker of g.
func (q *Queue) stopIdleWorkersLocked(g *groupState, reason string) {
	for _, w := range g.workers {
		if w != nil && (w.state == WorkerIdle || w.state == WorkerEvictable) {
			q.stopWorkerLocked(g, w, reason)
		}
	}
}

// evictForPressureLocked soft-stops EVICTABLE workers, longest idle first, while
// the pool is saturated and fewer workers are stopping than groups are waiting.
func (q *Queue) evictForPressureLocked() {
	if q.closing || len(q.waiting) == 0 || !q.slots.saturated() {
		return
	}
	waitingGroups := make(map[string]struct{}, len(q.waiting))
	for _, w := range q.waiting {
		waitingGroups[w.group] = struct{}{}
	}
	type candidate struct {
		g *groupState
		w *worker
	}
	stopping := 0
	var candidates []candidate
	for _, g := range q.groups {
		for _, w := range g.workers {
			if w == nil {
				continue
			}
			switch w.state {
			case WorkerStopping:
				stopping++
			case WorkerEvictable:
				candidates = append(candidates, candidate{g: g, w: w})
			}
		}
	}
	if stopping >= len(waitingGroups) || len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.w.idleSince.Equal(b.w.idleSince) {
			return a.w.idleSince.Before(b.w.idleSince)
		}
		if a.g.key != b.g.key {
			return a.g.key < b.g.key
		}
		return a.w.handle.Lane < b.w.handle.Lane
	})
	for _, c := range candidates {
		if stopping >= len(waitingGroups) {
			return
		}
		q.stopWorkerLocked(c.g, c.w, StopPressure)
		stopping++
	}
}

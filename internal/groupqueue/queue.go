package groupqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"microclaw/internal/eventbus"
	logx "microclaw/pkg/logx"
)

// Queue is the per-conversation scheduler.
type Queue struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
	ctx   context.Context

	processMessages MessageFunc
	spawner         Spawner

	slots   slotPool
	groups  map[string]*groupState
	waiting []waitKey
	gen     uint64

	// in-flight units
	running int

	closing     bool
	drained     chan struct{}
	drainedOnce sync.Once

	// effects run after mu is released (worker signals, unit goroutines).
	effects []func()
}

type Option func(*Queue)

// Spawner runs named goroutines; the runtime supervisor implements it.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

// WithSpawner runs units through s instead of bare goroutines.
func WithSpawner(s Spawner) Option {
	return func(q *Queue) { q.spawner = s }
}

// WithClock replaces the wall clock used for timers.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithContext sets the context handed to work callbacks.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		if ctx != nil {
			q.ctx = ctx
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		clock:   clockwork.NewRealClock(),
		ctx:     context.Background(),
		groups:  make(map[string]*groupState),
		drained: make(chan struct{}),
	}
	q.slots.resize(cfg.MaxConcurrentSlots, cfg.MaxTaskSlots)
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) lock() { q.mu.Lock() }

// unlock releases mu and then runs queued effects in order.
func (q *Queue) unlock() {
	fx := q.effects
	q.effects = nil
	q.mu.Unlock()
	for _, f := range fx {
		f()
	}
}

func (q *Queue) afterUnlock(f func()) { q.effects = append(q.effects, f) }

func (q *Queue) spawn(name string, f func()) {
	if q.spawner == nil {
		go f()
		return
	}
	q.spawner.Go0(name, func(context.Context) { f() })
}

func (q *Queue) publish(typ string, d EventData) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.clock.Now(), Data: d})
}

func (q *Queue) nextGen() uint64 {
	q.gen++
	return q.gen
}

func (q *Queue) groupLocked(key string) *groupState {
	g := q.groups[key]
	if g == nil {
		g = newGroupState(key)
		q.groups[key] = g
	}
	return g
}

func (q *Queue) gcLocked(g *groupState) {
	if g != nil && g.collectable() {
		delete(q.groups, g.key)
	}
}

// SetProcessMessagesFn installs the message-lane callback.
func (q *Queue) SetProcessMessagesFn(fn MessageFunc) {
	q.lock()
	q.processMessages = fn
	q.unlock()
}

// SetRunner installs r as the message-lane callback.
func (q *Queue) SetRunner(r WorkRunner) {
	if r == nil {
		q.SetProcessMessagesFn(nil)
		return
	}
	q.SetProcessMessagesFn(r.RunMessages)
}

// Apply swaps limits and timer durations. Running timers keep their old durations.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.lock()
	defer q.unlock()
	prev := q.cfg
	q.cfg = cfg
	q.slots.resize(cfg.MaxConcurrentSlots, cfg.MaxTaskSlots)
	if prev.MaxConcurrentSlots != cfg.MaxConcurrentSlots || prev.MaxTaskSlots != cfg.MaxTaskSlots {
		q.log.Info("queue.limits_changed",
			logx.Int("max_slots", cfg.MaxConcurrentSlots),
			logx.Int("max_task_slots", cfg.MaxTaskSlots),
		)
	}
	q.drainLocked()
}

// EnqueueMessageCheck marks the group's message lane for a recheck and admits it
// when possible. Rapid calls before the run starts collapse into one run.
func (q *Queue) EnqueueMessageCheck(group string) bool {
	group = strings.TrimSpace(group)
	if group == "" {
		return false
	}
	q.lock()
	defer q.unlock()
	if q.closing {
		q.rejectLocked(group, LaneMessage, "")
		return false
	}
	g := q.groupLocked(group)
	g.msg.pending = true
	q.admitLocked(g, LaneMessage)
	return true
}

// EnqueueTask appends a task unit for the group. A task id that is already
// pending or running for the group is dropped and false is returned.
func (q *Queue) EnqueueTask(group, taskID, label string, fn TaskFunc) bool {
	group = strings.TrimSpace(group)
	taskID = strings.TrimSpace(taskID)
	if group == "" || taskID == "" || fn == nil {
		return false
	}
	q.lock()
	defer q.unlock()
	if q.closing {
		q.rejectLocked(group, LaneTask, taskID)
		return false
	}
	g := q.groupLocked(group)
	if g.hasTask(taskID) {
		q.log.Debug("queue.task_duplicate", logx.Group(group), logx.Task(taskID))
		q.publish(EventTaskDuplicate, EventData{Group: group, Lane: LaneTask, TaskID: taskID})
		return false
	}
	g.task.ids[taskID] = struct{}{}
	g.task.queue = append(g.task.queue, &taskItem{
		id:         taskID,
		label:      label,
		fn:         fn,
		enqueuedAt: q.clock.Now(),
	})

	q.stopIdleWorkersLocked(g, StopPreempted)
	q.admitLocked(g, LaneTask)
	return true
}

func (q *Queue) rejectLocked(group string, l Lane, taskID string) {
	q.log.Debug("queue.rejected", logx.Group(group), logx.Lane(l), logx.String("reason", "shutdown"))
	q.publish(EventRejected, EventData{Group: group, Lane: l, TaskID: taskID, Reason: StopShutdown})
}

// IsActive reports whether either lane of the group is running a unit.
func (q *Queue) IsActive(group string) bool {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	return g != nil && (g.msg.running || g.task.running != nil)
}

// IsLaneActive reports whether the given lane of the group is running a unit.
func (q *Queue) IsLaneActive(group string, l Lane) bool {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	return g != nil && g.running(l)
}

// ActiveTaskInfo returns the task currently running for the group.
func (q *Queue) ActiveTaskInfo(group string) (TaskInfo, bool) {
	q.lock()
	defer q.unlock()
	g := q.groups[group]
	if g == nil || g.task.running == nil {
		return TaskInfo{}, false
	}
	it := g.task.running
	return TaskInfo{TaskID: it.id, Label: it.label, StartedAt: it.startedAt}, true
}

// ClaimSlot takes a global slot outside of the lane machinery.
func (q *Queue) ClaimSlot() bool {
	q.lock()
	defer q.unlock()
	if q.closing {
		return false
	}
	return q.slots.claim()
}

// ReleaseSlot returns a slot taken with ClaimSlot and admits waiting lanes.
func (q *Queue) ReleaseSlot() {
	q.lock()
	defer q.unlock()
	q.slots.release()
	q.drainLocked()
}

// admitLocked starts the lane's next unit when it has work, is not running,
// and a slot can be claimed. Otherwise the lane waits for a release.
func (q *Queue) admitLocked(g *groupState, l Lane) bool {
	if q.closing || g.running(l) || !g.hasPending(l) {
		return false
	}
	if !q.slots.claimFor(l) {
		q.deferLocked(g, l)
		return false
	}
	if g.isWaiting(l) {
		q.removeWaitingLocked(g, l)
	}
	q.startLocked(g, l)
	return true
}

func (q *Queue) deferLocked(g *groupState, l Lane) {
	if !g.isWaiting(l) {
		g.setWaiting(l, true)
		q.waiting = append(q.waiting, waitKey{group: g.key, lane: l})
		q.log.Debug("queue.deferred",
			logx.Group(g.key),
			logx.Lane(l),
			logx.Int("slots_held", q.slots.held),
			logx.Int("waiting", len(q.waiting)),
		)
		q.publish(EventDeferred, EventData{Group: g.key, Lane: l})
	}
	q.evictForPressureLocked()
}

func (q *Queue) removeWaitingLocked(g *groupState, l Lane) {
	g.setWaiting(l, false)
	for i, w := range q.waiting {
		if w.group == g.key && w.lane == l {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// drainLocked admits waiting lanes in arrival order until no slot is left.
func (q *Queue) drainLocked() {
	if q.closing || len(q.waiting) == 0 {
		return
	}
	list := q.waiting
	q.waiting = nil
	for _, w := range list {
		g := q.groups[w.group]
		if g == nil {
			continue
		}
		if g.running(w.lane) || !g.hasPending(w.lane) {
			// Re-checked when the running unit settles.
			g.setWaiting(w.lane, false)
			q.gcLocked(g)
			continue
		}
		if !q.slots.claimFor(w.lane) {
			q.waiting = append(q.waiting, w)
			continue
		}
		g.setWaiting(w.lane, false)
		q.startLocked(g, w.lane)
	}
	q.evictForPressureLocked()
}

func (q *Queue) startLocked(g *groupState, l Lane) {
	now := q.clock.Now()
	q.running++
	key := g.key
	switch l {
	case LaneMessage:
		// This run covers whatever a pending retry would have checked.
		q.cancelRetryTimerLocked(g)
		g.msg.running = true
		g.msg.pending = false
		g.msg.startedAt = now
		fn := q.processMessages
		q.log.Debug("queue.admitted", logx.Group(key), logx.Lane(l), logx.Int("slots_held", q.slots.held))
		q.publish(EventAdmitted, EventData{Group: key, Lane: l, Attempt: g.msg.retryAttempt})
		q.afterUnlock(func() { q.spawn("queue.message", func() { q.runMessage(key, fn) }) })
	case LaneTask:
		it := g.task.queue[0]
		g.task.queue[0] = nil
		g.task.queue = g.task.queue[1:]
		it.startedAt = now
		g.task.running = it
		q.log.Debug("queue.admitted",
			logx.Group(key),
			logx.Lane(l),
			logx.Task(it.id),
			logx.Duration("waited", now.Sub(it.enqueuedAt)),
			logx.Int("slots_held", q.slots.held),
		)
		q.publish(EventAdmitted, EventData{Group: key, Lane: l, TaskID: it.id})
		q.afterUnlock(func() { q.spawn("queue.task", func() { q.runTask(key, it) }) })
	}
}

func (q *Queue) runMessage(key string, fn MessageFunc) {
	ok, err := false, error(nil)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in message unit: %v", r)
				q.log.Error("queue.unit_panic", logx.Group(key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		if fn == nil {
			q.log.Warn("queue.no_message_fn", logx.Group(key))
			ok = true
			return
		}
		ok, err = fn(q.ctx, key)
	}()
	q.finishMessage(key, ok && err == nil, err)
}

func (q *Queue) runTask(key string, it *taskItem) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in task unit: %v", r)
				q.log.Error("queue.unit_panic", logx.Group(key), logx.Task(it.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = it.fn(q.ctx)
	}()
	q.finishTask(key, it, err)
}

func (q *Queue) finishMessage(key string, ok bool, err error) {
	q.lock()
	defer q.unlock()

	q.slots.releaseFor(LaneMessage)
	q.running--
	g := q.groups[key]
	if g == nil {
		q.noteSettledLocked()
		q.drainLocked()
		return
	}
	g.msg.running = false
	dur := q.clock.Since(g.msg.startedAt)

	if ok {
		q.clearRetryLocked(g)
		q.log.Debug("queue.completed", logx.Group(key), logx.Lane(LaneMessage), logx.Duration("dur", dur))
	} else {
		q.scheduleRetryLocked(g, err)
	}
	q.publish(EventCompleted, EventData{Group: key, Lane: LaneMessage, Success: ok, Err: err})

	q.settleWorkerLocked(g, LaneMessage)
	q.afterReleaseLocked(g, LaneMessage)
}

func (q *Queue) finishTask(key string, it *taskItem, err error) {
	q.lock()
	defer q.unlock()

	q.slots.releaseFor(LaneTask)
	q.running--
	g := q.groups[key]
	if g == nil {
		q.noteSettledLocked()
		q.drainLocked()
		return
	}
	g.task.running = nil
	delete(g.task.ids, it.id)
	dur := q.clock.Since(it.startedAt)

	if err != nil {
		q.log.Warn("queue.task_failed", logx.Group(key), logx.Task(it.id), logx.String("label", it.label), logx.Duration("dur", dur), logx.Err(err))
		q.publish(EventTaskFailed, EventData{Group: key, Lane: LaneTask, TaskID: it.id, Err: err})
	} else {
		q.log.Debug("queue.completed", logx.Group(key), logx.Lane(LaneTask), logx.Task(it.id), logx.Duration("dur", dur))
	}
	q.publish(EventCompleted, EventData{Group: key, Lane: LaneTask, TaskID: it.id, Success: err == nil, Err: err})

	q.settleWorkerLocked(g, LaneTask)
	q.afterReleaseLocked(g, LaneTask)
}

// afterReleaseLocked queues the lane's follow-up work behind lanes that were
// already waiting, then runs a drain pass.
func (q *Queue) afterReleaseLocked(g *groupState, l Lane) {
	if g.hasPending(l) && !q.closing {
		if !g.isWaiting(l) {
			g.setWaiting(l, true)
			q.waiting = append(q.waiting, waitKey{group: g.key, lane: l})
		}
	}
	q.drainLocked()
	q.gcLocked(g)
	q.noteSettledLocked()
}

func (q *Queue) noteSettledLocked() {
	if q.closing && q.running == 0 {
		q.drainedOnce.Do(func() { close(q.drained) })
	}
}

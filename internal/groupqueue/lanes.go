package groupqueue

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// groupState is the per-conversation record. It exists only while the group has
// running or pending work, a registered worker, or a pending retry.
type groupState struct {
	key string

	msg  messageLane
	task taskLane

	// workers is indexed by Lane.
	workers [2]*worker
}

type messageLane struct {
	running   bool
	pending   bool // recheck requested
	waiting   bool // present in Queue.waiting
	startedAt time.Time

	retryAttempt int
	retryTimer   clockwork.Timer
	retryGen     uint64
}

type taskLane struct {
	running *taskItem
	queue   []*taskItem
	ids     map[string]struct{} // pending or running
	waiting bool
}

type taskItem struct {
	id         string
	label      string
	fn         TaskFunc
	enqueuedAt time.Time
	startedAt  time.Time
}

func newGroupState(key string) *groupState {
	return &groupState{
		key:  key,
		task: taskLane{ids: make(map[string]struct{})},
	}
}

func (g *groupState) running(l Lane) bool {
	if l == LaneTask {
		return g.task.running != nil
	}
	return g.msg.running
}

func (g *groupState) hasPending(l Lane) bool {
	if l == LaneTask {
		return len(g.task.queue) > 0
	}
	return g.msg.pending
}

func (g *groupState) isWaiting(l Lane) bool {
	if l == LaneTask {
		return g.task.waiting
	}
	return g.msg.waiting
}

func (g *groupState) setWaiting(l Lane, v bool) {
	if l == LaneTask {
		g.task.waiting = v
		return
	}
	g.msg.waiting = v
}

// hasTask reports whether id is pending or running.
func (g *groupState) hasTask(id string) bool {
	_, ok := g.task.ids[id]
	return ok
}

// collectable reports whether nothing references the group any more.
func (g *groupState) collectable() bool {
	return !g.msg.running && !g.msg.pending && !g.msg.waiting && g.msg.retryTimer == nil &&
		g.task.running == nil && len(g.task.queue) == 0 && !g.task.waiting &&
		g.workers[LaneMessage] == nil && g.workers[LaneTask] == nil
}

func (g *groupState) worker(l Lane) *worker {
	if l != LaneMessage && l != LaneTask {
		return nil
	}
	return g.workers[l]
}

// waitKey is one entry of the global FIFO of lanes waiting for a slot.
type waitKey struct {
	group string
	lane  Lane
}

package groupqueue

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time view of the queue for diagnostics and metrics.
type Snapshot struct {
	SlotsHeld     int  `json:"slots_held"`
	MaxSlots      int  `json:"max_slots"`
	TaskSlotsHeld int  `json:"task_slots_held"`
	MaxTaskSlots  int  `json:"max_task_slots"`
	Running       int  `json:"running"`
	ShuttingDown  bool `json:"shutting_down"`

	Waiting []WaitingLane   `json:"waiting"`
	Groups  []GroupSnapshot `json:"groups"`
}

type WaitingLane struct {
	Group string `json:"group"`
	Lane  string `json:"lane"`
}

type GroupSnapshot struct {
	Group          string           `json:"group"`
	MessageRunning bool             `json:"message_running"`
	MessagePending bool             `json:"message_pending"`
	RetryAttempt   int              `json:"retry_attempt"`
	RetryPending   bool             `json:"retry_pending"`
	Task           *TaskInfo        `json:"task,omitempty"`
	TasksQueued    int              `json:"tasks_queued"`
	Workers        []WorkerSnapshot `json:"workers,omitempty"`
}

type WorkerSnapshot struct {
	Name      string    `json:"name"`
	Lane      string    `json:"lane"`
	State     string    `json:"state"`
	IdleSince time.Time `json:"idle_since,omitempty"`
}

func (q *Queue) Snapshot() Snapshot {
	q.lock()
	defer q.unlock()

	s := Snapshot{
		SlotsHeld:     q.slots.held,
		MaxSlots:      q.slots.max,
		TaskSlotsHeld: q.slots.taskHeld,
		MaxTaskSlots:  q.slots.taskMax,
		Running:       q.running,
		ShuttingDown:  q.closing,
		Waiting:       make([]WaitingLane, 0, len(q.waiting)),
		Groups:        make([]GroupSnapshot, 0, len(q.groups)),
	}
	for _, w := range q.waiting {
		s.Waiting = append(s.Waiting, WaitingLane{Group: w.group, Lane: w.lane.String()})
	}
	for _, g := range q.groups {
		gs := GroupSnapshot{
			Group:          g.key,
			MessageRunning: g.msg.running,
			MessagePending: g.msg.pending,
			RetryAttempt:   g.msg.retryAttempt,
			RetryPending:   g.msg.retryTimer != nil,
			TasksQueued:    len(g.task.queue),
		}
		if it := g.task.running; it != nil {
			gs.Task = &TaskInfo{TaskID: it.id, Label: it.label, StartedAt: it.startedAt}
		}
		for _, w := range g.workers {
			if w == nil {
				continue
			}
			gs.Workers = append(gs.Workers, WorkerSnapshot{
				Name:      w.handle.Name,
				Lane:      w.handle.Lane.String(),
				State:     w.state.String(),
				IdleSince: w.idleSince,
			})
		}
		s.Groups = append(s.Groups, gs)
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].Group < s.Groups[j].Group })
	return s
}

package groupqueue

import (
	"context"
	"time"
)

// Lane identifies one of the two execution tracks of a conversation.
type Lane int

const (
	LaneMessage Lane = iota
	LaneTask
)

func (l Lane) String() string {
	switch l {
	case LaneMessage:
		return "message"
	case LaneTask:
		return "task"
	default:
		return "unknown"
	}
}

// WorkerState is the lifecycle state of a registered worker.
type WorkerState int

const (
	WorkerActive WorkerState = iota
	WorkerIdle
	WorkerEvictable
	WorkerStopping
)

func (s WorkerState) String() string {
	switch s {
	case WorkerActive:
		return "active"
	case WorkerIdle:
		return "idle"
	case WorkerEvictable:
		return "evictable"
	case WorkerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config controls admission and worker reclamation.
//
// Zero values are replaced with defaults by New and Apply.
type Config struct {
	// MaxConcurrentSlots bounds running units across all groups and lanes.
	MaxConcurrentSlots int
	// MaxTaskSlots bounds how many of those slots task units may hold at once.
	// 0 means tasks may use the whole pool.
	MaxTaskSlots int

	IdleBeforeEvict time.Duration
	EvictionTimeout time.Duration

	// BaseRetry doubles per consecutive message failure.
	BaseRetry time.Duration
	// MaxRetries < 0 disables message retries.
	MaxRetries int
}

const (
	defaultMaxSlots        = 5
	defaultIdleBeforeEvict = 30 * time.Second
	defaultEvictionTimeout = 30 * time.Minute
	defaultBaseRetry       = 5 * time.Second
	defaultMaxRetries      = 5
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSlots <= 0 {
		c.MaxConcurrentSlots = defaultMaxSlots
	}
	if c.MaxTaskSlots < 0 || c.MaxTaskSlots > c.MaxConcurrentSlots {
		c.MaxTaskSlots = 0
	}
	if c.IdleBeforeEvict <= 0 {
		c.IdleBeforeEvict = defaultIdleBeforeEvict
	}
	if c.EvictionTimeout <= 0 {
		c.EvictionTimeout = defaultEvictionTimeout
	}
	if c.BaseRetry <= 0 {
		c.BaseRetry = defaultBaseRetry
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// MessageFunc processes pending messages for a group.
// Returning false or a non-nil error schedules a retry.
type MessageFunc func(ctx context.Context, group string) (bool, error)

// TaskFunc is one unit of task work. Task units are never retried.
type TaskFunc func(ctx context.Context) error

// WorkRunner is the capability that runs message units.
type WorkRunner interface {
	RunMessages(ctx context.Context, group string) (bool, error)
}

// Process is the control side channel of a live worker.
type Process interface {
	// SendInput pipes a follow-up message into the worker.
	SendInput(text string) error
	// CloseInput asks the worker to finish and exit on its own.
	CloseInput() error
}

// Killer is implemented by processes that can be terminated forcefully.
type Killer interface {
	Kill(ctx context.Context) error
}

// WorkerHandle identifies a worker started by the caller for a group.
type WorkerHandle struct {
	Name    string
	Lane    Lane
	Process Process
}

// TaskInfo describes the task currently running for a group.
type TaskInfo struct {
	TaskID    string
	Label     string
	StartedAt time.Time
}

// Event types published on the bus.
const (
	EventAdmitted       = "queue.admitted"
	EventDeferred       = "queue.deferred"
	EventCompleted      = "queue.completed"
	EventRejected       = "queue.rejected"
	EventRetryScheduled = "queue.retry_scheduled"
	EventRetryExhausted = "queue.retry_exhausted"
	EventTaskDuplicate  = "queue.task_duplicate"
	EventTaskFailed     = "queue.task_failed"

	EventWorkerIdle      = "worker.idle"
	EventWorkerEvictable = "worker.evictable"
	EventWorkerStopping  = "worker.stopping"
	EventWorkerActive    = "worker.active"
)

// Stop reasons carried by EventWorkerStopping.
const (
	StopPreempted   = "preempted"
	StopIdleTimeout = "idle_timeout"
	StopPressure    = "queue_pressure"
	StopRequested   = "requested"
	StopShutdown    = "shutdown"
)

// EventData is the payload of every event published by the queue.
type EventData struct {
	Group   string
	Lane    Lane
	TaskID  string
	Reason  string
	Attempt int
	Delay   time.Duration
	Success bool
	Err     error
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"microclaw/internal/eventbus"
	"microclaw/internal/groupqueue"
	"microclaw/internal/storage"
	logx "microclaw/pkg/logx"
)

var (
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrBadStatus   = errors.New("scheduler: invalid status transition")
)

type Config struct {
	Enabled      bool
	PollInterval time.Duration
	Location     *time.Location
}

// TaskStore is the persistence the scheduler needs; *storage.Store implements it.
type TaskStore interface {
	CreateTask(ctx context.Context, t storage.ScheduledTask) error
	Task(ctx context.Context, id string) (storage.ScheduledTask, error)
	Tasks(ctx context.Context, chat string) ([]storage.ScheduledTask, error)
	DueTasks(ctx context.Context, now time.Time) ([]storage.ScheduledTask, error)
	SetTaskStatus(ctx context.Context, id string, status storage.TaskStatus, nextRun time.Time) error
	RecordTaskRun(ctx context.Context, run storage.TaskRunLog, nextRun time.Time) error
	DeleteTask(ctx context.Context, id string) error
}

// Enqueuer is the slice of the group queue used to submit task units.
type Enqueuer interface {
	EnqueueTask(group, taskID, label string, fn groupqueue.TaskFunc) bool
	Closed() bool
}

// TaskRunner executes one scheduled task and returns its result text.
type TaskRunner interface {
	RunTask(ctx context.Context, t storage.ScheduledTask) (string, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, t storage.ScheduledTask) (string, error)

func (f TaskRunnerFunc) RunTask(ctx context.Context, t storage.ScheduledTask) (string, error) {
	return f(ctx, t)
}

// Event types published on the bus.
const (
	EventTaskQueued   = "task.queued"
	EventTaskFinished = "task.finished"
)

type EventData struct {
	TaskID  string
	ChatID  string
	Success bool
	Err     error
	NextRun time.Time
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	clock clockwork.Clock

	store  TaskStore
	queue  Enqueuer
	runner TaskRunner

	spawner Spawner

	c       *cron.Cron
	entryID cron.EntryID
	pollMu  sync.Mutex

	lastPoll time.Time
	queued   uint64
	skipped  uint64
	runs     uint64
	failures uint64

	enqMu       sync.Mutex
	lastEnqWarn time.Time
}

type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Timezone     string        `json:"timezone"`
	PollInterval time.Duration `json:"poll_interval"`
	LastPoll     time.Time     `json:"last_poll"`
	NextPoll     time.Time     `json:"next_poll"`
	Queued       uint64        `json:"queued"`
	Skipped      uint64        `json:"skipped"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
}

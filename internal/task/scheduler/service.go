package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"microclaw/internal/eventbus"
	"microclaw/internal/storage"
	logx "microclaw/pkg/logx"
)

const (
	defaultPollInterval = time.Minute
	labelMax            = 60
)

type Option func(*Service)

// Spawner runs named goroutines; the runtime supervisor implements it.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

// WithSpawner runs the start-up poll through sp instead of a bare goroutine.
func WithSpawner(sp Spawner) Option {
	return func(s *Service) { s.spawner = sp }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, store TaskStore, queue Enqueuer, runner TaskRunner, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    normalize(cfg),
		log:    log,
		bus:    bus,
		clock:  clockwork.NewRealClock(),
		store:  store,
		queue:  queue,
		runner: runner,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalize(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Location
}

// Apply swaps the config. A running poller is re-registered when the interval
// or zone changes, and stopped when the scheduler is disabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (old.PollInterval != cfg.PollInterval || old.Location.String() != cfg.Location.String()):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && old.Enabled != cfg.Enabled:
		s.Start(ctx)
	}
}

// Start registers the poll entry and runs a first poll right away.
// It is a no-op when the scheduler is disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		enabled := s.cfg.Enabled
		s.mu.Unlock()
		if !enabled {
			s.log.Info("scheduler.disabled")
		}
		return
	}
	cfg := s.cfg
	c := cron.New(cron.WithLocation(cfg.Location))
	id, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.PollInterval), func() { s.Poll(ctx) })
	if err != nil {
		s.mu.Unlock()
		s.log.Error("scheduler.start_failed", logx.Err(err))
		return
	}
	s.c = c
	s.entryID = id
	c.Start()
	s.mu.Unlock()

	s.log.Info("scheduler.started",
		logx.String("tz", cfg.Location.String()),
		logx.Duration("poll_interval", cfg.PollInterval),
	)
	s.spawn(ctx, "scheduler.poll", func(ctx context.Context) { s.Poll(ctx) })
}

func (s *Service) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	if s.spawner == nil {
		go fn(ctx)
		return
	}
	s.spawner.Go0(name, func(context.Context) { fn(ctx) })
}

// Stop removes the poll entry. Queued task units are left to the queue.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler.stopped")
}

// Poll enqueues every due task and returns how many were accepted.
// Concurrent polls are serialized.
func (s *Service) Poll(ctx context.Context) int {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.clock.Now()
	due, err := s.store.DueTasks(ctx, now)
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("scheduler.poll_failed", logx.Err(err))
		return 0
	}

	accepted := 0
	for _, t := range due {
		task := t
		ok := s.queue.EnqueueTask(task.ChatID, task.ID, taskLabel(task.Prompt), func(ctx context.Context) error {
			return s.execute(ctx, task.ID)
		})
		if !ok {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			s.reportEnqueueSkip(task)
			continue
		}
		accepted++
		s.mu.Lock()
		s.queued++
		s.mu.Unlock()
		s.log.Debug("scheduler.task_queued", logx.Task(task.ID), logx.Chat(task.ChatID))
		s.publish(EventTaskQueued, EventData{TaskID: task.ID, ChatID: task.ChatID, NextRun: task.NextRun})
	}
	return accepted
}

// execute is the body of a task unit. The task is re-read so a pause or
// delete issued while it waited in the queue is honored.
func (s *Service) execute(ctx context.Context, id string) error {
	t, err := s.store.Task(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("scheduler.task_gone", logx.Task(id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if t.Status != storage.TaskActive {
		s.log.Debug("scheduler.task_skipped", logx.Task(id), logx.String("status", string(t.Status)))
		return nil
	}
	if s.runner == nil {
		return errors.New("scheduler: no task runner")
	}

	loc := s.location()
	start := s.clock.Now()
	result, runErr := s.runner.RunTask(ctx, t)
	end := s.clock.Now()

	var next time.Time
	spec, perr := ParseTyped(t.ScheduleType, t.ScheduleValue, loc)
	if perr != nil {
		s.log.Warn("scheduler.bad_schedule", logx.Task(id), logx.Err(perr))
	} else {
		next = spec.Next(end, loc)
	}

	run := storage.TaskRunLog{TaskID: id, RunAt: start, Duration: end.Sub(start), Status: "success", Result: result}
	if runErr != nil {
		run.Status = "error"
		run.Error = runErr.Error()
	}
	// The run already happened; record it even if the unit context is done.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.RecordTaskRun(rctx, run, next); err != nil {
		s.log.Error("scheduler.record_failed", logx.Task(id), logx.Err(err))
	}

	s.mu.Lock()
	s.runs++
	if runErr != nil {
		s.failures++
	}
	s.mu.Unlock()
	s.log.Info("scheduler.task_finished",
		logx.Task(id),
		logx.Chat(t.ChatID),
		logx.Duration("dur", run.Duration),
		logx.Bool("ok", runErr == nil),
		logx.Time("next_run", next),
	)
	s.publish(EventTaskFinished, EventData{TaskID: id, ChatID: t.ChatID, Success: runErr == nil, Err: runErr, NextRun: next})
	return runErr
}

func (s *Service) publish(typ string, d EventData) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: d})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:      s.cfg.Enabled,
		Running:      s.c != nil,
		Timezone:     s.cfg.Location.String(),
		PollInterval: s.cfg.PollInterval,
		LastPoll:     s.lastPoll,
		Queued:       s.queued,
		Skipped:      s.skipped,
		Runs:         s.runs,
		Failures:     s.failures,
	}
	if s.c != nil && s.entryID != 0 {
		snap.NextPoll = s.c.Entry(s.entryID).Next
	}
	return snap
}

// taskLabel shortens a prompt to labelMax runes for queue diagnostics.
func taskLabel(prompt string) string {
	if utf8.RuneCountInString(prompt) <= labelMax {
		return prompt
	}
	n := 0
	for i := range prompt {
		if n == labelMax {
			return prompt[:i]
		}
		n++
	}
	return prompt
}

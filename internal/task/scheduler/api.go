package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"microclaw/internal/storage"
	logx "microclaw/pkg/logx"
)

// NewTask describes a task to create.
type NewTask struct {
	ChatID      string
	Prompt      string
	Schedule    string
	ContextMode storage.ContextMode
}

// AddTask validates and persists a new scheduled task.
func (s *Service) AddTask(ctx context.Context, in NewTask) (storage.ScheduledTask, error) {
	chat := strings.TrimSpace(in.ChatID)
	prompt := strings.TrimSpace(in.Prompt)
	if chat == "" {
		return storage.ScheduledTask{}, errors.New("chat is required")
	}
	if prompt == "" {
		return storage.ScheduledTask{}, errors.New("prompt is required")
	}
	switch in.ContextMode {
	case "":
		in.ContextMode = storage.ContextIsolated
	case storage.ContextIsolated, storage.ContextGroup:
	default:
		return storage.ScheduledTask{}, fmt.Errorf("unknown context mode %q", in.ContextMode)
	}

	loc := s.location()
	spec, err := ParseSchedule(in.Schedule, loc)
	if err != nil {
		return storage.ScheduledTask{}, err
	}
	now := s.clock.Now()
	t := storage.ScheduledTask{
		ID:            uuid.NewString(),
		ChatID:        chat,
		Prompt:        prompt,
		ScheduleType:  spec.Type,
		ScheduleValue: spec.Value(),
		ContextMode:   in.ContextMode,
		NextRun:       spec.First(now, loc),
		Status:        storage.TaskActive,
		CreatedAt:     now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return storage.ScheduledTask{}, err
	}
	s.log.Info("scheduler.task_added",
		logx.Task(t.ID),
		logx.Chat(chat),
		logx.String("type", string(t.ScheduleType)),
		logx.Time("next_run", t.NextRun),
	)
	return t, nil
}

func (s *Service) Tasks(ctx context.Context, chat string) ([]storage.ScheduledTask, error) {
	return s.store.Tasks(ctx, chat)
}

func (s *Service) Task(ctx context.Context, id string) (storage.ScheduledTask, error) {
	t, err := s.store.Task(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return t, ErrUnknownTask
	}
	return t, err
}

// PauseTask stops an active task from being polled.
func (s *Service) PauseTask(ctx context.Context, id string) error {
	t, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != storage.TaskActive {
		return fmt.Errorf("%w: %s is %s", ErrBadStatus, id, t.Status)
	}
	return s.store.SetTaskStatus(ctx, id, storage.TaskPaused, t.NextRun)
}

// ResumeTask reactivates a paused task. Recurring tasks get a fresh next run
// so missed occurrences are not replayed.
func (s *Service) ResumeTask(ctx context.Context, id string) error {
	t, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != storage.TaskPaused {
		return fmt.Errorf("%w: %s is %s", ErrBadStatus, id, t.Status)
	}
	loc := s.location()
	spec, err := ParseTyped(t.ScheduleType, t.ScheduleValue, loc)
	if err != nil {
		return err
	}
	next := spec.First(s.clock.Now(), loc)
	return s.store.SetTaskStatus(ctx, id, storage.TaskActive, next)
}

// CancelTask deletes a task and its run log.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	err := s.store.DeleteTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownTask
	}
	return err
}

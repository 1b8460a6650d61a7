package app

import (
	"context"

	"microclaw/internal/groupqueue"
	"microclaw/internal/storage"
)

// RunTask runs one scheduled task on the chat's task lane. Group-mode tasks
// resume the chat's agent session; isolated tasks start fresh.
func (a *App) RunTask(ctx context.Context, t storage.ScheduledTask) (string, error) {
	run := workerRun{
		chat:   t.ChatID,
		lane:   groupqueue.LaneTask,
		prompt: t.Prompt,
		env: map[string]string{
			"MICROCLAW_TASK_ID":      t.ID,
			"MICROCLAW_CONTEXT_MODE": string(t.ContextMode),
		},
	}
	if t.ContextMode == storage.ContextGroup {
		run.session = a.session(t.ChatID)
		run.keepSession = true
	}
	res, err := a.runWorker(ctx, run)
	return res.summary(), err
}

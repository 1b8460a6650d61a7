package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"microclaw/internal/storage"
	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

type command struct {
	name        string
	description string
	// mainOnly commands are answered only in the main chat.
	mainOnly bool
	handle   func(ctx context.Context, chat string, args []string) (string, error)
}

const commandTimeout = 10 * time.Second

func (a *App) commands() []command {
	return []command{
		{name: "ping", description: "Check the bot is alive", handle: func(context.Context, string, []string) (string, error) {
			return "pong", nil
		}},
		{name: "stop", description: "Ask the agent in this chat to finish", handle: a.cmdStop},
		{name: "tasks", description: "List scheduled tasks for this chat", handle: a.cmdTasks},
		{name: "pause", description: "Pause a task: /pause <id>", handle: a.taskAction("paused", a.pauseTask)},
		{name: "resume", description: "Resume a task: /resume <id>", handle: a.taskAction("resumed", a.resumeTask)},
		{name: "cancel", description: "Delete a task: /cancel <id>", handle: a.taskAction("cancelled", a.cancelTask)},
		{name: "status", description: "Queue status", mainOnly: true, handle: a.cmdStatus},
	}
}

func (a *App) menuCommands() []kit.BotCommand {
	cmds := a.commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.name, Description: c.description})
	}
	return out
}

// handleCommand answers a known slash command and reports whether m was one.
// Unknown commands fall through as ordinary messages.
func (a *App) handleCommand(ctx context.Context, chat string, m *kit.Message) bool {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	var cmd *command
	for _, c := range a.commands() {
		if c.name == word {
			cmd = &c
			break
		}
	}
	if cmd == nil || (cmd.mainOnly && !a.router.IsMain(chat)) {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	log := a.log.With(logx.Chat(chat), logx.String("cmd", cmd.name))
	reply, err := cmd.handle(cctx, chat, parts[1:])
	if err != nil {
		log.Warn("command.failed", logx.Err(err))
		reply = "error: " + err.Error()
	} else {
		log.Debug("command.handled")
	}
	if reply == "" {
		return true
	}
	if _, err := a.adapter.SendText(cctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		log.Warn("command.reply_failed", logx.Err(err))
	}
	return true
}

func (a *App) cmdStop(_ context.Context, chat string, _ []string) (string, error) {
	if a.queue.SoftStop(chat) {
		return "stopping the agent", nil
	}
	return "no agent is running", nil
}

func (a *App) cmdTasks(ctx context.Context, chat string, _ []string) (string, error) {
	scope := chat
	if a.router.IsMain(chat) {
		scope = ""
	}
	tasks, err := a.sched.Tasks(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "no scheduled tasks", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s %s", shortID(t.ID), t.Status, t.ScheduleType, t.ScheduleValue)
		if !t.NextRun.IsZero() {
			fmt.Fprintf(&b, " next %s", t.NextRun.Format(time.RFC3339))
		}
		if scope == "" {
			fmt.Fprintf(&b, " chat %s", t.ChatID)
		}
		fmt.Fprintf(&b, "\n  %s\n", clip(t.Prompt, 80))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *App) cmdStatus(context.Context, string, []string) (string, error) {
	s := a.queue.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "slots %d/%d (tasks %d), waiting %d", s.SlotsHeld, s.MaxSlots, s.TaskSlotsHeld, len(s.Waiting))
	if s.ShuttingDown {
		b.WriteString(", shutting down")
	}
	for _, g := range s.Groups {
		if len(g.Workers) == 0 && g.Task == nil && !g.MessageRunning {
			continue
		}
		fmt.Fprintf(&b, "\n%s:", g.Group)
		for _, w := range g.Workers {
			fmt.Fprintf(&b, " worker %s %s", w.Lane, w.State)
		}
		if g.Task != nil {
			fmt.Fprintf(&b, " task %s", shortID(g.Task.TaskID))
		}
		if g.RetryPending {
			fmt.Fprintf(&b, " retry #%d", g.RetryAttempt)
		}
	}
	return b.String(), nil
}

var errTaskNotFound = errors.New("task not found")

// taskAction wraps a task mutation that takes one id argument. Tasks of other
// chats are only reachable from the main chat.
func (a *App) taskAction(done string, fn func(ctx context.Context, id string) error) func(context.Context, string, []string) (string, error) {
	return func(ctx context.Context, chat string, args []string) (string, error) {
		if len(args) != 1 {
			return "", errors.New("usage: /<command> <task id>")
		}
		t, err := a.findTask(ctx, chat, args[0])
		if err != nil {
			return "", err
		}
		if err := fn(ctx, t.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("task %s %s", shortID(t.ID), done), nil
	}
}

func (a *App) pauseTask(ctx context.Context, id string) error  { return a.sched.PauseTask(ctx, id) }
func (a *App) resumeTask(ctx context.Context, id string) error { return a.sched.ResumeTask(ctx, id) }
func (a *App) cancelTask(ctx context.Context, id string) error { return a.sched.CancelTask(ctx, id) }

// findTask resolves a full id or a unique id prefix.
func (a *App) findTask(ctx context.Context, chat, ref string) (storage.ScheduledTask, error) {
	scope := chat
	if a.router.IsMain(chat) {
		scope = ""
	}
	tasks, err := a.sched.Tasks(ctx, scope)
	if err != nil {
		return storage.ScheduledTask{}, err
	}
	var hit []storage.ScheduledTask
	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			hit = append(hit, t)
		}
	}
	switch len(hit) {
	case 0:
		return storage.ScheduledTask{}, errTaskNotFound
	case 1:
		return hit[0], nil
	default:
		return storage.ScheduledTask{}, fmt.Errorf("task id %q is ambiguous", ref)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"microclaw/internal/config"
	"microclaw/internal/eventbus"
	"microclaw/internal/storage"
	"microclaw/internal/task/scheduler"
	logx "microclaw/pkg/logx"
)

// taskService opens the store named by the config and a scheduler that only
// serves the task API. The running bot picks changes up on its next poll.
func taskService(ctx context.Context, cfgPath string) (*scheduler.Service, func(), error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, nil, err
	}
	log := logx.NewConsole("WARN")
	store, err := storage.Open(ctx, storage.Config{Path: cfg.StoragePath(), BusyTimeout: cfg.BusyTimeout()}, log)
	if err != nil {
		return nil, nil, err
	}
	svc := scheduler.New(cfg.SchedulerSettings(), store, nil, nil, log, eventbus.New())
	return svc, func() { _ = store.Close() }, nil
}

func newTaskCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage scheduled tasks"}

	var (
		chat     string
		schedule string
		mode     string
	)
	add := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Schedule a prompt for a chat",
		Example: `  microclaw task add --chat 12345 --schedule "0 9 * * *" "Post the weather"
  microclaw task add --chat 12345 --schedule 30m --context group "Check the build"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := taskService(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()
			t, err := svc.AddTask(cmd.Context(), scheduler.NewTask{
				ChatID:      chat,
				Prompt:      strings.Join(args, " "),
				Schedule:    schedule,
				ContextMode: storage.ContextMode(mode),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s next %s\n", t.ID, t.ScheduleType, formatTime(t.NextRun))
			return nil
		},
	}
	add.Flags().StringVar(&chat, "chat", "", "chat id the task reports to")
	add.Flags().StringVar(&schedule, "schedule", "", "cron expression, interval (30m, 02:30) or timestamp")
	add.Flags().StringVar(&mode, "context", string(storage.ContextIsolated), "isolated or group")
	_ = add.MarkFlagRequired("chat")
	_ = add.MarkFlagRequired("schedule")

	var listChat string
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := taskService(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()
			tasks, err := svc.Tasks(cmd.Context(), listChat)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
	list.Flags().StringVar(&listChat, "chat", "", "only tasks of this chat")

	cmd.AddCommand(add, list,
		taskIDCmd(cfgPath, "pause", "Pause a task", (*scheduler.Service).PauseTask),
		taskIDCmd(cfgPath, "resume", "Resume a paused task", (*scheduler.Service).ResumeTask),
		taskIDCmd(cfgPath, "cancel", "Delete a task and its run log", (*scheduler.Service).CancelTask),
	)
	return cmd
}

func taskIDCmd(cfgPath *string, use, short string, fn func(*scheduler.Service, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := taskService(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := fn(svc, cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], use)
			return nil
		},
	}
}

func printTasks(w io.Writer, tasks []storage.ScheduledTask) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAT\tSTATUS\tSCHEDULE\tNEXT RUN\tPROMPT")
	for _, t := range tasks {
		prompt := []rune(strings.Join(strings.Fields(t.Prompt), " "))
		if len(prompt) > 40 {
			prompt = append(prompt[:39], '…')
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\n",
			t.ID, t.ChatID, t.Status, t.ScheduleType, t.ScheduleValue, formatTime(t.NextRun), string(prompt))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

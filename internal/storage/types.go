package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

const SchemaVersion = 1

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Message is one inbound or outbound chat message. Seq is assigned on insert
// and orders messages within a chat.
type Message struct {
	Seq        int64
	ChatID     string
	ID         string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	FromMe     bool
}

type Chat struct {
	ID     string
	Name   string
	Folder string
	// RequiresTrigger nil means the chat follows the default policy.
	RequiresTrigger *bool
	AddedAt         time.Time
	LastMessageAt   time.Time
}

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ContextMode selects whether a task run sees the chat history.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

type ScheduledTask struct {
	ID            string
	ChatID        string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	// NextRun is zero for completed tasks.
	NextRun    time.Time
	LastRun    time.Time
	LastResult string
	Status     TaskStatus
	CreatedAt  time.Time
}

type TaskRunLog struct {
	TaskID   string
	RunAt    time.Time
	Duration time.Duration
	// Status is "success" or "error".
	Status string
	Result string
	Error  string
}

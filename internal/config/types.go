package config

// Config is the on-disk configuration. Durations are strings ("30s", "5m") and
// are resolved by the accessors in resolve.go.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Container ContainerConfig `json:"container"`
	Router    RouterConfig    `json:"router"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through MICROCLAW_TELEGRAM_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec bounds outbound messages across all chats. 0 uses the default.
	RatePerSec int `json:"rate_per_sec"`
}

type LoggingConfig struct {
	Level   string             `json:"level"`
	Console bool               `json:"console"`
	File    LoggingFileConfig  `json:"file"`
	Alert   LoggingAlertConfig `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlertConfig forwards warn+ log lines to an operator chat.
type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type QueueConfig struct {
	MaxConcurrentSlots int    `json:"max_concurrent_slots"`
	MaxTaskSlots       int    `json:"max_task_slots"`
	IdleBeforeEvict    string `json:"idle_before_evict"`
	EvictionTimeout    string `json:"eviction_timeout"`
	BaseRetry          string `json:"base_retry"`
	// MaxRetries: 0 uses the default, -1 disables retries.
	MaxRetries      int    `json:"max_retries"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval"`
	Timezone     string `json:"timezone"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type ContainerConfig struct {
	// Runtime is "docker" (default) or "apple".
	Runtime string   `json:"runtime"`
	Binary  string   `json:"binary"`
	Image   string   `json:"image"`
	Command []string `json:"command"`
	// GroupsDir holds one working directory per chat folder, mounted read-write.
	GroupsDir      string            `json:"groups_dir"`
	Mounts         []MountConfig     `json:"mounts"`
	MountAllowlist []string          `json:"mount_allowlist"`
	Env            map[string]string `json:"env"`
	Timezone       string            `json:"timezone"`
	// Timeout is the hard limit for a single container run. Empty means none.
	Timeout     string `json:"timeout"`
	BreakerBase string `json:"breaker_base"`
	BreakerMax  string `json:"breaker_max"`
}

type MountConfig struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readonly"`
}

type RouterConfig struct {
	// Trigger is the assistant name; messages starting with "@<trigger>" wake it.
	Trigger   string       `json:"trigger"`
	MainChat  string       `json:"main_chat"`
	Allowlist []string     `json:"allowlist"`
	Chats     []ChatConfig `json:"chats"`
	// PrefixReplies prepends "<Trigger>: " to outbound agent text.
	PrefixReplies bool `json:"prefix_replies"`
}

type ChatConfig struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	// RequiresTrigger defaults to true for every chat except the main chat.
	RequiresTrigger *bool `json:"requires_trigger,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
	// Pprof mounts net/http/pprof under /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof"`
}

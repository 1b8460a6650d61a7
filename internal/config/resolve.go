package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"microclaw/internal/groupqueue"
	logx "microclaw/pkg/logx"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultPollTimeout     = 10 * time.Second
	DefaultSchedulerPoll   = 60 * time.Second
	DefaultBusyTimeout     = 5 * time.Second
	DefaultBreakerBase     = time.Second
	DefaultBreakerMax      = 30 * time.Second
	DefaultMetricsPath     = "/metrics"
	DefaultStoragePath     = "./data/microclaw.db"
)

// ParseDurationField parses a duration setting. Empty means unset (zero); a
// bare integer is read as seconds.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def in place of zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// QueueSettings resolves the queue section. Unset fields are left zero so the
// queue applies its own defaults.
func (c *Config) QueueSettings() (groupqueue.Config, error) {
	q := c.Queue
	idle, err := ParseDurationField("queue.idle_before_evict", q.IdleBeforeEvict)
	if err != nil {
		return groupqueue.Config{}, err
	}
	evict, err := ParseDurationField("queue.eviction_timeout", q.EvictionTimeout)
	if err != nil {
		return groupqueue.Config{}, err
	}
	base, err := ParseDurationField("queue.base_retry", q.BaseRetry)
	if err != nil {
		return groupqueue.Config{}, err
	}
	return groupqueue.Config{
		MaxConcurrentSlots: q.MaxConcurrentSlots,
		MaxTaskSlots:       q.MaxTaskSlots,
		IdleBeforeEvict:    idle,
		EvictionTimeout:    evict,
		BaseRetry:          base,
		MaxRetries:         q.MaxRetries,
	}, nil
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, err := ParseDurationOrDefault("queue.shutdown_timeout", c.Queue.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return DefaultShutdownTimeout
	}
	return d
}

// LoggingSettings maps the logging section onto logx.Config.
func (c *Config) LoggingSettings() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			Chat:       l.Alert.Chat,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func (c *Config) PollTimeout() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout)
	if err != nil {
		return DefaultPollTimeout
	}
	return d
}

func (c *Config) SchedulerPoll() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.poll_interval", c.Scheduler.PollInterval, DefaultSchedulerPoll)
	if err != nil {
		return DefaultSchedulerPoll
	}
	return d
}

// Location resolves scheduler.timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) StoragePath() string {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

func (c *Config) BusyTimeout() time.Duration {
	d, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout)
	if err != nil {
		return DefaultBusyTimeout
	}
	return d
}

// ChatRequiresTrigger reports whether messages in chat need an explicit trigger.
// Unknown chats require one; the main chat never does.
func (c *Config) ChatRequiresTrigger(chat string) bool {
	if chat != "" && chat == strings.TrimSpace(c.Router.MainChat) {
		return false
	}
	for _, ch := range c.Router.Chats {
		if ch.ID == chat {
			if ch.RequiresTrigger == nil {
				return true
			}
			return *ch.RequiresTrigger
		}
	}
	return true
}

// Validate checks the config for values that would make startup fail.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := cfg.QueueSettings()
	add(err)
	if cfg.Queue.MaxConcurrentSlots < 0 {
		add(fmt.Errorf("queue.max_concurrent_slots: must be >= 0"))
	}
	if cfg.Queue.MaxTaskSlots < 0 {
		add(fmt.Errorf("queue.max_task_slots: must be >= 0"))
	}
	if cfg.Queue.MaxConcurrentSlots > 0 && cfg.Queue.MaxTaskSlots > cfg.Queue.MaxConcurrentSlots {
		add(fmt.Errorf("queue.max_task_slots: exceeds max_concurrent_slots"))
	}
	if cfg.Queue.MaxRetries < -1 {
		add(fmt.Errorf("queue.max_retries: must be >= -1"))
	}

	for path, raw := range map[string]string{
		"queue.shutdown_timeout":  cfg.Queue.ShutdownTimeout,
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
		"scheduler.poll_interval": cfg.Scheduler.PollInterval,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"container.timeout":       cfg.Container.Timeout,
		"container.breaker_base":  cfg.Container.BreakerBase,
		"container.breaker_max":   cfg.Container.BreakerMax,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Container.Runtime)) {
	case "", "docker", "apple":
	default:
		add(fmt.Errorf("container.runtime: unknown runtime %q", cfg.Container.Runtime))
	}
	if strings.TrimSpace(cfg.Container.Image) == "" {
		add(errors.New("container.image: required"))
	}
	for i, m := range cfg.Container.Mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			add(fmt.Errorf("container.mounts[%d]: source and target are required", i))
		}
	}

	if strings.TrimSpace(cfg.Router.Trigger) == "" {
		add(errors.New("router.trigger: required"))
	}
	seen := map[string]bool{}
	for i, ch := range cfg.Router.Chats {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			add(fmt.Errorf("router.chats[%d].id: required", i))
			continue
		}
		if seen[id] {
			add(fmt.Errorf("router.chats[%d].id: duplicate %q", i, id))
		}
		seen[id] = true
	}

	if cfg.Logging.Alert.Enabled && strings.TrimSpace(cfg.Logging.Alert.Chat) == "" {
		add(errors.New("logging.alert.chat: required when alerts are enabled"))
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		add(errors.New("metrics.addr: required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

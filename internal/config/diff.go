package config

import (
	"reflect"
	"strings"

	logx "microclaw/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe attrs for
// logging. Secrets such as the bot token are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		o.RatePerSec != n.RatePerSec ||
		(strings.TrimSpace(o.Token) != "") != (strings.TrimSpace(n.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Int("telegram.rate_per_sec", n.RatePerSec),
			logx.Bool("telegram.token_set", strings.TrimSpace(n.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		q := newCfg.Queue
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_concurrent_slots", q.MaxConcurrentSlots),
			logx.Int("queue.max_task_slots", q.MaxTaskSlots),
			logx.String("queue.idle_before_evict", strings.TrimSpace(q.IdleBeforeEvict)),
			logx.String("queue.eviction_timeout", strings.TrimSpace(q.EvictionTimeout)),
			logx.String("queue.base_retry", strings.TrimSpace(q.BaseRetry)),
			logx.Int("queue.max_retries", q.MaxRetries),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	if !reflect.DeepEqual(oldCfg.Container, newCfg.Container) {
		c := newCfg.Container
		changed = append(changed, "container")
		attrs = append(attrs,
			logx.String("container.runtime", strings.TrimSpace(c.Runtime)),
			logx.String("container.image", strings.TrimSpace(c.Image)),
			logx.Int("container.mounts", len(c.Mounts)),
			logx.Int("container.env_count", len(c.Env)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Router, newCfg.Router) {
		r := newCfg.Router
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.String("router.trigger", strings.TrimSpace(r.Trigger)),
			logx.Bool("router.main_chat_set", strings.TrimSpace(r.MainChat) != ""),
			logx.Int("router.allowlist", len(r.Allowlist)),
			logx.Int("router.chats", len(r.Chats)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "metrics":
			out = append(out, s)
		}
	}
	return out
}

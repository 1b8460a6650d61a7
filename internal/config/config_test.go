package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "file-token"
  poll_timeout: 15s
logging:
  level: debug
  console: true
queue:
  max_concurrent_slots: 3
  max_task_slots: 1
  idle_before_evict: 10s
  eviction_timeout: 5m
  base_retry: 2s
  max_retries: -1
scheduler:
  enabled: true
  poll_interval: 30s
  timezone: UTC
container:
  image: microclaw-agent:latest
  mounts:
    - source: /srv/shared
      target: /workspace/shared
      readonly: true
router:
  trigger: Andy
  main_chat: "100"
  chats:
    - id: "200"
      folder: family
      requires_trigger: false
    - id: "300"
      folder: work
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	m.lookupEnv = noEnv
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	q, err := cfg.QueueSettings()
	require.NoError(t, err)
	assert.Equal(t, 3, q.MaxConcurrentSlots)
	assert.Equal(t, 1, q.MaxTaskSlots)
	assert.Equal(t, 10*time.Second, q.IdleBeforeEvict)
	assert.Equal(t, 5*time.Minute, q.EvictionTimeout)
	assert.Equal(t, 2*time.Second, q.BaseRetry)
	assert.Equal(t, -1, q.MaxRetries)

	assert.Equal(t, 15*time.Second, cfg.PollTimeout())
	assert.Equal(t, 30*time.Second, cfg.SchedulerPoll())
	assert.Equal(t, "UTC", cfg.Location().String())
	assert.Equal(t, DefaultStoragePath, cfg.StoragePath())
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout())
	assert.Equal(t, "file-token", cfg.Telegram.Token)
	require.Len(t, cfg.Container.Mounts, 1)
	assert.True(t, cfg.Container.Mounts[0].ReadOnly)
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	body := `{"container":{"image":"agent"},"router":{"trigger":"Andy"},"queue":{"max_concurrent_slots":2}}`
	m := NewConfigManager(writeConfig(t, "config.json", body))
	m.lookupEnv = noEnv
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrentSlots)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", "queue:\n  max_slots: 3\n"))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_slots")
}

func TestTrailingJSONIsRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.json", `{} {}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestEnvOverridesToken(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	m.lookupEnv = func(k string) (string, bool) {
		if k == EnvTelegramToken {
			return " env-token ", true
		}
		return "", false
	}
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Container: ContainerConfig{Image: "agent"},
			Router:    RouterConfig{Trigger: "Andy"},
		}
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad duration", func(c *Config) { c.Queue.BaseRetry = "soon" }, "queue.base_retry"},
		{"negative duration", func(c *Config) { c.Queue.EvictionTimeout = "-1s" }, "queue.eviction_timeout"},
		{"task slots above pool", func(c *Config) {
			c.Queue.MaxConcurrentSlots = 2
			c.Queue.MaxTaskSlots = 3
		}, "queue.max_task_slots"},
		{"retries", func(c *Config) { c.Queue.MaxRetries = -2 }, "queue.max_retries"},
		{"runtime", func(c *Config) { c.Container.Runtime = "podman" }, "container.runtime"},
		{"image", func(c *Config) { c.Container.Image = " " }, "container.image"},
		{"mount", func(c *Config) { c.Container.Mounts = []MountConfig{{Source: "/x"}} }, "container.mounts[0]"},
		{"trigger", func(c *Config) { c.Router.Trigger = "" }, "router.trigger"},
		{"duplicate chat", func(c *Config) {
			c.Router.Chats = []ChatConfig{{ID: "1"}, {ID: "1"}}
		}, "duplicate"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"alert chat", func(c *Config) { c.Logging.Alert.Enabled = true }, "logging.alert.chat"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChatRequiresTrigger(t *testing.T) {
	t.Parallel()
	no := false
	cfg := &Config{Router: RouterConfig{
		MainChat: "main",
		Chats: []ChatConfig{
			{ID: "open", RequiresTrigger: &no},
			{ID: "gated"},
		},
	}}
	assert.False(t, cfg.ChatRequiresTrigger("main"))
	assert.False(t, cfg.ChatRequiresTrigger("open"))
	assert.True(t, cfg.ChatRequiresTrigger("gated"))
	assert.True(t, cfg.ChatRequiresTrigger("unknown"))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Queue: QueueConfig{MaxConcurrentSlots: 2}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Queue: QueueConfig{MaxConcurrentSlots: 4}, Metrics: MetricsConfig{Enabled: true, Addr: ":9100"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"queue", "metrics"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"metrics"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(nil, nil)
	assert.Empty(t, changed)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(first)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.lookupEnv = noEnv
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to attach before editing.
	time.Sleep(100 * time.Millisecond)

	invalid := sampleYAML + "bogus: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(invalid), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, ch, 0)

	updated := sampleYAML + "metrics:\n  enabled: true\n  addr: \":9100\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.True(t, cfg.Metrics.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	<-done
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationField("x", "90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("queue.base_retry", "-2s")
	require.ErrorContains(t, err, "queue.base_retry")
	_, err = ParseDurationField("queue.base_retry", "-2")
	require.ErrorContains(t, err, ">= 0")
	_, err = ParseDurationOrDefault("container.timeout", "soon", time.Minute)
	require.ErrorContains(t, err, "invalid duration")
}

func TestHashConfigIgnoresLayout(t *testing.T) {
	t.Parallel()
	a, err := decode("config.yaml", []byte("container:\n  image: agent\nrouter:\n  trigger: Andy\n"))
	require.NoError(t, err)
	b, err := decode("config.yaml", []byte("# comment\nrouter: {trigger: Andy}\ncontainer:\n    image: agent\n"))
	require.NoError(t, err)
	assert.NotZero(t, hashConfig(a))
	assert.Equal(t, hashConfig(a), hashConfig(b))

	b.Router.Trigger = "Bob"
	assert.NotEqual(t, hashConfig(a), hashConfig(b))
	assert.Zero(t, hashConfig(nil))
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager("../../config.example.yaml").Parse()
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	_, err = cfg.ContainerSettings()
	require.NoError(t, err)
	q, err := cfg.QueueSettings()
	require.NoError(t, err)
	assert.Equal(t, 2, q.MaxTaskSlots)
}

package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "queue"))
	l.Debug("queue.admitted", String("group", "chat-1"), Int("slots_held", 2), Duration("waited", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "queue.admitted", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, "chat-1", m["group"])
	assert.EqualValues(t, 2, m["slots_held"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestWriterLoggerLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Empty(t, buf.String())
	assert.True(t, l.Enabled(LevelError))
	assert.False(t, l.Enabled(LevelDebug))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"trace":   zerolog.DebugLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestDomainFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf, "debug").With(Component("queue")).Info("queue.admitted",
		Group("chat-7"), Chat("7"), Task("t1"), Lane(laneName("message")))
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, "chat-7", m["group"])
	assert.Equal(t, "7", m["chat"])
	assert.Equal(t, "t1", m["task"])
	assert.Equal(t, "message", m["lane"])
	assert.Contains(t, m["caller"], "logx/logx_test.go:")
}

type laneName string

func (l laneName) String() string { return string(l) }

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"queue.retry_scheduled","group":"chat-1","attempt":2}`
	got := formatAlert([]byte(line))
	assert.Equal(t, "[WARN] queue.retry_scheduled\n- attempt=2\n- group=chat-1", got)

	assert.Equal(t, "plain", formatAlert([]byte("  plain \n")))
	long := strings.Repeat("x", alertMaxLen+100)
	assert.Len(t, formatAlert([]byte(long)), alertMaxLen)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(ctx context.Context, chat, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, chat+"|"+text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, Chat: "ops", MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("worker.soft_stop_failed", String("group", "chat-1"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, strings.HasPrefix(sender.msgs[0], "ops|[WARN] worker.soft_stop_failed"))
}

func TestApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "info"}, nil)
	defer svc.Close()
	assert.False(t, log.Enabled(LevelDebug))
	svc.Apply(Config{Level: "debug"})
	assert.True(t, log.Enabled(LevelDebug))
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microclaw/internal/container"
	"microclaw/internal/storage"
	"microclaw/internal/task/scheduler"
	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

type sentText struct {
	chat int64
	text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentText
	next int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, sentText{chat: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.next}, nil
}

func (f *fakeAdapter) texts(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chat == chat {
			out = append(out, s.text)
		}
	}
	return out
}

type fakeWorker struct {
	name    string
	onFrame func(container.Frame)
	frames  func(input string) []container.Frame

	mu       sync.Mutex
	received []string
	closed   bool
	in       chan string
	done     chan struct{}
}

func (w *fakeWorker) run(prompt string) {
	defer close(w.done)
	w.respond(prompt)
	for text := range w.in {
		w.respond(text)
	}
}

func (w *fakeWorker) respond(text string) {
	w.mu.Lock()
	w.received = append(w.received, text)
	w.mu.Unlock()
	for _, f := range w.frames(text) {
		w.onFrame(f)
	}
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) SendInput(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return container.ErrInputClosed
	}
	w.in <- text
	return nil
}

func (w *fakeWorker) CloseInput() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.in)
	}
	return nil
}

func (w *fakeWorker) Kill(context.Context) error { return w.CloseInput() }

func (w *fakeWorker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWorker) inputs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.received...)
}

type fakeLauncher struct {
	mu      sync.Mutex
	reqs    []container.StartRequest
	workers []*fakeWorker
	fail    error
	frames  func(input string) []container.Frame
}

func replyDone(string) []container.Frame {
	return []container.Frame{{Type: container.FrameResult, Text: "done"}, {Type: container.FrameIdle}}
}

func (l *fakeLauncher) Launch(_ context.Context, req container.StartRequest, onFrame func(container.Frame)) (Worker, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	if l.fail != nil {
		err := l.fail
		l.mu.Unlock()
		return nil, err
	}
	frames := l.frames
	if frames == nil {
		frames = replyDone
	}
	w := &fakeWorker{
		name:    fmt.Sprintf("w%d", len(l.reqs)),
		onFrame: onFrame,
		frames:  frames,
		in:      make(chan string, 16),
		done:    make(chan struct{}),
	}
	l.workers = append(l.workers, w)
	l.mu.Unlock()
	go w.run(req.Prompt)
	return w, nil
}

func (l *fakeLauncher) requests() []container.StartRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]container.StartRequest(nil), l.reqs...)
}

func (l *fakeLauncher) worker(i int) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[i]
}

const testConfig = `
telegram:
  token: test-token
storage:
  path: %s
container:
  image: agent:latest
router:
  trigger: Andy
  main_chat: "100"
queue:
  max_concurrent_slots: 2
  base_retry: 1h
  shutdown_timeout: 5s
scheduler:
  enabled: false
`

func newTestApp(t *testing.T, l *fakeLauncher) (*App, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, filepath.Join(dir, "db.sqlite"))), 0o600))

	ad := &fakeAdapter{}
	a, err := New(path, WithAdapter(ad), WithLauncher(l))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, ad
}

var msgID int

func send(a *App, chat int64, text string) {
	msgID++
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:       msgID,
		ChatID:   chat,
		FromID:   7,
		FromName: "Ann",
		Text:     text,
		Time:     time.Now(),
	}}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestMainChatMessageGetsReply(t *testing.T) {
	l := &fakeLauncher{}
	a, ad := newTestApp(t, l)

	send(a, 100, "hello there")
	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "reply")

	req := l.requests()[0]
	assert.Equal(t, "100", req.Group)
	assert.Equal(t, "main", req.Folder)
	assert.Equal(t, "message", req.Env["MICROCLAW_LANE"])
	assert.Equal(t, "true", req.Env["MICROCLAW_MAIN"])
	assert.Contains(t, req.Prompt, `sender="Ann"`)
	assert.Contains(t, req.Prompt, "hello there")

	cursor, err := a.store.Cursor(context.Background(), "100")
	require.NoError(t, err)
	assert.Positive(t, cursor)
}

func TestFollowUpIsPipedIntoLiveWorker(t *testing.T) {
	l := &fakeLauncher{}
	a, ad := newTestApp(t, l)

	send(a, 100, "first")
	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "first reply")

	send(a, 100, "second")
	eventually(t, func() bool { return len(ad.texts(100)) == 2 }, "second reply")

	assert.Len(t, l.requests(), 1, "no second worker")
	in := l.worker(0).inputs()
	require.Len(t, in, 2)
	assert.Contains(t, in[1], "second")
	assert.NotContains(t, in[1], "first")
}

func TestGroupChatWaitsForTrigger(t *testing.T) {
	l := &fakeLauncher{}
	a, ad := newTestApp(t, l)

	send(a, 200, "just chatting")
	send(a, 200, "/ping")
	eventually(t, func() bool { return len(ad.texts(200)) == 1 }, "ping answered")
	assert.Empty(t, l.requests())

	send(a, 200, "@andy what do you think?")
	eventually(t, func() bool { return len(l.requests()) == 1 }, "worker launched")

	req := l.requests()[0]
	assert.Equal(t, "chat-200", req.Folder)
	assert.Contains(t, req.Prompt, "just chatting")
	assert.Contains(t, req.Prompt, "what do you think?")
	assert.NotContains(t, req.Prompt, "/ping")
}

func TestFailedRunRollsBackCursor(t *testing.T) {
	l := &fakeLauncher{fail: errors.New("no runtime")}
	a, _ := newTestApp(t, l)

	send(a, 100, "hello")
	eventually(t, func() bool {
		for _, g := range a.queue.Snapshot().Groups {
			if g.Group == "100" && g.RetryPending {
				return true
			}
		}
		return false
	}, "retry scheduled")

	cursor, err := a.store.Cursor(context.Background(), "100")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestAgentErrorAfterReplyKeepsCursor(t *testing.T) {
	l := &fakeLauncher{frames: func(string) []container.Frame {
		return []container.Frame{
			{Type: container.FrameResult, Text: "partial"},
			{Type: container.FrameError, Text: "tool crashed"},
			{Type: container.FrameIdle},
		}
	}}
	a, ad := newTestApp(t, l)

	send(a, 100, "hello")
	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "partial reply")
	_, err := a.cmdStop(context.Background(), "100", nil)
	require.NoError(t, err)
	eventually(t, func() bool { return a.queue.Snapshot().SlotsHeld == 0 }, "unit finished")

	cursor, err := a.store.Cursor(context.Background(), "100")
	require.NoError(t, err)
	assert.Positive(t, cursor)
}

func TestSessionCarriesOverAfterStop(t *testing.T) {
	l := &fakeLauncher{frames: func(string) []container.Frame {
		return []container.Frame{
			{Type: container.FrameSession, SessionID: "s-1"},
			{Type: container.FrameResult, Text: "<internal>thinking</internal>hi"},
			{Type: container.FrameIdle},
		}
	}}
	a, ad := newTestApp(t, l)

	send(a, 100, "one")
	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "first reply")
	assert.Equal(t, "hi", ad.texts(100)[0])

	send(a, 100, "/stop")
	eventually(t, func() bool { return a.queue.Snapshot().SlotsHeld == 0 }, "worker stopped")

	send(a, 100, "two")
	eventually(t, func() bool { return len(l.requests()) == 2 }, "second worker")
	assert.Empty(t, l.requests()[0].SessionID)
	assert.Equal(t, "s-1", l.requests()[1].SessionID)
}

func TestRunTaskClosesWorkerAfterTurn(t *testing.T) {
	l := &fakeLauncher{}
	a, ad := newTestApp(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := a.RunTask(ctx, storage.ScheduledTask{
		ID:          "task-1",
		ChatID:      "100",
		Prompt:      "summarize the day",
		ContextMode: storage.ContextIsolated,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []string{"done"}, ad.texts(100))

	req := l.requests()[0]
	assert.Equal(t, "summarize the day", req.Prompt)
	assert.Equal(t, "task", req.Env["MICROCLAW_LANE"])
	assert.Equal(t, "task-1", req.Env["MICROCLAW_TASK_ID"])
}

func schedulerTask(chat, prompt string) scheduler.NewTask {
	return scheduler.NewTask{ChatID: chat, Prompt: prompt, Schedule: "1h"}
}

func TestTaskCommands(t *testing.T) {
	l := &fakeLauncher{}
	a, ad := newTestApp(t, l)
	ctx := context.Background()

	task, err := a.sched.AddTask(ctx, schedulerTask("200", "water the plants"))
	require.NoError(t, err)

	send(a, 200, "/tasks")
	eventually(t, func() bool { return len(ad.texts(200)) == 1 }, "tasks listed")
	assert.Contains(t, ad.texts(200)[0], shortID(task.ID))
	assert.Contains(t, ad.texts(200)[0], "water the plants")

	send(a, 300, "/pause "+shortID(task.ID))
	eventually(t, func() bool { return len(ad.texts(300)) == 1 }, "pause answered")
	assert.Contains(t, ad.texts(300)[0], "task not found", "other chats cannot reach the task")

	send(a, 100, "/pause "+shortID(task.ID))
	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "main chat pause")
	got, err := a.sched.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskPaused, got.Status)

	send(a, 100, "/status")
	eventually(t, func() bool { return len(ad.texts(100)) == 2 }, "status")
	assert.True(t, strings.HasPrefix(ad.texts(100)[1], "slots 0/2"), ad.texts(100)[1])
}

func TestRecoveryRequeuesPendingChats(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "db.sqlite")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, db)), 0o600))

	st, err := storage.Open(context.Background(), storage.Config{Path: db}, logx.Nop())
	require.NoError(t, err)
	_, err = st.StoreMessage(context.Background(), storage.Message{ChatID: "100", ID: "m1", Sender: "7", Content: "left over"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	l := &fakeLauncher{}
	ad := &fakeAdapter{}
	a, err := New(path, WithAdapter(ad), WithLauncher(l))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(ctx, StopAppStop))
	}()

	eventually(t, func() bool { return len(ad.texts(100)) == 1 }, "recovered reply")
	assert.Contains(t, l.requests()[0].Prompt, "left over")
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"microclaw/internal/container"
	"microclaw/internal/groupqueue"
	"microclaw/internal/router"
	"microclaw/internal/storage"
	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

// maxBatch bounds how many pending messages go into one prompt.
const maxBatch = 200

func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			a.handleMessage(ctx, up.Message)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, m *kit.Message) {
	chat := strconv.FormatInt(m.ChatID, 10)
	if !a.router.Allowed(chat) {
		a.log.Debug("message.ignored", logx.Chat(chat), logx.String("reason", "not_allowed"))
		return
	}
	if a.handleCommand(ctx, chat, m) {
		return
	}
	a.ensureChat(ctx, chat, m.ChatTitle)

	if _, err := a.store.StoreMessage(ctx, storage.Message{
		ChatID:     chat,
		ID:         strconv.Itoa(m.ID),
		Sender:     strconv.FormatInt(m.FromID, 10),
		SenderName: senderName(m),
		Content:    m.Text,
		Timestamp:  m.Time,
	}); err != nil {
		a.log.Error("message.store_failed", logx.Chat(chat), logx.Err(err))
		return
	}
	a.dispatchPending(ctx, chat)
}

func senderName(m *kit.Message) string {
	if m.FromName != "" {
		return m.FromName
	}
	return m.FromUsername
}

func (a *App) ensureChat(ctx context.Context, chat, title string) {
	if _, ok := a.known.Load(chat); ok {
		return
	}
	rt := a.router.RequiresTrigger(chat)
	if err := a.store.UpsertChat(ctx, storage.Chat{
		ID:              chat,
		Name:            title,
		Folder:          a.router.Folder(chat),
		RequiresTrigger: &rt,
	}); err != nil {
		a.log.Warn("chat.register_failed", logx.Chat(chat), logx.Err(err))
		return
	}
	a.known.Store(chat, struct{}{})
}

// dispatchPending pipes pending messages into a live message worker when one
// exists, and otherwise asks the queue for a message run.
func (a *App) dispatchPending(ctx context.Context, chat string) {
	cursor, err := a.store.Cursor(ctx, chat)
	if err != nil {
		a.log.Error("message.cursor_failed", logx.Chat(chat), logx.Err(err))
		return
	}
	pending, err := a.store.MessagesSince(ctx, chat, cursor, maxBatch)
	if err != nil {
		a.log.Error("message.load_failed", logx.Chat(chat), logx.Err(err))
		return
	}
	if !a.router.ShouldProcess(chat, pending) {
		a.log.Debug("message.waiting_trigger", logx.Chat(chat), logx.Int("pending", len(pending)))
		return
	}
	if a.queue.SendMessage(chat, router.FormatMessages(pending)) {
		if err := a.store.SetCursor(ctx, chat, pending[len(pending)-1].Seq); err != nil {
			a.log.Warn("message.cursor_failed", logx.Chat(chat), logx.Err(err))
		}
		a.log.Debug("message.piped", logx.Chat(chat), logx.Int("count", len(pending)))
		return
	}
	a.queue.EnqueueMessageCheck(chat)
}

// RunMessages is the queue's message unit. The cursor advances before the
// worker starts and is rolled back if the run fails without delivering
// anything, so the batch is retried.
func (a *App) RunMessages(ctx context.Context, chat string) (bool, error) {
	cursor, err := a.store.Cursor(ctx, chat)
	if err != nil {
		return false, err
	}
	pending, err := a.store.MessagesSince(ctx, chat, cursor, maxBatch)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 || !a.router.ShouldProcess(chat, pending) {
		return true, nil
	}
	if err := a.store.SetCursor(ctx, chat, pending[len(pending)-1].Seq); err != nil {
		return false, err
	}

	res, err := a.runWorker(ctx, workerRun{
		chat:        chat,
		lane:        groupqueue.LaneMessage,
		prompt:      router.FormatMessages(pending),
		session:     a.session(chat),
		keepSession: true,
	})
	if err == nil {
		return true, nil
	}
	if res.delivered() > 0 {
		// Replies already reached the chat; retrying would duplicate them.
		a.log.Warn("message.partial_failure", logx.Chat(chat), logx.Int("sent", res.delivered()), logx.Err(err))
		return true, nil
	}
	if rerr := a.store.SetCursor(context.WithoutCancel(ctx), chat, cursor); rerr != nil {
		a.log.Error("message.rollback_failed", logx.Chat(chat), logx.Err(rerr))
	} else {
		a.log.Warn("message.rolled_back", logx.Chat(chat), logx.Int("count", len(pending)), logx.Err(err))
	}
	return false, err
}

func (a *App) session(chat string) string {
	if v, ok := a.sessions.Load(chat); ok {
		return v.(string)
	}
	return ""
}

type workerRun struct {
	chat    string
	lane    groupqueue.Lane
	prompt  string
	session string
	// keepSession records the session id announced by the agent for later runs.
	keepSession bool
	env         map[string]string
}

type workerResult struct {
	mu       sync.Mutex
	texts    []string
	agentErr error
}

func (r *workerResult) add(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *workerResult) fail(err error) {
	r.mu.Lock()
	r.agentErr = errors.Join(r.agentErr, err)
	r.mu.Unlock()
}

func (r *workerResult) delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func (r *workerResult) summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.texts, "\n")
}

func (r *workerResult) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentErr
}

// runWorker starts a worker for run, registers it with the queue and blocks
// until it exits. Frames are held back until registration so idle signals
// always reach the queue.
func (a *App) runWorker(ctx context.Context, run workerRun) (*workerResult, error) {
	res := &workerResult{}
	chatID, err := strconv.ParseInt(run.chat, 10, 64)
	if err != nil {
		return res, fmt.Errorf("chat id %q: %w", run.chat, err)
	}
	to := kit.ChatTarget{ChatID: chatID}

	env := map[string]string{
		"MICROCLAW_CHAT": run.chat,
		"MICROCLAW_LANE": run.lane.String(),
		"MICROCLAW_MAIN": strconv.FormatBool(a.router.IsMain(run.chat)),
	}
	for k, v := range run.env {
		env[k] = v
	}

	ready := make(chan struct{})
	var w Worker
	onFrame := func(f container.Frame) {
		<-ready
		if w == nil {
			return
		}
		a.handleFrame(ctx, run, w, to, res, f)
	}

	w, err = a.launcher.Launch(ctx, container.StartRequest{
		Group:     run.chat,
		Folder:    a.router.Folder(run.chat),
		Prompt:    run.prompt,
		SessionID: run.session,
		Env:       env,
	}, onFrame)
	if err != nil {
		close(ready)
		return res, err
	}
	a.queue.RegisterProcess(run.chat, groupqueue.WorkerHandle{Name: w.Name(), Lane: run.lane, Process: w})
	close(ready)
	defer a.queue.UnregisterProcess(run.chat, w.Name())

	if err := w.Wait(context.WithoutCancel(ctx)); err != nil {
		return res, err
	}
	return res, res.err()
}

func (a *App) handleFrame(ctx context.Context, run workerRun, w Worker, to kit.ChatTarget, res *workerResult, f container.Frame) {
	switch f.Type {
	case container.FrameSession:
		if run.keepSession && f.SessionID != "" {
			a.sessions.Store(run.chat, f.SessionID)
		}
	case container.FrameResult:
		a.queue.NotifyLaneActive(run.chat, run.lane)
		text := a.router.Outbound(f.Text)
		if text == "" {
			return
		}
		ref, err := a.adapter.SendText(ctx, to, text, nil)
		if err != nil {
			a.log.Warn("reply.send_failed", logx.Chat(run.chat), logx.Err(err))
			return
		}
		res.add(text)
		a.storeOutbound(ctx, run.chat, ref, text)
	case container.FrameIdle:
		if run.lane == groupqueue.LaneTask {
			// Task workers do one turn and exit.
			if err := w.CloseInput(); err != nil {
				a.log.Debug("worker.close_failed", logx.String("worker", w.Name()), logx.Err(err))
			}
			return
		}
		a.queue.NotifyLaneIdle(run.chat, run.lane)
	case container.FrameError:
		res.fail(errors.New(f.Text))
		a.log.Warn("worker.agent_error", logx.Chat(run.chat), logx.String("worker", w.Name()), logx.String("text", f.Text))
	}
}

// storeOutbound records a reply in the chat history. Bot messages never count
// as pending input.
func (a *App) storeOutbound(ctx context.Context, chat string, ref kit.MessageRef, text string) {
	_, err := a.store.StoreMessage(ctx, storage.Message{
		ChatID:  chat,
		ID:      outboundID(ref),
		Sender:  "bot",
		Content: text,
		FromMe:  true,
	})
	if err != nil {
		a.log.Debug("reply.store_failed", logx.Chat(chat), logx.Err(err))
	}
}

func outboundID(ref kit.MessageRef) string {
	if ref.MessageID != 0 {
		return "out-" + strconv.Itoa(ref.MessageID)
	}
	return "out-" + uuid.NewString()
}

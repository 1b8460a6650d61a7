package groupqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"microclaw/internal/eventbus"
	logx "microclaw/pkg/logx"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
	quiet   = 50 * time.Millisecond
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	q := New(cfg, logx.Nop(), eventbus.New(), WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q, clk
}

type fakeProc struct {
	mu      sync.Mutex
	sent    []string
	closed  int
	killed  int
	sendErr error
}

func (p *fakeProc) SendInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakeProc) CloseInput() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Kill(context.Context) error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProc) sentTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// inputOnly has no Kill method.
type inputOnly struct{}

func (inputOnly) SendInput(string) error { return nil }
func (inputOnly) CloseInput() error      { return nil }

var errBoom = errors.New("boom")

// gates hands out one blocking channel per group.
type gates struct {
	mu      sync.Mutex
	ch      map[string]chan struct{}
	started []string
}

func newGates() *gates { return &gates{ch: map[string]chan struct{}{}} }

func (g *gates) gate(key string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.ch[key]
	if c == nil {
		c = make(chan struct{})
		g.ch[key] = c
	}
	return c
}

func (g *gates) open(key string) { close(g.gate(key)) }

func (g *gates) markStarted(key string) {
	g.mu.Lock()
	g.started = append(g.started, key)
	g.mu.Unlock()
}

func (g *gates) startedKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func (g *gates) messageFn() MessageFunc {
	return func(ctx context.Context, group string) (bool, error) {
		g.markStarted(group)
		<-g.gate(group)
		return true, nil
	}
}

func stateOf(q *Queue, group string) WorkerState {
	st, ok := q.WorkerState(group)
	if !ok {
		return -1
	}
	return st
}

func groupSnap(q *Queue, group string) (GroupSnapshot, bool) {
	for _, g := range q.Snapshot().Groups {
		if g.Group == group {
			return g, true
		}
	}
	return GroupSnapshot{}, false
}

func requireState(t *testing.T, q *Queue, group string, want WorkerState) {
	t.Helper()
	require.Eventually(t, func() bool { return stateOf(q, group) == want }, waitFor, tick,
		"worker %s never reached %s (now %s)", group, want, stateOf(q, group))
}

func laneStateOf(q *Queue, group string, l Lane) WorkerState {
	st, ok := q.LaneWorkerState(group, l)
	if !ok {
		return -1
	}
	return st
}

func requireLaneState(t *testing.T, q *Queue, group string, l Lane, want WorkerState) {
	t.Helper()
	require.Eventually(t, func() bool { return laneStateOf(q, group, l) == want }, waitFor, tick,
		"%s worker of %s never reached %s (now %s)", l, group, want, laneStateOf(q, group, l))
}

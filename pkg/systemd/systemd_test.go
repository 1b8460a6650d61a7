package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "microclaw/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(rec *recorder, every time.Duration, err error) *Notifier {
	return &Notifier{
		log:      logx.Nop(),
		notify:   rec.notify,
		interval: func() (time.Duration, error) { return every, err },
	}
}

func TestLifecycleStates(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 0, nil)
	n.Ready()
	n.Status("2 workers")
	n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=2 workers", "STOPPING=1"}, rec.states)
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx, func() bool { return true })
	}()

	require.Eventually(t, func() bool { return rec.count("WATCHDOG=1") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestWatchdogHoldsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx, func() bool { return false })
	assert.Zero(t, rec.count("WATCHDOG=1"))
}

func TestWatchdogDisabled(t *testing.T) {
	for _, tc := range []struct {
		name  string
		every time.Duration
		err   error
	}{
		{"not configured", 0, nil},
		{"bad env", 0, errors.New("bad WATCHDOG_USEC")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			done := make(chan struct{})
			go func() {
				defer close(done)
				newTestNotifier(rec, tc.every, tc.err).Watchdog(context.Background(), nil)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("watchdog should return when disabled")
			}
			assert.Empty(t, rec.states)
		})
	}
}

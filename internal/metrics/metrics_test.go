package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microclaw/internal/container"
	"microclaw/internal/eventbus"
	"microclaw/internal/groupqueue"
	"microclaw/internal/runtime/supervisor"
	"microclaw/internal/task/scheduler"
	logx "microclaw/pkg/logx"
)

func queueEvent(typ string, d groupqueue.EventData) eventbus.Event {
	return eventbus.Event{Type: typ, Data: d}
}

func TestObserveQueueEvents(t *testing.T) {
	t.Parallel()
	c := NewCollector(Sources{}, logx.Nop())

	c.Observe(queueEvent(groupqueue.EventAdmitted, groupqueue.EventData{Lane: groupqueue.LaneMessage}))
	c.Observe(queueEvent(groupqueue.EventAdmitted, groupqueue.EventData{Lane: groupqueue.LaneTask}))
	c.Observe(queueEvent(groupqueue.EventAdmitted, groupqueue.EventData{Lane: groupqueue.LaneTask}))
	c.Observe(queueEvent(groupqueue.EventCompleted, groupqueue.EventData{Lane: groupqueue.LaneMessage, Success: false}))
	c.Observe(queueEvent(groupqueue.EventRetryScheduled, groupqueue.EventData{Attempt: 1}))
	c.Observe(queueEvent(groupqueue.EventTaskFailed, groupqueue.EventData{Err: errors.New("x")}))
	c.Observe(queueEvent(groupqueue.EventWorkerStopping, groupqueue.EventData{Reason: groupqueue.StopPressure}))
	c.Observe(eventbus.Event{Type: scheduler.EventTaskFinished, Data: scheduler.EventData{Success: true}})
	c.Observe(eventbus.Event{Type: "unrelated", Data: 42})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.admitted.WithLabelValues("message")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.admitted.WithLabelValues("task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completed.WithLabelValues("message", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerStops.WithLabelValues("queue_pressure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduled.WithLabelValues("ok")))
}

func TestSnapshotGauges(t *testing.T) {
	t.Parallel()
	snap := groupqueue.Snapshot{
		SlotsHeld: 2,
		MaxSlots:  3,
		Waiting: []groupqueue.WaitingLane{
			{Group: "a", Lane: "message"},
			{Group: "a", Lane: "task"},
			{Group: "b", Lane: "message"},
		},
		Groups: []groupqueue.GroupSnapshot{
			{Group: "a", Workers: []groupqueue.WorkerSnapshot{{State: "idle"}}},
			{Group: "c", Workers: []groupqueue.WorkerSnapshot{{State: "evictable"}, {Lane: "task", State: "active"}}},
			{Group: "d"},
		},
	}
	c := NewCollector(Sources{
		Queue:      func() groupqueue.Snapshot { return snap },
		Containers: func() container.Stats { return container.Stats{Running: 2, Started: 5, Failed: 1} },
		BusDropped: func() uint64 { return 7 },
	}, logx.Nop())

	expected := `
# HELP microclaw_queue_slots_held Slots currently held by running units.
# TYPE microclaw_queue_slots_held gauge
microclaw_queue_slots_held 2
# HELP microclaw_queue_waiting Lanes on the waiting list, by lane.
# TYPE microclaw_queue_waiting gauge
microclaw_queue_waiting{lane="message"} 2
microclaw_queue_waiting{lane="task"} 1
# HELP microclaw_queue_waiting_groups Distinct groups with a lane on the waiting list.
# TYPE microclaw_queue_waiting_groups gauge
microclaw_queue_waiting_groups 2
# HELP microclaw_workers Registered workers, by lifecycle state.
# TYPE microclaw_workers gauge
microclaw_workers{state="active"} 1
microclaw_workers{state="evictable"} 1
microclaw_workers{state="idle"} 1
microclaw_workers{state="stopping"} 0
# HELP microclaw_containers_running Agent containers currently running.
# TYPE microclaw_containers_running gauge
microclaw_containers_running 2
# HELP microclaw_bus_dropped_total Events dropped because a subscriber was full.
# TYPE microclaw_bus_dropped_total counter
microclaw_bus_dropped_total 7
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"microclaw_queue_slots_held",
		"microclaw_queue_waiting",
		"microclaw_queue_waiting_groups",
		"microclaw_workers",
		"microclaw_containers_running",
		"microclaw_bus_dropped_total",
	))
}

func TestSupervisorGauges(t *testing.T) {
	t.Parallel()
	c := NewCollector(Sources{
		Supervisor: func() supervisor.Snapshot {
			return supervisor.Snapshot{Goroutines: []supervisor.Stats{
				{Name: "metrics.http", Active: 1, Restarts: 3},
				{Name: "queue.message", Active: 2, Panics: 1},
			}}
		},
	}, logx.Nop())

	expected := `
# HELP microclaw_supervised_goroutines Supervised goroutines currently running, by name.
# TYPE microclaw_supervised_goroutines gauge
microclaw_supervised_goroutines{name="metrics.http"} 1
microclaw_supervised_goroutines{name="queue.message"} 2
# HELP microclaw_supervised_restarts_total Restarts of supervised goroutines, by name.
# TYPE microclaw_supervised_restarts_total counter
microclaw_supervised_restarts_total{name="metrics.http"} 3
microclaw_supervised_restarts_total{name="queue.message"} 0
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"microclaw_supervised_goroutines",
		"microclaw_supervised_restarts_total",
	))
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := NewCollector(Sources{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(queueEvent(groupqueue.EventDeferred, groupqueue.EventData{Lane: groupqueue.LaneMessage}))
		return testutil.ToFloat64(c.deferred.WithLabelValues("message")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlerAndServer(t *testing.T) {
	t.Parallel()
	c := NewCollector(Sources{}, logx.Nop())
	c.Observe(queueEvent(groupqueue.EventRetryExhausted, groupqueue.EventData{}))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "microclaw_queue_retries_exhausted_total 1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), "", c, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "microclaw_queue_retries_exhausted_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestPprofRoutesAreOptIn(t *testing.T) {
	t.Parallel()
	c := NewCollector(Sources{}, logx.Nop())

	plain := NewServer("127.0.0.1:0", "", c, logx.Nop())
	rec := httptest.NewRecorder()
	plain.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	withPprof := NewServer("127.0.0.1:0", "", c, logx.Nop(), WithPprof())
	rec = httptest.NewRecorder()
	withPprof.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

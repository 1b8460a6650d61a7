// Package metrics exposes queue, worker and scheduler activity to Prometheus.
//
// Counters are driven by bus events; gauges are read from snapshots at
// scrape time so they never drift from the queue's own state.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microclaw/internal/container"
	"microclaw/internal/eventbus"
	"microclaw/internal/groupqueue"
	"microclaw/internal/runtime/supervisor"
	"microclaw/internal/task/scheduler"
	logx "microclaw/pkg/logx"
)

const namespace = "microclaw"

// Collector owns a private registry with every microclaw metric.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	admitted       *prometheus.CounterVec
	deferred       *prometheus.CounterVec
	completed      *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	retries        prometheus.Counter
	retryExhausted prometheus.Counter
	taskFailures   prometheus.Counter
	taskDuplicates prometheus.Counter
	workerStops    *prometheus.CounterVec
	workerIdle     prometheus.Counter
	scheduled      *prometheus.CounterVec
}

// Sources are read at scrape time. Nil sources are skipped.
type Sources struct {
	Queue      func() groupqueue.Snapshot
	Containers func() container.Stats
	BusDropped func() uint64
	Supervisor func() supervisor.Snapshot
}

func NewCollector(src Sources, log logx.Logger) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log,
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "admitted_total",
			Help: "Units admitted to a slot, by lane.",
		}, []string{"lane"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "deferred_total",
			Help: "Units parked on the waiting list because no slot was free, by lane.",
		}, []string{"lane"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "completed_total",
			Help: "Units that finished, by lane and result.",
		}, []string{"lane", "result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rejected_total",
			Help: "Enqueues refused during shutdown, by lane.",
		}, []string{"lane"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retries_scheduled_total",
			Help: "Message retries scheduled after a failed run.",
		}),
		retryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retries_exhausted_total",
			Help: "Message groups that gave up after the retry limit.",
		}),
		taskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_failures_total",
			Help: "Task units that returned an error.",
		}),
		taskDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_duplicates_total",
			Help: "Task enqueues dropped because the id was already queued or running.",
		}),
		workerStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "stops_total",
			Help: "Worker stop requests, by reason.",
		}, []string{"reason"}),
		workerIdle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "idle_total",
			Help: "Worker turns that ended with the worker waiting for input.",
		}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "runs_total",
			Help: "Scheduled task runs, by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		c.admitted, c.deferred, c.completed, c.rejected,
		c.retries, c.retryExhausted, c.taskFailures, c.taskDuplicates,
		c.workerStops, c.workerIdle, c.scheduled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src.Queue != nil {
		c.reg.MustRegister(&queueCollector{snapshot: src.Queue})
	}
	if src.Containers != nil {
		c.reg.MustRegister(&containerCollector{stats: src.Containers})
	}
	if src.Supervisor != nil {
		c.reg.MustRegister(&supervisorCollector{snapshot: src.Supervisor})
	}
	if src.BusDropped != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Observe updates counters for one bus event. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case groupqueue.EventData:
		c.observeQueue(e.Type, d)
	case scheduler.EventData:
		if e.Type == scheduler.EventTaskFinished {
			c.scheduled.WithLabelValues(result(d.Success)).Inc()
		}
	}
}

func (c *Collector) observeQueue(typ string, d groupqueue.EventData) {
	lane := d.Lane.String()
	switch typ {
	case groupqueue.EventAdmitted:
		c.admitted.WithLabelValues(lane).Inc()
	case groupqueue.EventDeferred:
		c.deferred.WithLabelValues(lane).Inc()
	case groupqueue.EventCompleted:
		c.completed.WithLabelValues(lane, result(d.Success)).Inc()
	case groupqueue.EventRejected:
		c.rejected.WithLabelValues(lane).Inc()
	case groupqueue.EventRetryScheduled:
		c.retries.Inc()
	case groupqueue.EventRetryExhausted:
		c.retryExhausted.Inc()
	case groupqueue.EventTaskFailed:
		c.taskFailures.Inc()
	case groupqueue.EventTaskDuplicate:
		c.taskDuplicates.Inc()
	case groupqueue.EventWorkerStopping:
		c.workerStops.WithLabelValues(d.Reason).Inc()
	case groupqueue.EventWorkerIdle:
		c.workerIdle.Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Run feeds bus events into the collector until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(1024, "queue.", "worker.", "task.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"microclaw/internal/container"
	"microclaw/internal/groupqueue"
	"microclaw/internal/runtime/supervisor"
)

var (
	slotsHeldDesc = prometheus.NewDesc(namespace+"_queue_slots_held",
		"Slots currently held by running units.", nil, nil)
	slotsMaxDesc = prometheus.NewDesc(namespace+"_queue_slots_max",
		"Configured global slot limit.", nil, nil)
	taskSlotsHeldDesc = prometheus.NewDesc(namespace+"_queue_task_slots_held",
		"Slots currently held by task units.", nil, nil)
	waitingDesc = prometheus.NewDesc(namespace+"_queue_waiting",
		"Lanes on the waiting list, by lane.", []string{"lane"}, nil)
	waitingGroupsDesc = prometheus.NewDesc(namespace+"_queue_waiting_groups",
		"Distinct groups with a lane on the waiting list.", nil, nil)
	groupsDesc = prometheus.NewDesc(namespace+"_queue_groups",
		"Groups with live queue state.", nil, nil)
	workersDesc = prometheus.NewDesc(namespace+"_workers",
		"Registered workers, by lifecycle state.", []string{"state"}, nil)
	shuttingDownDesc = prometheus.NewDesc(namespace+"_queue_shutting_down",
		"1 once shutdown has begun.", nil, nil)

	containersRunningDesc = prometheus.NewDesc(namespace+"_containers_running",
		"Agent containers currently running.", nil, nil)
	containersStartedDesc = prometheus.NewDesc(namespace+"_containers_started_total",
		"Agent containers started.", nil, nil)
	containersFailedDesc = prometheus.NewDesc(namespace+"_containers_failed_total",
		"Agent container spawns that failed.", nil, nil)
	breakerOpenDesc = prometheus.NewDesc(namespace+"_containers_breaker_open_seconds",
		"Remaining time the spawn circuit stays open.", nil, nil)

	goroutinesDesc = prometheus.NewDesc(namespace+"_supervised_goroutines",
		"Supervised goroutines currently running, by name.", []string{"name"}, nil)
	restartsDesc = prometheus.NewDesc(namespace+"_supervised_restarts_total",
		"Restarts of supervised goroutines, by name.", []string{"name"}, nil)
	panicsDesc = prometheus.NewDesc(namespace+"_supervised_panics_total",
		"Recovered panics in supervised goroutines, by name.", []string{"name"}, nil)
)

type queueCollector struct {
	snapshot func() groupqueue.Snapshot
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- slotsHeldDesc
	ch <- slotsMaxDesc
	ch <- taskSlotsHeldDesc
	ch <- waitingDesc
	ch <- waitingGroupsDesc
	ch <- groupsDesc
	ch <- workersDesc
	ch <- shuttingDownDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(slotsHeldDesc, float64(s.SlotsHeld))
	gauge(slotsMaxDesc, float64(s.MaxSlots))
	gauge(taskSlotsHeldDesc, float64(s.TaskSlotsHeld))

	lanes := map[string]int{groupqueue.LaneMessage.String(): 0, groupqueue.LaneTask.String(): 0}
	groups := map[string]struct{}{}
	for _, w := range s.Waiting {
		lanes[w.Lane]++
		groups[w.Group] = struct{}{}
	}
	for lane, n := range lanes {
		gauge(waitingDesc, float64(n), lane)
	}
	gauge(waitingGroupsDesc, float64(len(groups)))
	gauge(groupsDesc, float64(len(s.Groups)))

	states := map[string]int{}
	for _, st := range []groupqueue.WorkerState{groupqueue.WorkerActive, groupqueue.WorkerIdle, groupqueue.WorkerEvictable, groupqueue.WorkerStopping} {
		states[st.String()] = 0
	}
	for _, g := range s.Groups {
		for _, w := range g.Workers {
			states[w.State]++
		}
	}
	for st, n := range states {
		gauge(workersDesc, float64(n), st)
	}
	shutting := 0.0
	if s.ShuttingDown {
		shutting = 1
	}
	gauge(shuttingDownDesc, shutting)
}

type containerCollector struct {
	stats func() container.Stats
}

func (c *containerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- containersRunningDesc
	ch <- containersStartedDesc
	ch <- containersFailedDesc
	ch <- breakerOpenDesc
}

func (c *containerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(containersRunningDesc, prometheus.GaugeValue, float64(s.Running))
	ch <- prometheus.MustNewConstMetric(containersStartedDesc, prometheus.CounterValue, float64(s.Started))
	ch <- prometheus.MustNewConstMetric(containersFailedDesc, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(breakerOpenDesc, prometheus.GaugeValue, s.BreakerOpenFor.Seconds())
}

type supervisorCollector struct {
	snapshot func() supervisor.Snapshot
}

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- goroutinesDesc
	ch <- restartsDesc
	ch <- panicsDesc
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, g := range c.snapshot().Goroutines {
		ch <- prometheus.MustNewConstMetric(goroutinesDesc, prometheus.GaugeValue, float64(g.Active), g.Name)
		ch <- prometheus.MustNewConstMetric(restartsDesc, prometheus.CounterValue, float64(g.Restarts), g.Name)
		ch <- prometheus.MustNewConstMetric(panicsDesc, prometheus.CounterValue, float64(g.Panics), g.Name)
	}
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"microclaw/internal/adapters/telegram"
	"microclaw/internal/config"
	"microclaw/internal/container"
	"microclaw/internal/eventbus"
	"microclaw/internal/groupqueue"
	"microclaw/internal/metrics"
	"microclaw/internal/router"
	"microclaw/internal/runtime/supervisor"
	"microclaw/internal/storage"
	"microclaw/internal/task/scheduler"
	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

// App wires the transport, the group queue, agent workers and the task
// scheduler into one running orchestrator.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	adapter  kit.Adapter
	router   *router.Router
	runner   *container.Runner
	launcher Launcher

	queue   *groupqueue.Queue
	sched   *scheduler.Service
	metrics *metrics.Collector

	// workCtx is handed to queue units. It outlives the supervisor context so
	// in-flight work can drain during shutdown.
	workCtx    context.Context
	workCancel context.CancelFunc

	sessions sync.Map // chat id -> agent session id
	known    sync.Map // chat ids already registered in storage

	updates  chan kit.Update
	stopOnce sync.Once
}

type options struct {
	adapter  kit.Adapter
	launcher Launcher
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter.
func WithAdapter(ad kit.Adapter) Option {
	return func(o *options) { o.adapter = ad }
}

// WithLauncher replaces the container runner used to start workers.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		bootLog := logx.NewConsole("INFO").With(logx.Component("telegram"))
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.PollTimeout(),
			RatePerSec:  cfg.Telegram.RatePerSec,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	var alerts logx.AlertSender
	if s, ok := ad.(logx.AlertSender); ok {
		alerts = s
	}
	logSvc, root := logx.New(cfg.LoggingSettings(), alerts)
	log := root.With(logx.Component("app"))
	cfgm.SetLogger(root.With(logx.Component("config")))

	store, err := storage.Open(context.Background(), storage.Config{
		Path:        cfg.StoragePath(),
		BusyTimeout: cfg.BusyTimeout(),
	}, root.With(logx.Component("storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	rt, err := router.New(cfg.RouterSettings())
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		adapter:  ad,
		router:   rt,
		launcher: o.launcher,
		updates:  make(chan kit.Update, 256),
	}
	if a.launcher == nil {
		ccfg, err := cfg.ContainerSettings()
		if err == nil {
			a.runner, err = container.New(ccfg, root.With(logx.Component("container")))
		}
		if err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, err
		}
		a.launcher = containerLauncher{r: a.runner}
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Queue exposes the group queue for diagnostics.
func (a *App) Queue() *groupqueue.Queue { return a.queue }

// Scheduler exposes the task scheduler.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	cfg := a.cfgm.Get()
	qcfg, err := cfg.QueueSettings()
	if err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.workCtx, a.workCancel = context.WithCancel(context.WithoutCancel(ctx))

	a.queue = groupqueue.New(qcfg, a.log.With(logx.Component("queue")), a.bus,
		groupqueue.WithContext(a.workCtx),
		groupqueue.WithSpawner(a.sup),
	)
	a.queue.SetRunner(a)

	a.sched = scheduler.New(cfg.SchedulerSettings(), a.store, a.queue, a,
		a.log.With(logx.Component("scheduler")), a.bus,
		scheduler.WithSpawner(a.sup),
	)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		a.workCancel()
		return err
	}
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.menuCommands()); err != nil {
				a.log.Warn("telegram.menu_failed", logx.Err(err))
			}
		})
	}

	if cfg.Metrics.Enabled {
		a.startMetrics(cfg.Metrics)
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.recoverPending(a.sup.Context())

	a.sup.Go("updates.dispatch", a.dispatchLoop)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app.started",
		logx.Int("max_slots", qcfg.MaxConcurrentSlots),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

func (a *App) startMetrics(mc config.MetricsConfig) {
	src := metrics.Sources{
		Queue:      a.queue.Snapshot,
		BusDropped: a.bus.Dropped,
		Supervisor: a.sup.Snapshot,
	}
	if a.runner != nil {
		src.Containers = a.runner.Stats
	}
	a.metrics = metrics.NewCollector(src, a.log.With(logx.Component("metrics")))
	a.sup.Go("metrics.collect", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	var opts []metrics.ServerOption
	if mc.Pprof {
		opts = append(opts, metrics.WithPprof())
	}
	srv := metrics.NewServer(mc.Addr, mc.Path, a.metrics, a.log.With(logx.Component("metrics")), opts...)
	a.sup.GoRestart("metrics.http", srv.Serve,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithPublishFirstError(false),
	)
}

// recoverPending re-queues chats that still hold unprocessed messages from a
// previous run.
func (a *App) recoverPending(ctx context.Context) {
	chats, err := a.store.PendingChats(ctx)
	if err != nil {
		a.log.Warn("recovery.failed", logx.Err(err))
		return
	}
	n := 0
	for _, chat := range chats {
		if !a.router.Allowed(chat) {
			continue
		}
		if a.queue.EnqueueMessageCheck(chat) {
			n++
		}
	}
	if n > 0 {
		a.log.Info("recovery.enqueued", logx.Int("chats", n))
	}
}

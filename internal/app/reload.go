package app

import (
	"context"
	"strings"

	"microclaw/internal/config"
	logx "microclaw/pkg/logx"
)

// reloadLoop fans validated config updates out to the live components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config.no_changes")
		return
	}
	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config.restart_required", logx.String("section", s))
	}

	a.logs.Apply(newCfg.LoggingSettings())

	if qcfg, err := newCfg.QueueSettings(); err != nil {
		a.log.Warn("config.queue_invalid", logx.Err(err))
	} else {
		a.queue.Apply(qcfg)
	}

	if err := a.router.Apply(newCfg.RouterSettings()); err != nil {
		a.log.Warn("config.router_invalid", logx.Err(err))
	} else {
		// Folder and trigger policy may have changed.
		a.known.Clear()
	}

	if a.runner != nil {
		ccfg, err := newCfg.ContainerSettings()
		if err == nil {
			err = a.runner.Apply(ccfg)
		}
		if err != nil {
			a.log.Warn("config.container_invalid", logx.Err(err))
		}
	}

	a.sched.Apply(ctx, newCfg.SchedulerSettings())

	if rs, ok := a.adapter.(interface{ SetRate(int) }); ok {
		rs.SetRate(newCfg.Telegram.RatePerSec)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.applied", fields...)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "microclaw/pkg/logx"
)

// killGrace bounds how long workers get to exit after the work context is
// canceled at the end of a timed-out drain.
const killGrace = 15 * time.Second

// Stop shuts the app down: intake first, then the queue drain, then the
// components the drain depends on. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so intake loops start unwinding immediately.
	// Queue units keep running on workCtx.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop.step_begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop.step_failed", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop.step_end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop.step_end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop.step_deadline",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop.step_finished_late", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	cfg := a.cfgm.Get()

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", cfg.ShutdownTimeout(), func(c context.Context) error {
		err := a.queue.Shutdown(c)
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("queue.force_stop", logx.Duration("timeout", cfg.ShutdownTimeout()))
		}
		return err
	})
	// Anything still running after the drain is killed through its context.
	a.workCancel()
	step("workers", killGrace, func(c context.Context) error { return a.queue.Shutdown(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("app.stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		a.logs.Close()
	}
	return errors.Join(errs...)
}

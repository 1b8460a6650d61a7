package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "microclaw/pkg/logx"
)

// Notifier reports service state to systemd over NOTIFY_SOCKET. Outside a
// systemd unit every call is a no-op.
type Notifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	return &Notifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("systemd.notify_failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd.notified", logx.String("state", state))
	}
}

// Watchdog pings systemd at half the unit's WatchdogSec while healthy reports
// true. It returns at once when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	every, err := n.interval()
	if err != nil {
		n.log.Warn("systemd.watchdog_invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd.watchdog", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("systemd.watchdog_skipped")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

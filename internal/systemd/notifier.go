// Package systemd reports service readiness and liveness to the service
// manager over the notify socket.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/hwencode/internal/logging"
)

// Notifier sends sd_notify messages. Outside a systemd unit with
// Type=notify every call is a no-op.
type Notifier struct {
	logger logging.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

// NewNotifier creates a notifier. A nil logger uses the "systemd" module.
func NewNotifier(logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.GetLogger("systemd")
	}
	return &Notifier{
		logger: logger,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// Ready tells systemd startup finished.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown began.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) {
	n.send("STATUS=" + msg)
}

// RunWatchdog pings the watchdog at half its interval until ctx ends. A ping
// is skipped whenever check fails, so a stalled encoder gets the unit
// restarted. It returns immediately when the watchdog is disabled.
func (n *Notifier) RunWatchdog(ctx context.Context, check func() error) {
	interval, err := n.watchdog()
	if err != nil {
		n.logger.Warn("Failed to read watchdog settings", "error", err)
		return
	}
	if interval <= 0 {
		return
	}
	n.logger.Info("Watchdog enabled", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if check != nil {
				if err := check(); err != nil {
					n.logger.Warn("Health check failed, withholding watchdog ping", "error", err)
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("Notified systemd", "state", state)
	}
}

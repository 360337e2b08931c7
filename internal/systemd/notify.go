// Package systemd reports supervisor state to the service manager when
// procvisor runs as a Type=notify unit.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. Without NOTIFY_SOCKET every call is a
// no-op.
type Notifier struct {
	send func(state string) (bool, error)
}

// NewNotifier returns a notifier bound to NOTIFY_SOCKET.
func NewNotifier() *Notifier {
	return &Notifier{send: func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}}
}

// Ready reports that startup has finished.
func (n *Notifier) Ready() error {
	return n.notify(daemon.SdNotifyReady)
}

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) error {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the watchdog.
func (n *Notifier) Watchdog() error {
	return n.notify(daemon.SdNotifyWatchdog)
}

// WatchdogInterval returns half the unit's WatchdogSec, the recommended
// ping period, or zero when the watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func (n *Notifier) notify(state string) error {
	if n == nil || n.send == nil {
		return nil
	}
	if _, err := n.send(state); err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return nil
}

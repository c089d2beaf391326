// Package sdnotify reports service state to systemd (Type=notify units).
// Every call is a no-op when the process was not started by systemd.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is usable.
type Notifier struct {
	// send is swapped in tests.
	send func(state string) (bool, error)
}

func New() *Notifier {
	return &Notifier{send: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
}

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil {
		return false, nil
	}
	if n.send == nil {
		return daemon.SdNotify(false, state)
	}
	return n.send(state)
}

// Ready tells systemd start-up finished.
func (n *Notifier) Ready() error {
	_, err := n.notify(daemon.SdNotifyReady)
	return err
}

// Stopping tells systemd shutdown began.
func (n *Notifier) Stopping() error {
	_, err := n.notify(daemon.SdNotifyStopping)
	return err
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) error {
	_, err := n.notify("STATUS=" + fmt.Sprintf(format, args...))
	return err
}

// WatchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval while alive reports true. It returns
// when ctx is done. interval <= 0 returns immediately.
func (n *Notifier) Watchdog(ctx context.Context, interval time.Duration, alive func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("sd_notify watchdog: %w", err)
			}
		}
	}
}

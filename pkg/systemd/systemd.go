// Package systemd reports service state to the service manager through
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup is complete (Type=notify units).
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by `systemctl status`.
func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// WatchdogInterval returns the configured WatchdogSec, or 0 when the unit
// has no watchdog.
func WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. healthy is consulted before every ping; a false answer skips it so
// systemd restarts a stuck process.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := WatchdogInterval()
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

// Package systemd integrates with socket activation and sd_notify.
package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Metrics   net.Listener
	Admin     net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Names come from FileDescriptorName= in ktime.socket
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}
	if lns, ok := named["admin"]; ok && len(lns) > 0 {
		listeners.Admin = lns[0]
	}

	return listeners, nil
}

// NotifyReady tells systemd that the service has finished starting up.
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping tells systemd that the service is shutting down.
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyWatchdog should be called periodically to prevent watchdog timeout.
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// NotifyReloading is sent before re-reading the rules on SIGHUP.
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// WatchdogInterval returns how often NotifyWatchdog should be called, or 0
// when the unit has no watchdog configured.
func WatchdogInterval() time.Duration {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return 0
	}
	return interval / 2
}

func notify(state string) error {
	// sent is false outside systemd, which is not an error
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %q: %w", state, err)
	}
	return nil
}

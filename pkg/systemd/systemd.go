// Package systemd reports process lifecycle to systemd via sd_notify.
// Outside a systemd unit (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the service finished starting up.
// Returns false when not running under systemd.
func NotifyReady() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd a shutdown has begun.
func NotifyStopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

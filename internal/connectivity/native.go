package connectivity

import (
	"context"
	"net"
	"time"
)

// InterfacesUp reports whether any non-loopback interface is up and has an
// address. It is a cheap hint, not proof that the backend is reachable.
func InterfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// WatchNative polls up() every interval and forwards changes to
// m.NotifyNative until ctx is done.
func WatchNative(ctx context.Context, m *Monitor, interval time.Duration, up func() bool) {
	if up == nil {
		up = InterfacesUp
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := up()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := up()
			if now != last {
				m.NotifyNative(now)
				last = now
			}
		}
	}
}

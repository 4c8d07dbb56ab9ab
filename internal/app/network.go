package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"fieldsync/internal/fieldsync"
)

const networkPollInterval = 5 * time.Second

// linkWatcher turns changes in the host's network interfaces into
// NetworkChanged notifications. The first observation only sets the baseline.
type linkWatcher struct {
	up   func() (bool, error)
	conn *fieldsync.ConnectionManager

	known bool
	last  bool
}

func (w *linkWatcher) poll(ctx context.Context) error {
	up, err := w.up()
	if err != nil {
		return fmt.Errorf("reading network interfaces: %w", err)
	}
	if !w.known {
		w.known, w.last = true, up
		return nil
	}
	if up == w.last {
		return nil
	}
	w.last = up
	w.conn.NetworkChanged(ctx, up)
	return nil
}

// interfacesUp reports whether any non-loopback interface is up with an address.
func interfacesUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

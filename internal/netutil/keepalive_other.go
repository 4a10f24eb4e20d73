//go:build !linux && !darwin && !freebsd

package netutil

import (
	"net"
	"time"
)

// setSockoptKeepAlive falls back to the portable stdlib knobs on
// platforms x/sys/unix doesn't cover here (e.g. windows): SO_KEEPALIVE
// itself still gets set, just without the fine-grained interval
// tuning the unix build offers.
func setSockoptKeepAlive(conn *net.TCPConn, enabled bool) error {
	if err := conn.SetKeepAlive(enabled); err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return conn.SetKeepAlivePeriod(KeepAlivePeriod * time.Second)
}

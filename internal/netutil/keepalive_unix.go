//go:build linux || darwin || freebsd

package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setSockoptKeepAlive sets SO_KEEPALIVE and the platform keep-alive
// interval directly through the raw socket, the way
// Daedaluz-goserial/ProbeChain-go-probe/seedhammer-seedhammer reach
// into x/sys/unix for socket options the net package doesn't expose a
// portable setter for (the interval knob here).
func setSockoptKeepAlive(conn *net.TCPConn, enabled bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("netutil: SyscallConn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		on := 0
		if enabled {
			on = 1
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
		if sockErr != nil || !enabled {
			return
		}
		sockErr = setKeepAliveInterval(int(fd), KeepAlivePeriod)
	})
	if err != nil {
		return fmt.Errorf("netutil: raw.Control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("netutil: setsockopt SO_KEEPALIVE: %w", sockErr)
	}
	return nil
}

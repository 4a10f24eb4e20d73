// Package netutil maps the VISA TCPIP_KEEPALIVE attribute onto
// SO_KEEPALIVE on the underlying socket, shared by every Ethernet
// sub-protocol (spec.md §4.8, scenario S6).
package netutil

import (
	"fmt"
	"net"
)

// KeepAlivePeriod is how often a keep-alive probe is sent once
// enabled — short enough to surface a dead peer well within a typical
// VISA io_timeout window.
const KeepAlivePeriod = 30

// SetKeepAlive enables or disables SO_KEEPALIVE on conn if it is a
// *net.TCPConn. Non-TCP connections (e.g. an already-multiplexed test
// fake) return an error rather than silently doing nothing, so a
// caller mistakenly wiring keep-alive to a transport that can't honor
// it finds out immediately.
func SetKeepAlive(conn net.Conn, enabled bool) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("netutil: connection does not support SO_KEEPALIVE: %T", conn)
	}
	return setSockoptKeepAlive(tcpConn, enabled)
}

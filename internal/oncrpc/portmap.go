package oncrpc

import (
	"fmt"
	"time"

	"visa/internal/xdr"
)

const (
	// PortmapProgram and PortmapVersion identify the portmapper
	// itself (spec.md §4.2).
	PortmapProgram = 100000
	PortmapVersion = 2
	procGetPort    = 3

	// IPProtoTCP and IPProtoUDP are the protocol numbers portmap's
	// GetPort expects, not the OS's own constants — the portmap wire
	// protocol fixes these values.
	IPProtoTCP = 6
	IPProtoUDP = 17
)

// GetPort asks the portmapper listening on addr for the port number
// registered for (program, version, protocol) — spec.md §4.2:
// "portmap_getport(program, version, protocol) is an RPC to program
// 100000, version 2, procedure 3." A zero return with no error means
// "not registered," matching portmap's own wire convention.
func GetPort(addr string, deadline time.Time, program, version, protocol uint32) (uint16, error) {
	client, err := Dial("tcp", addr, dialTimeout(deadline))
	if err != nil {
		return 0, err
	}
	defer client.Close()

	var args []byte
	args = xdr.PutUint32(args, program)
	args = xdr.PutUint32(args, version)
	args = xdr.PutUint32(args, protocol)
	args = xdr.PutUint32(args, 0) // port field of the mapping struct is ignored on request

	reply, err := client.Call(deadline, PortmapProgram, PortmapVersion, procGetPort, args)
	if err != nil {
		return 0, fmt.Errorf("oncrpc: portmap GetPort(%d,%d,%d): %w", program, version, protocol, err)
	}

	port, _, err := xdr.GetUint32(reply)
	if err != nil {
		return 0, fmt.Errorf("oncrpc: malformed GetPort reply: %w", err)
	}
	return uint16(port), nil
}

// PortmapAddr is the well-known portmap port on host.
func PortmapAddr(host string) string {
	return fmt.Sprintf("%s:111", host)
}

func dialTimeout(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 10 * time.Second
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

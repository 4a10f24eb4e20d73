// Package discovery implements the two VXI-11/LXI instrument discovery
// methods spec.md §4.7 describes: a UDP broadcast to the portmapper
// asking who exports the VXI-11 core channel, and an mDNS service
// browse for HiSLIP/LXI. Neither is part of pkg/visa.Engine; both
// return candidate visa.ResourceID values a caller can then Open
// through the ordinary engines.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"visa/internal/oncrpc"
	"visa/internal/vxi11"
	"visa/internal/xdr"
	"visa/pkg/visa"
)

const (
	portmapPort = 111

	// vxi11CoreProgram/Version identify the VXI-11 device_core program
	// portmap is asked for (spec.md §4.7, same values as internal/vxi11).
	vxi11CoreProgram = 395183
	vxi11CoreVersion = 1

	broadcastReadBuf = 512
)

// VXI11Found is one responder to the portmap broadcast.
type VXI11Found struct {
	Host string
	Port uint16 // VXI-11 core channel port, from the portmap reply
	IDN  string // *IDN? response, populated only if queryIDN was requested
}

// DiscoverVXI11 broadcasts a portmap GETPORT(395183, 1, TCP) request to
// the IPv4 broadcast address of every interface gopsutil reports as
// "up" and collects replies for timeout. If interface enumeration
// fails or yields no address, it falls back to a single send to the
// limited broadcast address 255.255.255.255 (spec.md §4.7:
// "with psutil available, broadcast on every interface; otherwise only
// the default interface"). When queryIDN is set, each responder is
// opened as a VXI-11 link and asked *IDN?; a query failure is recorded
// as an empty IDN rather than dropping the responder.
func DiscoverVXI11(timeout time.Duration, queryIDN bool) ([]VXI11Found, error) {
	addrs := broadcastAddrs()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp: %w", err)
	}
	defer conn.Close()

	xid := uint32(1)
	var args []byte
	args = xdr.PutUint32(args, vxi11CoreProgram)
	args = xdr.PutUint32(args, vxi11CoreVersion)
	args = xdr.PutUint32(args, oncrpc.IPProtoTCP)
	args = xdr.PutUint32(args, 0)
	call := oncrpc.BuildCallMessage(xid, oncrpc.PortmapProgram, oncrpc.PortmapVersion, 3, args)

	for _, addr := range addrs {
		dst := &net.UDPAddr{IP: addr, Port: portmapPort}
		if _, err := conn.WriteToUDP(call, dst); err != nil {
			continue
		}
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: set read deadline: %w", err)
	}

	seen := make(map[string]bool)
	var found []VXI11Found
	buf := make([]byte, broadcastReadBuf)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // deadline exceeded; done collecting
		}
		gotXID, result, err := oncrpc.ParseReplyMessage(buf[:n])
		if err != nil || gotXID != xid {
			continue
		}
		port, _, err := xdr.GetUint32(result)
		if err != nil || port == 0 {
			continue // not registered on this host
		}
		host := from.IP.String()
		if seen[host] {
			continue
		}
		seen[host] = true
		found = append(found, VXI11Found{Host: host, Port: uint16(port)})
	}

	if queryIDN {
		for i := range found {
			found[i].IDN = queryIdentity(found[i].Host)
		}
	}

	return found, nil
}

// queryIdentity opens a VXI-11 link to host and sends *IDN?, returning
// the empty string on any failure rather than propagating it; discovery
// should still report the responder even if identification fails.
func queryIdentity(host string) string {
	e := vxi11.New()
	status, err := e.Open(visa.ResourceID{Host: host, LANDeviceName: "inst0"}, 3*time.Second)
	if err != nil || status != visa.StatusSuccess {
		return ""
	}
	defer e.Close()

	if _, _, err := e.Write([]byte("*IDN?\n"), true, 2*time.Second); err != nil {
		return ""
	}
	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 256, TermCharEnabled: true, TermChar: '\n', Deadline: time.Now().Add(2 * time.Second)})
	if err != nil || (status != visa.StatusSuccessTermChar && status != visa.StatusSuccessEnd) {
		return ""
	}
	return strings.TrimRight(string(msg.Data), "\r\n")
}

// broadcastAddrs returns one IPv4 broadcast address per interface
// gopsutil reports as up with an IPv4 address, falling back to the
// limited broadcast address if enumeration fails or finds nothing.
func broadcastAddrs() []net.IP {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return []net.IP{net.IPv4bcast}
	}

	var addrs []net.IP
	for _, iface := range ifaces {
		up := false
		for _, flag := range iface.Flags {
			if flag == "up" {
				up = true
			}
		}
		if !up {
			continue
		}
		for _, a := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(a.Addr)
			if err != nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			bcast := broadcastFor(ip4, ipnet.Mask)
			addrs = append(addrs, bcast)
		}
	}

	if len(addrs) == 0 {
		return []net.IP{net.IPv4bcast}
	}
	return addrs
}

// broadcastFor computes the directed broadcast address for ip/mask:
// every host bit set to 1.
func broadcastFor(ip net.IP, mask net.IPMask) net.IP {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}

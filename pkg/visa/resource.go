package visa

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Scheme identifies which VISA interface family a resource string
// addresses (spec.md §3).
type Scheme int

const (
	// SchemeUnknown is the zero value for a resource string that
	// failed to parse.
	SchemeUnknown Scheme = iota
	// SchemeTCPIPInstr addresses a VXI-11 or HiSLIP INSTR resource.
	SchemeTCPIPInstr
	// SchemeTCPIPSocket addresses a raw TCP SOCKET resource.
	SchemeTCPIPSocket
	// SchemeUSB addresses a USBTMC (INSTR) or USB-RAW resource.
	SchemeUSB
	// SchemeGPIB addresses a GPIB primary/secondary resource.
	SchemeGPIB
	// SchemeASRL addresses a serial-port resource.
	SchemeASRL
)

// IOProtocol distinguishes the wire protocol selected for a TCPIP
// resource (spec.md §3 Session "io-protocol").
type IOProtocol int

const (
	// IOProtocolNormal covers VICP and raw-socket framing.
	IOProtocolNormal IOProtocol = iota
	// IOProtocolVXI11 selects the ONC/RPC VXI-11 engine.
	IOProtocolVXI11
	// IOProtocolHiSLIP selects the HiSLIP dual-channel engine.
	IOProtocolHiSLIP
)

// ResourceID is the parsed, structured form of a VISA resource string
// (spec.md §3 grammar). Canonicalize reconstructs the canonical string
// form from a ResourceID; spec.md §8 property 1 requires
// parse -> canonicalize -> parse to be idempotent on the tuple.
type ResourceID struct {
	Scheme Scheme
	Board  int

	// TCPIP
	Host           string
	LANDeviceName  string // default "inst0"; HiSLIP selected when it starts with "hislip"
	Port           int    // SOCKET only
	Protocol       IOProtocol

	// USB
	VendorID    uint16
	ProductID   uint16
	SerialNum   string
	USBInterface int
	USBRaw      bool

	// GPIB
	Primary   int
	Secondary int // -1 means "no secondary addressing"

	// ASRL
	PortName string // OS serial device or PySerial URL (loop://, socket://)
}

// ParseResource parses a VISA resource string per spec.md §3. It does
// not perform any I/O: a TCPIP::INSTR resource gets IOProtocolHiSLIP
// when its LAN device name starts with "hislip" and IOProtocolVXI11
// otherwise. No step in this module, ResourceManager.Open included,
// probes the host, so a TCPIP::INSTR resource is never resolved to
// VICP.
func ParseResource(s string) (ResourceID, error) {
	parts := strings.Split(s, "::")
	if len(parts) < 2 {
		return ResourceID{}, fmt.Errorf("visa: malformed resource string %q", s)
	}

	head := parts[0]
	var scheme string
	var boardDigits string
	for i, r := range head {
		if r >= '0' && r <= '9' {
			scheme = head[:i]
			boardDigits = head[i:]
			break
		}
	}
	if scheme == "" {
		scheme = head
	}
	scheme = strings.ToUpper(scheme)

	board := 0
	if boardDigits != "" {
		n, err := strconv.Atoi(boardDigits)
		if err != nil {
			return ResourceID{}, fmt.Errorf("visa: bad board number in %q: %w", s, err)
		}
		board = n
	}

	last := strings.ToUpper(parts[len(parts)-1])

	switch scheme {
	case "TCPIP":
		return parseTCPIP(s, board, parts[1:], last)
	case "USB":
		return parseUSB(s, board, parts[1:], last)
	case "GPIB":
		return parseGPIB(s, board, parts[1:], last)
	case "ASRL":
		return parseASRL(s, board, parts[1:])
	default:
		return ResourceID{}, fmt.Errorf("visa: unrecognized resource scheme %q in %q", scheme, s)
	}
}

func parseTCPIP(s string, board int, rest []string, last string) (ResourceID, error) {
	if len(rest) == 0 {
		return ResourceID{}, fmt.Errorf("visa: TCPIP resource %q missing host", s)
	}

	id := ResourceID{Scheme: SchemeTCPIPInstr, Board: board, Host: rest[0]}

	switch {
	case last == "SOCKET":
		// TCPIP[board]::host::port::SOCKET
		if len(rest) != 3 {
			return ResourceID{}, fmt.Errorf("visa: malformed SOCKET resource %q", s)
		}
		port, err := strconv.Atoi(rest[1])
		if err != nil {
			return ResourceID{}, fmt.Errorf("visa: bad port in %q: %w", s, err)
		}
		id.Scheme = SchemeTCPIPSocket
		id.Port = port
		id.Protocol = IOProtocolNormal
		return id, nil

	case last == "INSTR":
		id.Scheme = SchemeTCPIPInstr
		switch len(rest) {
		case 2:
			// TCPIP[board]::host::INSTR -- lan_device_name defaults to inst0
			id.LANDeviceName = "inst0"
		case 3:
			// TCPIP[board]::host::lan_device_name::INSTR
			id.LANDeviceName = rest[1]
		default:
			return ResourceID{}, fmt.Errorf("visa: malformed INSTR resource %q", s)
		}
		if strings.HasPrefix(strings.ToLower(id.LANDeviceName), "hislip") {
			id.Protocol = IOProtocolHiSLIP
		} else {
			id.Protocol = IOProtocolVXI11
		}
		return id, nil

	default:
		return ResourceID{}, fmt.Errorf("visa: TCPIP resource %q must end in ::INSTR or ::SOCKET", s)
	}
}

func parseUSB(s string, board int, rest []string, last string) (ResourceID, error) {
	if last != "INSTR" && last != "RAW" {
		return ResourceID{}, fmt.Errorf("visa: USB resource %q must end in ::INSTR or ::RAW", s)
	}

	// USB[board]::vendor_id::product_id::serial[::interface]::{INSTR|RAW}
	body := rest[:len(rest)-1]
	if len(body) < 3 || len(body) > 4 {
		return ResourceID{}, fmt.Errorf("visa: malformed USB resource %q", s)
	}

	vid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(body[0]), "0x"), 16, 16)
	if err != nil {
		return ResourceID{}, fmt.Errorf("visa: bad vendor id in %q: %w", s, err)
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(body[1]), "0x"), 16, 16)
	if err != nil {
		return ResourceID{}, fmt.Errorf("visa: bad product id in %q: %w", s, err)
	}

	id := ResourceID{
		Scheme:    SchemeUSB,
		Board:     board,
		VendorID:  uint16(vid),
		ProductID: uint16(pid),
		SerialNum: body[2],
		USBRaw:    last == "RAW",
	}
	if len(body) == 4 {
		iface, err := strconv.Atoi(body[3])
		if err != nil {
			return ResourceID{}, fmt.Errorf("visa: bad interface number in %q: %w", s, err)
		}
		id.USBInterface = iface
	}
	return id, nil
}

func parseGPIB(s string, board int, rest []string, last string) (ResourceID, error) {
	if last != "INSTR" {
		return ResourceID{}, fmt.Errorf("visa: GPIB resource %q must end in ::INSTR", s)
	}
	body := rest[:len(rest)-1]
	if len(body) < 1 || len(body) > 2 {
		return ResourceID{}, fmt.Errorf("visa: malformed GPIB resource %q", s)
	}

	primary, err := strconv.Atoi(body[0])
	if err != nil || primary < 0 || primary > 30 {
		return ResourceID{}, fmt.Errorf("visa: bad GPIB primary address in %q", s)
	}

	id := ResourceID{Scheme: SchemeGPIB, Board: board, Primary: primary, Secondary: -1}
	if len(body) == 2 {
		secondary, err := strconv.Atoi(body[1])
		if err != nil || secondary < 0 || secondary > 30 {
			return ResourceID{}, fmt.Errorf("visa: bad GPIB secondary address in %q", s)
		}
		id.Secondary = secondary
	}
	return id, nil
}

func parseASRL(s string, board int, rest []string) (ResourceID, error) {
	if len(rest) == 0 || strings.ToUpper(rest[len(rest)-1]) != "INSTR" {
		return ResourceID{}, fmt.Errorf("visa: malformed ASRL resource %q", s)
	}
	return ResourceID{Scheme: SchemeASRL, Board: board, PortName: ""}, nil
}

// Canonicalize renders id back into its canonical VISA resource string
// form, as list_resources must (spec.md §6, §8 property 1).
func (id ResourceID) Canonicalize() string {
	switch id.Scheme {
	case SchemeTCPIPInstr:
		dev := id.LANDeviceName
		if dev == "" || dev == "inst0" {
			return fmt.Sprintf("TCPIP%d::%s::INSTR", id.Board, id.Host)
		}
		return fmt.Sprintf("TCPIP%d::%s::%s::INSTR", id.Board, id.Host, dev)
	case SchemeTCPIPSocket:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", id.Board, id.Host, id.Port)
	case SchemeUSB:
		kind := "INSTR"
		if id.USBRaw {
			kind = "RAW"
		}
		if id.USBInterface != 0 {
			return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::%d::%s",
				id.Board, id.VendorID, id.ProductID, id.SerialNum, id.USBInterface, kind)
		}
		return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::%s",
			id.Board, id.VendorID, id.ProductID, id.SerialNum, kind)
	case SchemeGPIB:
		if id.Secondary < 0 {
			return fmt.Sprintf("GPIB%d::%d::INSTR", id.Board, id.Primary)
		}
		return fmt.Sprintf("GPIB%d::%d::%d::INSTR", id.Board, id.Primary, id.Secondary)
	case SchemeASRL:
		return fmt.Sprintf("ASRL%d::INSTR", id.Board)
	default:
		return ""
	}
}

// MatchQuery reports whether canonical resource string r matches a
// VISA list_resources wildcard query (e.g. "GPIB?*::INSTR"). VISA's
// wildcard syntax maps directly onto path.Match's "?"/"*", which is
// why this is implemented against the standard library's glob matcher
// rather than a third-party one (spec.md §EXP-7 in SPEC_FULL.md).
func MatchQuery(query, r string) bool {
	if query == "" {
		query = "*"
	}
	ok, err := path.Match(query, r)
	if err != nil {
		return false
	}
	return ok
}

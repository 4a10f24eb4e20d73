// Package vxi11 implements the VXI-11 Device Core and Device Abort
// channels (spec.md §4.3) on top of internal/oncrpc and internal/xdr,
// and satisfies the pkg/visa.Engine capability interface.
package vxi11

import (
	"fmt"
	"sync"
	"time"

	"visa/internal/netutil"
	"visa/internal/oncrpc"
	"visa/internal/xdr"
	"visa/pkg/visa"
)

const (
	coreProgram  = 395183
	coreVersion  = 1
	abortProgram = 395184
	abortVersion = 1

	procCreateLink    = 10
	procDeviceWrite   = 11
	procDeviceRead    = 12
	procDeviceReadSTB = 13
	procDeviceTrigger = 14
	procDeviceClear   = 15
	procDeviceRemote  = 16
	procDeviceLocal   = 17
	procDeviceLock    = 18
	procDeviceUnlock  = 19
	procDeviceEnaSRQ  = 20
	procDeviceDoCmd   = 22
	procDestroyLink   = 23
	procDeviceAbort   = 1

	// device_write flags.
	flagWaitlock = 0x01
	flagEnd      = 0x08

	// device_read flags.
	flagTermcharSet = 0x80

	// device_read reason bits.
	reasonReqcnt = 0x01
	reasonChr    = 0x02
	reasonEnd    = 0x04

	defaultIOTimeoutMs = 3000
)

// Engine implements visa.Engine for VXI-11 INSTR resources.
type Engine struct {
	mu sync.Mutex

	portmapAddr string
	corePort    uint16
	conn        *oncrpc.Client

	lid         uint32
	abortPort   uint16
	maxRecvSize uint32

	res   visa.ResourceID
	keepaliveAddr string
}

// New constructs an unopened VXI-11 engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.res = res
	deadline := deadlineFrom(openTimeout)

	port, err := oncrpc.GetPort(oncrpc.PortmapAddr(res.Host), deadline, coreProgram, coreVersion, oncrpc.IPProtoTCP)
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vxi11: portmap lookup for %s: %w", res.Host, err)
	}
	if port == 0 {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vxi11: %s does not export the VXI-11 core channel", res.Host)
	}
	e.corePort = port

	addr := fmt.Sprintf("%s:%d", res.Host, port)
	conn, err := oncrpc.Dial("tcp", addr, remaining(deadline))
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vxi11: connect %s: %w", addr, err)
	}
	e.conn = conn
	e.keepaliveAddr = addr

	deviceName := res.LANDeviceName
	if deviceName == "" {
		deviceName = "inst0"
	}

	var args []byte
	args = xdr.PutInt32(args, int32(clientID()))
	args = xdr.PutBool(args, false) // lock_device
	args = xdr.PutUint32(args, 0)   // lock_timeout
	args = xdr.PutString(args, deviceName)

	reply, err := e.conn.Call(deadline, coreProgram, coreVersion, procCreateLink, args)
	if err != nil {
		_ = e.conn.Close()
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vxi11: create_link: %w", err)
	}

	errCode, rest, err := xdr.GetInt32(reply)
	if err != nil {
		_ = e.conn.Close()
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed create_link reply: %w", err)
	}
	if errCode != 0 {
		_ = e.conn.Close()
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vxi11: create_link error code %d", errCode)
	}

	lid, rest, err := xdr.GetUint32(rest)
	if err != nil {
		_ = e.conn.Close()
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed create_link reply (lid): %w", err)
	}
	e.lid = lid

	abortPort, rest, err := xdr.GetUint32(rest)
	if err != nil {
		_ = e.conn.Close()
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed create_link reply (abort_port): %w", err)
	}
	e.abortPort = uint16(abortPort)

	maxRecv, _, err := xdr.GetUint32(rest)
	if err != nil {
		_ = e.conn.Close()
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed create_link reply (max_recv_size): %w", err)
	}
	if maxRecv == 0 {
		maxRecv = 4096
	}
	e.maxRecvSize = maxRecv

	return visa.StatusSuccess, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}

	var args []byte
	args = xdr.PutUint32(args, e.lid)
	_, _ = e.conn.Call(time.Time{}, coreProgram, coreVersion, procDestroyLink, args)

	err := e.conn.Close()
	e.conn = nil
	return err
}

// Write implements the chunked device_write described in spec.md §4.3
// and property 4: payload is split into chunks of at most
// max_recv_size; every chunk but the last has END clear, the last has
// END set iff sendEnd.
func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := deadlineFrom(timeout)
	chunkSize := int(e.maxRecvSize)
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	total := 0
	for total < len(data) || len(data) == 0 {
		end := total + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[total:end]
		isLast := end == len(data)

		flags := uint32(flagWaitlock)
		if isLast && sendEnd {
			flags |= flagEnd
		}

		var args []byte
		args = xdr.PutUint32(args, e.lid)
		args = xdr.PutUint32(args, ioTimeoutMs(deadline))
		args = xdr.PutUint32(args, 0) // lock_timeout
		args = xdr.PutUint32(args, flags)
		args = xdr.PutOpaque(args, chunk)

		reply, err := e.conn.Call(deadline, coreProgram, coreVersion, procDeviceWrite, args)
		if err != nil {
			return total, visa.StatusErrorIO, fmt.Errorf("vxi11: device_write: %w", err)
		}
		errCode, rest, err := xdr.GetInt32(reply)
		if err != nil {
			return total, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_write reply: %w", err)
		}
		if errCode != 0 {
			return total, visa.StatusErrorIO, fmt.Errorf("vxi11: device_write error code %d", errCode)
		}
		written, _, err := xdr.GetUint32(rest)
		if err != nil {
			return total, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_write reply (size): %w", err)
		}

		total += int(written)
		if int(written) < len(chunk) {
			// Server accepted fewer bytes than requested; retry with
			// the remainder on the next loop iteration rather than
			// advancing past what it actually took.
			continue
		}
		if isLast {
			break
		}
	}

	return total, visa.StatusSuccess, nil
}

// Read implements device_read looped until REQCNT/CHR/END fires,
// honoring policy.SuppressEnd by masking only the END reason bit
// (spec.md §9 Open Question decision, per DESIGN.md).
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf []byte
	remaining := policy.MaxBytes
	if remaining <= 0 {
		remaining = 64 * 1024
	}

	flags := uint32(0)
	if policy.TermCharEnabled {
		flags |= flagTermcharSet
	}

	for {
		deadline := policy.Deadline
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return visa.Message{Data: buf, Reason: visa.ReasonTimeout}, visa.StatusErrorTimeout, nil
		}

		var args []byte
		args = xdr.PutUint32(args, e.lid)
		args = xdr.PutUint32(args, uint32(remaining))
		args = xdr.PutUint32(args, ioTimeoutMs(deadline))
		args = xdr.PutUint32(args, 0) // lock_timeout
		args = xdr.PutUint32(args, flags)
		args = xdr.PutUint32(args, uint32(policy.TermChar))

		reply, err := e.conn.Call(deadline, coreProgram, coreVersion, procDeviceRead, args)
		if err != nil {
			return visa.Message{Data: buf}, visa.StatusErrorIO, fmt.Errorf("vxi11: device_read: %w", err)
		}

		errCode, rest, err := xdr.GetInt32(reply)
		if err != nil {
			return visa.Message{Data: buf}, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_read reply: %w", err)
		}
		if errCode != 0 {
			return visa.Message{Data: buf}, visa.StatusErrorIO, fmt.Errorf("vxi11: device_read error code %d", errCode)
		}

		reason, rest, err := xdr.GetUint32(rest)
		if err != nil {
			return visa.Message{Data: buf}, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_read reply (reason): %w", err)
		}
		data, _, err := xdr.GetOpaque(rest)
		if err != nil {
			return visa.Message{Data: buf}, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_read reply (data): %w", err)
		}

		buf = append(buf, data...)
		remaining -= len(data)

		effectiveReason := reason
		if policy.SuppressEnd {
			effectiveReason &^= reasonEnd
		}

		switch {
		case effectiveReason&reasonReqcnt != 0:
			return visa.Message{Data: buf, Reason: visa.ReasonCountReached}, visa.StatusSuccessMaxCount, nil
		case effectiveReason&reasonChr != 0:
			return visa.Message{Data: buf, Reason: visa.ReasonTermChar}, visa.StatusSuccessTermChar, nil
		case effectiveReason&reasonEnd != 0:
			return visa.Message{Data: buf, Reason: visa.ReasonEnd}, visa.StatusSuccessEnd, nil
		}

		if remaining <= 0 {
			return visa.Message{Data: buf, Reason: visa.ReasonCountReached}, visa.StatusSuccessMaxCount, nil
		}
		// No stop condition fired; loop again with the remaining
		// budget and whatever time is left on the deadline.
	}
}

func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var args []byte
	args = xdr.PutUint32(args, e.lid)
	args = xdr.PutUint32(args, ioTimeoutMs(time.Time{}))
	args = xdr.PutUint32(args, 0)
	args = xdr.PutUint32(args, 0)

	reply, err := e.conn.Call(time.Time{}, coreProgram, coreVersion, procDeviceReadSTB, args)
	if err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("vxi11: device_readstb: %w", err)
	}
	errCode, rest, err := xdr.GetInt32(reply)
	if err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_readstb reply: %w", err)
	}
	if errCode != 0 {
		return 0, visa.StatusErrorIO, fmt.Errorf("vxi11: device_readstb error code %d", errCode)
	}
	stb, _, err := xdr.GetUint32(rest)
	if err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_readstb reply (stb): %w", err)
	}
	return byte(stb), visa.StatusSuccess, nil
}

func (e *Engine) Clear() (visa.StatusCode, error) {
	return e.simpleCall(procDeviceClear, "device_clear")
}

func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	return e.simpleCall(procDeviceTrigger, "device_trigger")
}

func (e *Engine) simpleCall(proc uint32, name string) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var args []byte
	args = xdr.PutUint32(args, e.lid)
	args = xdr.PutUint32(args, ioTimeoutMs(time.Time{}))
	args = xdr.PutUint32(args, 0)
	args = xdr.PutUint32(args, 0)

	reply, err := e.conn.Call(time.Time{}, coreProgram, coreVersion, proc, args)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: %s: %w", name, err)
	}
	errCode, _, err := xdr.GetInt32(reply)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed %s reply: %w", name, err)
	}
	if errCode != 0 {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: %s error code %d", name, errCode)
	}
	return visa.StatusSuccess, nil
}

func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var args []byte
	args = xdr.PutUint32(args, e.lid)
	args = xdr.PutBool(args, true) // waitlock
	args = xdr.PutUint32(args, uint32(timeout.Milliseconds()))

	reply, err := e.conn.Call(time.Time{}, coreProgram, coreVersion, procDeviceLock, args)
	if err != nil {
		return "", visa.StatusErrorIO, fmt.Errorf("vxi11: device_lock: %w", err)
	}
	errCode, _, err := xdr.GetInt32(reply)
	if err != nil {
		return "", visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_lock reply: %w", err)
	}
	if errCode != 0 {
		return "", visa.StatusErrorRsrcBusy, fmt.Errorf("vxi11: device_lock error code %d", errCode)
	}
	return requestedKey, visa.StatusSuccess, nil
}

func (e *Engine) Unlock() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var args []byte
	args = xdr.PutUint32(args, e.lid)

	reply, err := e.conn.Call(time.Time{}, coreProgram, coreVersion, procDeviceUnlock, args)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: device_unlock: %w", err)
	}
	errCode, _, err := xdr.GetInt32(reply)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_unlock reply: %w", err)
	}
	if errCode != 0 {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: device_unlock error code %d", errCode)
	}
	return visa.StatusSuccess, nil
}

func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	// VXI-11 has no explicit flush RPC; a flush is a local no-op since
	// every device_read/device_write already drains exactly what was
	// requested.
	return visa.StatusSuccess, nil
}

func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return visa.StatusErrorInvSetup, fmt.Errorf("vxi11: session not open")
	}
	if err := netutil.SetKeepAlive(e.conn.UnderlyingConn(), enabled); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: set keepalive: %w", err)
	}
	return visa.StatusSuccess, nil
}

// Abort sends device_abort on a fresh connection to the Abort channel
// (spec.md §4.3: "device_abort is sent on the Abort channel (separate
// TCP connection to abort_port) to cancel an in-progress call").
func (e *Engine) Abort() (visa.StatusCode, error) {
	e.mu.Lock()
	host := e.res.Host
	abortPort := e.abortPort
	lid := e.lid
	e.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", host, abortPort)
	conn, err := oncrpc.Dial("tcp", addr, 2*time.Second)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: abort channel dial %s: %w", addr, err)
	}
	defer conn.Close()

	var args []byte
	args = xdr.PutUint32(args, lid)

	reply, err := conn.Call(time.Now().Add(2*time.Second), abortProgram, abortVersion, procDeviceAbort, args)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: device_abort: %w", err)
	}
	errCode, _, err := xdr.GetInt32(reply)
	if err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vxi11: malformed device_abort reply: %w", err)
	}
	if errCode != 0 {
		return visa.StatusErrorAbort, fmt.Errorf("vxi11: device_abort error code %d", errCode)
	}
	return visa.StatusSuccess, nil
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout == visa.Forever || timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 10 * time.Second
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// ioTimeoutMs computes the RPC-layer io_timeout in milliseconds from a
// deadline, matching spec.md §5's "letting the RPC layer surface a
// proper VISA timeout instead of a socket error" by keeping this
// value strictly less than the network-layer timeout the caller sets
// on the socket.
func ioTimeoutMs(deadline time.Time) uint32 {
	if deadline.IsZero() {
		return defaultIOTimeoutMs
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 1
	}
	return uint32(d.Milliseconds())
}

var clientIDCounter uint32

func clientID() uint32 {
	clientIDCounter++
	return clientIDCounter
}

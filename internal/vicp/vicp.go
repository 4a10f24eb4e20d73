// Package vicp implements the VICP and raw-socket TCPIP engines as
// one opaque byte-stream transport (spec.md §6: "VICP: delegated to
// external library; treated as a TCP transport whose framing is
// opaque"). Real VICP carries its own small operation-code header
// (DATA/REMOTE/CLEAR/SRQ), but that framing is a vendor-library detail
// this module deliberately doesn't reimplement: the Engine is "connect,
// then exchange raw bytes with host-side term-char/MaxBytes framing
// only." pkg/engines registers it for `TCPIP::host::port::SOCKET`
// resources; `TCPIP::host::INSTR` resources always go to VXI-11 or
// HiSLIP, and no probe routes one of them here.
package vicp

import (
	"fmt"
	"net"
	"time"

	"visa/internal/netutil"
	"visa/internal/xdr"
	"visa/pkg/visa"
)

const readChunkSize = 4096

// dialFunc is overridden in tests to avoid a real network dial.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Engine is the opaque-TCP engine backing VICP and raw SOCKET
// resources. It satisfies pkg/visa.Engine.
type Engine struct {
	conn net.Conn
	dial dialFunc

	locked   bool
	lockKind visa.LockKind
	lockKey  string
}

func New() *Engine {
	return &Engine{dial: net.DialTimeout}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	port := res.Port
	if port == 0 {
		port = defaultPortFor(res)
	}
	addr := fmt.Sprintf("%s:%d", res.Host, port)

	timeout := openTimeout
	if timeout <= 0 || timeout == visa.Forever {
		timeout = 5 * time.Second
	}

	conn, err := e.dial("tcp", addr, timeout)
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("vicp: dial %s: %w", addr, err)
	}
	e.conn = conn
	return visa.StatusSuccess, nil
}

// defaultPortFor picks the conventional port when a resource string
// leaves it implicit: 1861 for VICP, otherwise the caller must have
// supplied one (a SOCKET resource without a port is malformed, caught
// upstream by pkg/visa.ParseResource).
func defaultPortFor(res visa.ResourceID) int {
	if res.Protocol == visa.IOProtocolNormal {
		return 1861
	}
	return 0
}

func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	if err := setWriteDeadline(e.conn, timeout); err != nil {
		return 0, visa.StatusErrorIO, err
	}
	n, err := e.conn.Write(data)
	if err != nil {
		return n, visa.StatusErrorConnLost, fmt.Errorf("vicp: write: %w", err)
	}
	return n, visa.StatusSuccess, nil
}

// Read accumulates a logical message via internal/xdr.ReadUntil. A raw
// socket has no transport-level end-of-message indicator, so
// term-char and MaxBytes are the only stop conditions short of
// timeout, same as internal/serial's plain ASRL path.
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	next := func(deadline time.Time) ([]byte, bool, error) {
		if err := setReadDeadlineFromTime(e.conn, deadline); err != nil {
			return nil, false, err
		}
		buf := make([]byte, readChunkSize)
		n, err := e.conn.Read(buf)
		if err != nil {
			if n == 0 {
				return nil, false, err
			}
		}
		return buf[:n], false, nil
	}

	data, reason, err := xdr.ReadUntil(xdr.Policy{
		MaxBytes:        policy.MaxBytes,
		TermCharEnabled: policy.TermCharEnabled,
		TermChar:        policy.TermChar,
		SuppressEnd:     policy.SuppressEnd,
		Deadline:        policy.Deadline,
	}, next)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return visa.Message{Data: data, Reason: visa.ReasonTimeout}, visa.StatusErrorTimeout, nil
		}
		return visa.Message{Data: data}, visa.StatusErrorConnLost, fmt.Errorf("vicp: read: %w", err)
	}

	completion := stopReasonToCompletion(reason)
	return visa.Message{Data: data, Reason: completion}, completion.Status(), nil
}

func stopReasonToCompletion(r xdr.StopReason) visa.CompletionReason {
	switch r {
	case xdr.StopTermChar:
		return visa.ReasonTermChar
	case xdr.StopMaxBytes:
		return visa.ReasonCountReached
	case xdr.StopTimeout:
		return visa.ReasonTimeout
	default:
		return visa.ReasonNone
	}
}

func setWriteDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 || timeout == visa.Forever {
		return conn.SetWriteDeadline(time.Time{})
	}
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}

func setReadDeadlineFromTime(conn net.Conn, deadline time.Time) error {
	return conn.SetReadDeadline(deadline)
}

// ReadStatusByte, Clear, AssertTrigger have no meaning for an opaque
// byte stream without VICP's own operation-code header, which this
// package deliberately does not reimplement.
func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	return 0, visa.StatusErrorNotSupportedAttr, nil
}

func (e *Engine) Clear() (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, nil
}

func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, nil
}

// Lock/Unlock: no server-side lock protocol on a raw socket, so this
// only tracks a local flag the same way internal/gpib and
// internal/serial do.
func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	if e.locked && e.lockKind == visa.LockExclusive {
		return "", visa.StatusErrorRsrcBusy, fmt.Errorf("vicp: resource already exclusively locked")
	}
	e.locked = true
	e.lockKind = kind
	e.lockKey = requestedKey
	return e.lockKey, visa.StatusSuccess, nil
}

func (e *Engine) Unlock() (visa.StatusCode, error) {
	e.locked = false
	e.lockKey = ""
	return visa.StatusSuccess, nil
}

func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	return visa.StatusSuccess, nil
}

// SetKeepAlive maps TCPIP_KEEPALIVE onto SO_KEEPALIVE (spec.md §4.8,
// scenario S6), shared with every other Ethernet sub-protocol via
// internal/netutil.
func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	if err := netutil.SetKeepAlive(e.conn, enabled); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("vicp: set keepalive: %w", err)
	}
	return visa.StatusSuccess, nil
}

// Package oncrpc implements a minimal Sun RPC (ONC/RPC) client over
// TCP: record-marking fragmentation, transaction-id based reply
// matching with stale-reply discard, and the AUTH_NONE credential
// (spec.md §4.2).
package oncrpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"visa/internal/xdr"
)

const (
	msgTypeCall  = 0
	msgTypeReply = 1

	replyAccepted = 0
	replyDenied   = 1

	acceptSuccess      = 0
	acceptProgUnavail  = 1
	acceptProgMismatch = 2
	acceptProcUnavail  = 3
	acceptGarbageArgs  = 4
	acceptSystemErr    = 5

	authNone = 0

	lastFragmentBit = 1 << 31
	maxFragment     = 0x7FFFFFFF
)

// RPCError reports a non-transport RPC-level failure: RPC_MISMATCH,
// AUTH_ERROR, PROC_UNAVAIL, GARBAGE_ARGS (spec.md §4.2).
type RPCError struct {
	Kind string
	Detail string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("oncrpc: %s: %s", e.Kind, e.Detail)
}

// Client is a connected ONC/RPC client over one TCP socket. It is not
// safe for concurrent use by multiple goroutines; a Session (per
// pkg/visa's concurrency model) serializes its own calls.
type Client struct {
	conn net.Conn
	xid  uint32
}

// Dial connects to addr and returns a ready-to-use RPC client. The
// connection deadline for the dial itself is bounded by timeout.
func Dial(network, addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// UnderlyingConn exposes the raw net.Conn so callers can apply
// socket-level options (SO_KEEPALIVE via internal/netutil) that have
// no RPC-level representation.
func (c *Client) UnderlyingConn() net.Conn {
	return c.conn
}

// nextXID returns a monotonically increasing transaction id (spec.md
// §4.2: "transaction id is a monotonically increasing 32-bit
// counter").
func (c *Client) nextXID() uint32 {
	return atomic.AddUint32(&c.xid, 1)
}

// Call issues one RPC to (program, version, procedure) with args
// already XDR-encoded, and returns the XDR-encoded reply body. It
// retries reading replies until one whose xid matches the call is
// found, silently discarding mismatches (spec.md §4.2 "a reply whose
// xid does not match the outstanding call is discarded" — this is the
// client-side mirror of the stale-transaction-id discard loop in
// internal_examples' modbus tcp_transport.go, generalized from a
// 16-bit Modbus transaction id to a 32-bit RPC xid).
func (c *Client) Call(deadline time.Time, program, version, procedure uint32, args []byte) ([]byte, error) {
	xid := c.nextXID()

	call := buildCallHeader(xid, program, version, procedure)
	call = append(call, args...)

	if !deadline.IsZero() {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("oncrpc: set deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := writeRecord(c.conn, call); err != nil {
		return nil, fmt.Errorf("oncrpc: write call: %w", err)
	}

	for {
		reply, err := readRecord(c.conn)
		if err != nil {
			return nil, fmt.Errorf("oncrpc: read reply: %w", err)
		}

		replyXID, rest, err := xdr.GetUint32(reply)
		if err != nil {
			return nil, fmt.Errorf("oncrpc: malformed reply header: %w", err)
		}
		if replyXID != xid {
			// Stale reply to a prior, timed-out call left on the
			// socket (spec.md §8 scenario S5). Discard and keep
			// reading for the reply we actually want.
			continue
		}

		return parseReplyBody(rest)
	}
}

func buildCallHeader(xid, program, version, procedure uint32) []byte {
	var buf []byte
	buf = xdr.PutUint32(buf, xid)
	buf = xdr.PutUint32(buf, msgTypeCall)
	buf = xdr.PutUint32(buf, 2) // RPC version 2
	buf = xdr.PutUint32(buf, program)
	buf = xdr.PutUint32(buf, version)
	buf = xdr.PutUint32(buf, procedure)
	// AUTH_NONE credential: flavor=0, body length=0.
	buf = xdr.PutUint32(buf, authNone)
	buf = xdr.PutUint32(buf, 0)
	// AUTH_NONE verifier: flavor=0, body length=0.
	buf = xdr.PutUint32(buf, authNone)
	buf = xdr.PutUint32(buf, 0)
	return buf
}

// parseReplyBody parses the reply_stat/accept_stat prefix and returns
// the procedure-specific result bytes that follow, or an *RPCError for
// MSG_DENIED / non-SUCCESS accept states.
func parseReplyBody(buf []byte) ([]byte, error) {
	msgType, buf, err := xdr.GetUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: reading msg_type: %w", err)
	}
	if msgType != msgTypeReply {
		return nil, &RPCError{Kind: "RPC_MISMATCH", Detail: "expected REPLY message"}
	}

	replyStat, buf, err := xdr.GetUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: reading reply_stat: %w", err)
	}
	if replyStat != replyAccepted {
		return nil, &RPCError{Kind: "AUTH_ERROR", Detail: "call rejected (MSG_DENIED)"}
	}

	// verifier: flavor + opaque body
	_, buf, err = xdr.GetUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: reading verifier flavor: %w", err)
	}
	_, buf, err = xdr.GetOpaque(buf)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: reading verifier body: %w", err)
	}

	acceptStat, buf, err := xdr.GetUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("oncrpc: reading accept_stat: %w", err)
	}

	switch acceptStat {
	case acceptSuccess:
		return buf, nil
	case acceptProgUnavail:
		return nil, &RPCError{Kind: "PROC_UNAVAIL", Detail: "program unavailable"}
	case acceptProgMismatch:
		return nil, &RPCError{Kind: "RPC_MISMATCH", Detail: "program version mismatch"}
	case acceptProcUnavail:
		return nil, &RPCError{Kind: "PROC_UNAVAIL", Detail: "procedure unavailable"}
	case acceptGarbageArgs:
		return nil, &RPCError{Kind: "GARBAGE_ARGS", Detail: "server could not decode arguments"}
	default:
		return nil, &RPCError{Kind: "GARBAGE_ARGS", Detail: fmt.Sprintf("accept_stat=%d", acceptStat)}
	}
}

// writeRecord frames payload with Sun RPC record marking: a 4-byte
// big-endian header whose high bit marks "last fragment" and whose
// low 31 bits give the fragment length (spec.md §4.2). A single call
// is always sent as one fragment; splitting across TCP writes is left
// to the kernel, not to this framing.
func writeRecord(w io.Writer, payload []byte) error {
	if len(payload) > maxFragment {
		return fmt.Errorf("oncrpc: payload of %d bytes exceeds max fragment size", len(payload))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload))|lastFragmentBit)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reassembles a reply by concatenating fragments until the
// last-fragment bit is set (spec.md §4.2).
func readRecord(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("reading fragment header: %w", err)
		}
		word := binary.BigEndian.Uint32(header[:])
		last := word&lastFragmentBit != 0
		length := word &^ lastFragmentBit

		frag := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, frag); err != nil {
				return nil, fmt.Errorf("reading fragment body: %w", err)
			}
		}
		out = append(out, frag...)

		if last {
			return out, nil
		}
	}
}

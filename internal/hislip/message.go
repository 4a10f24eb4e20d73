// Package hislip implements the HiSLIP synchronous/asynchronous
// dual-channel transport (spec.md §4.4) on top of plain TCP, grounded
// on the teacher's dual-connection pattern in
// internal/driver/host/bridge.go (one connection driving the
// request/response cycle, a second carrying out-of-band control) and
// the background-goroutine push style of internal/discovery/discovery.go.
package hislip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Message types (HiSLIP protocol, referenced by spec.md §4.4).
const (
	msgInitialize                   = 0
	msgInitializeResponse            = 1
	msgFatalError                    = 2
	msgErrorMsg                      = 3
	msgAsyncLock                     = 4
	msgAsyncLockResponse             = 5
	msgData                          = 6
	msgDataEnd                       = 7
	msgDeviceClearComplete           = 8
	msgDeviceClearAcknowledge        = 9
	msgAsyncRemoteLocalControl       = 10
	msgAsyncRemoteLocalResponse      = 11
	msgTrigger                       = 12
	msgInterrupted                   = 13
	msgAsyncInterrupted              = 14
	msgAsyncMaximumMessageSize       = 15
	msgAsyncMaximumMessageSizeResp   = 16
	msgAsyncInitialize               = 17
	msgAsyncInitializeResponse       = 18
	msgAsyncDeviceClear              = 19
	msgAsyncServiceRequest           = 20
	msgAsyncStatusQuery              = 21
	msgAsyncStatusResponse           = 22
	msgAsyncDeviceClearAcknowledge   = 23
)

const (
	prologue0 = 'H'
	prologue1 = 'S'

	headerSize = 16

	// firstMessageID is the counter's starting value (spec.md §3
	// invariant: "message ids are strictly monotonically increasing
	// modulo 2^32 on HiSLIP"); it advances by 2 per client message.
	firstMessageID uint32 = 0xFFFFFF00

	clientMaxProtocolMajor = 1
	clientMaxProtocolMinor = 0

	defaultPort = 4880
)

// header is the fixed 16-byte HiSLIP frame header: "HS", message
// type, control code, a 4-byte parameter, and an 8-byte big-endian
// payload length. Payload follows immediately on the wire.
type header struct {
	MsgType     byte
	ControlCode byte
	Parameter   uint32
	PayloadLen  uint64
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = prologue0
	buf[1] = prologue1
	buf[2] = h.MsgType
	buf[3] = h.ControlCode
	binary.BigEndian.PutUint32(buf[4:8], h.Parameter)
	binary.BigEndian.PutUint64(buf[8:16], h.PayloadLen)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("hislip: short header (%d bytes, want %d)", len(buf), headerSize)
	}
	if buf[0] != prologue0 || buf[1] != prologue1 {
		return header{}, fmt.Errorf("hislip: bad prologue %q", buf[0:2])
	}
	return header{
		MsgType:     buf[2],
		ControlCode: buf[3],
		Parameter:   binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// messageIDCounter tracks the client's "next expected message id"
// 32-bit counter, wrapping modulo 2^32 and always advancing by 2.
type messageIDCounter struct {
	next uint32
}

func newMessageIDCounter() messageIDCounter {
	return messageIDCounter{next: firstMessageID}
}

func (c *messageIDCounter) current() uint32 {
	return c.next
}

func (c *messageIDCounter) advance() uint32 {
	id := c.next
	c.next += 2
	return id
}

func (c *messageIDCounter) reset() {
	c.next = firstMessageID
}

// encodeProtocolParameter packs client-max-protocol into the
// 4-byte Initialize message parameter: major in the high 8 bits,
// minor in the next 8 bits.
func encodeProtocolParameter(major, minor byte) uint32 {
	return uint32(major)<<24 | uint32(minor)<<16
}

func decodeProtocolParameter(p uint32) (major, minor byte) {
	return byte(p >> 24), byte(p >> 16)
}

// writeMessage sends a header followed by its payload as a single
// logical frame. HiSLIP has no separate record-marking layer: the
// header's payload length field is the only framing the reader needs.
func writeMessage(conn net.Conn, h header, payload []byte) error {
	h.PayloadLen = uint64(len(payload))
	if _, err := conn.Write(h.encode()); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

// readMessage reads one fixed 16-byte header and its declared payload.
func readMessage(conn net.Conn) (header, []byte, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return header{}, nil, err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return header{}, nil, err
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return header{}, nil, err
	}
	return h, payload, nil
}

package hislip

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"visa/internal/netutil"
	"visa/pkg/visa"
)

// vendorID is this engine's client vendor id, carried in the
// Initialize handshake. HiSLIP reserves no "generic client" id; 0x3FFF
// is the conventional placeholder used by open client implementations.
const vendorID uint16 = 0x3FFF

const defaultMaxMessageSize = 1 << 20

// Engine implements visa.Engine for TCPIP...::hislipN::INSTR
// resources (spec.md §4.4).
type Engine struct {
	mu sync.Mutex

	syncConn  net.Conn
	asyncConn net.Conn

	sessionID       uint16
	overlapMode     bool
	serverVendorID  uint16
	ids             messageIDCounter
	maxMessageSize  uint64

	srq     chan byte
	replies chan asyncReply

	lockKey string
	closed  bool
}

// asyncReply is one non-SRQ message read off the async channel by
// pumpAsyncChannel and handed to whichever method is waiting on a
// reply to its own request (AsyncStatusResponse, AsyncLockResponse,
// AsyncDeviceClearAcknowledge, ...).
type asyncReply struct {
	header  header
	payload []byte
}

// New constructs an unopened HiSLIP engine.
func New() *Engine {
	return &Engine{
		srq:     make(chan byte, 16),
		replies: make(chan asyncReply, 1),
		ids:     newMessageIDCounter(),
	}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	port := res.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(res.Host, strconv.Itoa(port))

	subAddress := res.LANDeviceName
	if subAddress == "" {
		subAddress = "hislip0"
	}

	deadline := time.Now().Add(openTimeout)

	syncConn, err := net.DialTimeout("tcp", addr, openTimeout)
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("hislip: dial sync channel %s: %w", addr, err)
	}
	e.syncConn = syncConn
	_ = e.syncConn.SetDeadline(deadline)

	if err := e.sendInitialize(subAddress); err != nil {
		e.syncConn.Close()
		return visa.StatusErrorIO, err
	}

	asyncConn, err := net.DialTimeout("tcp", addr, openTimeout)
	if err != nil {
		e.syncConn.Close()
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("hislip: dial async channel %s: %w", addr, err)
	}
	e.asyncConn = asyncConn
	_ = e.asyncConn.SetDeadline(deadline)

	go e.pumpAsyncChannel()

	if err := e.sendAsyncInitialize(); err != nil {
		e.syncConn.Close()
		e.asyncConn.Close()
		return visa.StatusErrorIO, err
	}

	_ = e.syncConn.SetDeadline(time.Time{})
	_ = e.asyncConn.SetDeadline(time.Time{})

	return visa.StatusSuccess, nil
}

func (e *Engine) sendInitialize(subAddress string) error {
	param := encodeProtocolParameter(clientMaxProtocolMajor, clientMaxProtocolMinor)
	// Payload carries the client's vendor id (2 bytes, big-endian)
	// followed by the sub-address string, per spec.md §4.4.
	payload := make([]byte, 2+len(subAddress))
	payload[0] = byte(vendorID >> 8)
	payload[1] = byte(vendorID)
	copy(payload[2:], subAddress)

	h := header{MsgType: msgInitialize, ControlCode: 0, Parameter: param, PayloadLen: uint64(len(payload))}
	if err := writeMessage(e.syncConn, h, payload); err != nil {
		return fmt.Errorf("hislip: Initialize: %w", err)
	}

	resp, payload, err := readMessage(e.syncConn)
	if err != nil {
		return fmt.Errorf("hislip: InitializeResponse: %w", err)
	}
	if resp.MsgType != msgInitializeResponse {
		return fmt.Errorf("hislip: expected InitializeResponse, got message type %d", resp.MsgType)
	}
	_ = payload // vendor id of server not needed on sync channel's response
	_, _ = decodeProtocolParameter(resp.Parameter)
	e.sessionID = uint16(resp.Parameter)
	e.overlapMode = resp.ControlCode&0x01 != 0
	e.maxMessageSize = defaultMaxMessageSize
	return nil
}

func (e *Engine) sendAsyncInitialize() error {
	h := header{MsgType: msgAsyncInitialize, ControlCode: 0, Parameter: uint32(e.sessionID)}
	if err := writeMessage(e.asyncConn, h, nil); err != nil {
		return fmt.Errorf("hislip: AsyncInitialize: %w", err)
	}

	resp, err := e.awaitAsyncReply()
	if err != nil {
		return fmt.Errorf("hislip: AsyncInitializeResponse: %w", err)
	}
	if resp.header.MsgType != msgAsyncInitializeResponse {
		return fmt.Errorf("hislip: expected AsyncInitializeResponse, got message type %d", resp.header.MsgType)
	}
	e.serverVendorID = uint16(resp.header.Parameter)
	return nil
}

// pumpAsyncChannel is the single reader of the async connection. It
// dispatches AsyncServiceRequest pushes to the bounded SRQ queue and
// every other message to e.replies, where the method that issued the
// matching request (AsyncStatusQuery, AsyncLock, AsyncDeviceClear,
// AsyncInitialize) is waiting — spec.md §9 "Concurrency coordination",
// mirroring the teacher's discovery background probe goroutines.
func (e *Engine) pumpAsyncChannel() {
	for {
		h, payload, err := readMessage(e.asyncConn)
		if err != nil {
			return
		}
		if h.MsgType == msgAsyncServiceRequest {
			select {
			case e.srq <- h.ControlCode:
			default:
			}
			continue
		}
		e.replies <- asyncReply{header: h, payload: payload}
	}
}

// awaitAsyncReply blocks until pumpAsyncChannel hands over the next
// non-SRQ message. Exactly one async request is ever in flight at a
// time because every method that calls this holds e.mu for its whole
// request/response round trip.
func (e *Engine) awaitAsyncReply() (asyncReply, error) {
	select {
	case r := <-e.replies:
		return r, nil
	case <-time.After(30 * time.Second):
		return asyncReply{}, fmt.Errorf("hislip: no reply on async channel")
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.syncConn != nil {
		e.syncConn.Close()
	}
	if e.asyncConn != nil {
		e.asyncConn.Close()
	}
	return nil
}

// Write sends the payload as one or more Data/DataEnd messages on the
// sync channel (spec.md §4.4, §3 property 4: only the final fragment
// carries the end indicator).
func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.syncConn.SetWriteDeadline(deadlineFrom(timeout))
	defer e.syncConn.SetWriteDeadline(time.Time{})

	chunkSize := int(e.maxMessageSize)
	if chunkSize <= 0 {
		chunkSize = defaultMaxMessageSize
	}

	total := 0
	for {
		end := total + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[total:end]
		isLast := end == len(data)

		msgType := byte(msgData)
		if isLast && sendEnd {
			msgType = msgDataEnd
		}

		id := e.ids.advance()
		h := header{MsgType: msgType, ControlCode: 0, Parameter: id, PayloadLen: uint64(len(chunk))}
		if err := writeMessage(e.syncConn, h, chunk); err != nil {
			return total, visa.StatusErrorIO, fmt.Errorf("hislip: write: %w", err)
		}

		total += len(chunk)
		if isLast {
			break
		}
		if len(data) == 0 {
			break
		}
	}

	return total, visa.StatusSuccess, nil
}

// Read accumulates Data/DataEnd messages the instrument sends back on
// the sync channel in response to the client's last query, until
// DataEnd or the caller's max byte count is reached (spec.md §4.1,
// §8 property 7, scenario S3).
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.syncConn.SetReadDeadline(policy.Deadline)
	defer e.syncConn.SetReadDeadline(time.Time{})

	var payload []byte
	for {
		h, chunk, err := readMessage(e.syncConn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if rerr := e.resyncAfterTimeout(); rerr != nil {
					return visa.Message{Data: payload}, visa.StatusErrorConnLost, rerr
				}
				return visa.Message{Data: payload, Reason: visa.ReasonTimeout}, visa.StatusErrorTimeout, nil
			}
			return visa.Message{Data: payload}, visa.StatusErrorConnLost, fmt.Errorf("hislip: read: %w", err)
		}

		switch h.MsgType {
		case msgData, msgDataEnd:
			payload = append(payload, chunk...)
			if policy.MaxBytes > 0 && len(payload) >= policy.MaxBytes {
				return visa.Message{Data: payload[:policy.MaxBytes], Reason: visa.ReasonCountReached}, visa.StatusSuccessMaxCount, nil
			}
			if policy.TermCharEnabled {
				if idx := indexByte(chunk, policy.TermChar); idx >= 0 {
					return visa.Message{Data: payload, Reason: visa.ReasonTermChar}, visa.StatusSuccessTermChar, nil
				}
			}
			if h.MsgType == msgDataEnd {
				if policy.SuppressEnd {
					// Keep accumulating: suppress-end means a
					// DataEnd doesn't terminate the message by
					// itself, only term-char/max-count do.
					continue
				}
				return visa.Message{Data: payload, Reason: visa.ReasonEnd}, visa.StatusSuccessEnd, nil
			}
		case msgFatalError:
			return visa.Message{Data: payload}, visa.StatusErrorConnLost, fmt.Errorf("hislip: FatalError from instrument (code %d)", h.ControlCode)
		case msgErrorMsg:
			// Non-fatal error: logged here, link stays usable.
			log.Printf("hislip: non-fatal Error from instrument (code %d)", h.ControlCode)
			continue
		}
	}
}

// resyncAfterTimeout issues AsyncDeviceClear on the async channel so
// the next write/read cycle starts from a known state (spec.md §4.4
// step list, §8 property 7, scenario S3).
func (e *Engine) resyncAfterTimeout() error {
	h := header{MsgType: msgAsyncDeviceClear, ControlCode: 0, Parameter: e.ids.current()}
	if err := writeMessage(e.asyncConn, h, nil); err != nil {
		return fmt.Errorf("hislip: AsyncDeviceClear: %w", err)
	}
	resp, err := e.awaitAsyncReply()
	if err != nil {
		return fmt.Errorf("hislip: AsyncDeviceClear ack: %w", err)
	}
	if resp.header.MsgType != msgAsyncDeviceClearAcknowledge {
		return fmt.Errorf("hislip: expected AsyncDeviceClearAcknowledge, got message type %d", resp.header.MsgType)
	}
	e.ids.reset()
	return nil
}

func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := header{MsgType: msgAsyncStatusQuery, ControlCode: 0, Parameter: e.ids.current()}
	if err := writeMessage(e.asyncConn, h, nil); err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("hislip: AsyncStatusQuery: %w", err)
	}
	resp, err := e.awaitAsyncReply()
	if err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("hislip: AsyncStatusResponse: %w", err)
	}
	if resp.header.MsgType != msgAsyncStatusResponse {
		return 0, visa.StatusErrorIO, fmt.Errorf("hislip: expected AsyncStatusResponse, got message type %d", resp.header.MsgType)
	}
	return resp.header.ControlCode, visa.StatusSuccess, nil
}

func (e *Engine) Clear() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resyncAfterTimeout(); err != nil {
		return visa.StatusErrorIO, err
	}
	return visa.StatusSuccess, nil
}

func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.ids.advance()
	h := header{MsgType: msgTrigger, ControlCode: 0, Parameter: id}
	if err := writeMessage(e.syncConn, h, nil); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("hislip: Trigger: %w", err)
	}
	return visa.StatusSuccess, nil
}

func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	controlCode := byte(1) // request lock
	if kind == visa.LockShared {
		controlCode = 2
	}
	h := header{MsgType: msgAsyncLock, ControlCode: controlCode, Parameter: uint32(timeout.Milliseconds())}
	key := []byte(requestedKey)
	h.PayloadLen = uint64(len(key))
	if err := writeMessage(e.asyncConn, h, key); err != nil {
		return "", visa.StatusErrorIO, fmt.Errorf("hislip: AsyncLock: %w", err)
	}
	resp, err := e.awaitAsyncReply()
	if err != nil {
		return "", visa.StatusErrorIO, fmt.Errorf("hislip: AsyncLockResponse: %w", err)
	}
	if resp.header.MsgType != msgAsyncLockResponse {
		return "", visa.StatusErrorIO, fmt.Errorf("hislip: expected AsyncLockResponse, got message type %d", resp.header.MsgType)
	}
	if resp.header.ControlCode == 0 {
		return "", visa.StatusErrorRsrcBusy, fmt.Errorf("hislip: lock request denied")
	}
	e.lockKey = requestedKey
	return e.lockKey, visa.StatusSuccess, nil
}

func (e *Engine) Unlock() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := header{MsgType: msgAsyncLock, ControlCode: 0}
	if err := writeMessage(e.asyncConn, h, nil); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("hislip: AsyncLock release: %w", err)
	}
	e.lockKey = ""
	return visa.StatusSuccess, nil
}

func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	// HiSLIP has no buffer-flush message; each Data/DataEnd exchange
	// is already synchronous with the instrument.
	return visa.StatusSuccess, nil
}

func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := netutil.SetKeepAlive(e.syncConn, enabled); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("hislip: set keepalive: %w", err)
	}
	return visa.StatusSuccess, nil
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout == visa.Forever || timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

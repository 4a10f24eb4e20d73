// Package usbtmc implements the USBTMC bulk-endpoint framed transport
// (spec.md §4.5) on top of github.com/google/gousb, following the
// device-open/claim/endpoint shape of the teacher's
// internal/driver/device/usb_device.go (gousb.Context,
// OpenDeviceWithVIDPID, Config/Interface/OutEndpoint/InEndpoint), and
// satisfies the pkg/visa.Engine capability interface.
package usbtmc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"visa/internal/quirks"
	"visa/pkg/visa"
)

const (
	usbtmcClass    = 0xFE
	usbtmcSubclass = 0x03

	// Control-transfer requests (USBTMC class spec, spec.md §6).
	reqInitiateAbortBulkOut   = 1
	reqCheckAbortBulkOutStatus = 2
	reqInitiateAbortBulkIn    = 3
	reqCheckAbortBulkInStatus = 4
	reqInitiateClear          = 5
	reqCheckClearStatus       = 6
	reqGetCapabilities        = 7
	reqIndicatorPulse         = 64
	reqReadStatusByte         = 128

	abortStatusSuccess = 0x01
	abortStatusPending = 0x02

	defaultEndpointChunk = 4096
)

// bulkWriter and bulkReader narrow *gousb.OutEndpoint/*gousb.InEndpoint
// down to the one method each that Write/Read exercise, so the
// chunking and accumulation logic can be driven by a fake in tests
// without a real USB device attached.
type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// controlDevice narrows *gousb.Device down to the control-transfer
// method the abort/clear/status-byte sequences use.
type controlDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Engine implements visa.Engine for USB[board]::...::INSTR and
// ::RAW resources.
type Engine struct {
	mu sync.Mutex

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut bulkWriter
	epIn  bulkReader
	ctrl  controlDevice

	epInMaxPacket int
	bTags         bTagCycle
	statusBTags   bTagCycle
	quirkFlags    quirks.Flag
	raw           bool
}

// New constructs an unopened USBTMC engine.
func New() *Engine {
	return &Engine{statusBTags: bTagCycle{next: 2}}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.raw = res.USBRaw
	e.quirkFlags = quirks.Lookup(quirks.Key{VendorID: res.VendorID, ProductID: res.ProductID})

	e.ctx = gousb.NewContext()

	dev, err := e.ctx.OpenDeviceWithVIDPID(gousb.ID(res.VendorID), gousb.ID(res.ProductID))
	if err != nil {
		e.ctx.Close()
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("usbtmc: open VID:PID %04x:%04x: %w", res.VendorID, res.ProductID, err)
	}
	if dev == nil {
		e.ctx.Close()
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("usbtmc: no device matching VID:PID %04x:%04x", res.VendorID, res.ProductID)
	}
	e.dev = dev
	e.ctrl = dev

	if e.quirkFlags.Has(quirks.NeedsResetOnOpen) {
		if err := dev.Reset(); err != nil {
			e.closeLocked()
			return visa.StatusErrorIO, fmt.Errorf("usbtmc: reset on open: %w", err)
		}
	}
	if err := dev.SetAutoDetach(true); err != nil {
		// Not fatal: some platforms/drivers don't need or support
		// detaching the kernel driver.
		_ = err
	}

	cfgNum := 1
	if e.quirkFlags.Has(quirks.OnlyOneSetConfiguration) {
		// Reconfiguring an already-configured device detaches the
		// kernel driver and loses communication on these instruments;
		// if the device landed on a configuration already, claim that
		// one instead of forcing a SET_CONFIGURATION to 1.
		if active, err := dev.ActiveConfigNum(); err == nil && active != 0 {
			cfgNum = active
		}
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		e.closeLocked()
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: set config: %w", err)
	}
	e.cfg = cfg

	ifaceNum := res.USBInterface
	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		e.closeLocked()
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: claim interface %d: %w", ifaceNum, err)
	}
	e.intf = intf

	epOutNum, epInNum, maxPacket, err := findBulkEndpoints(intf)
	if err != nil {
		e.closeLocked()
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: %w", err)
	}
	e.epInMaxPacket = maxPacket

	epOut, err := intf.OutEndpoint(epOutNum)
	if err != nil {
		e.closeLocked()
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: open bulk-OUT endpoint: %w", err)
	}
	e.epOut = epOut

	epIn, err := intf.InEndpoint(epInNum)
	if err != nil {
		e.closeLocked()
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: open bulk-IN endpoint: %w", err)
	}
	e.epIn = epIn

	return visa.StatusSuccess, nil
}

// findBulkEndpoints picks the first bulk-OUT and bulk-IN endpoints
// declared by the interface's active alternate setting.
func findBulkEndpoints(intf *gousb.Interface) (outNum, inNum, maxPacket int, err error) {
	outNum, inNum = -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			outNum = ep.Number
		case gousb.EndpointDirectionIn:
			inNum = ep.Number
			maxPacket = ep.MaxPacketSize
		}
	}
	if outNum < 0 || inNum < 0 {
		return 0, 0, 0, fmt.Errorf("no bulk endpoint pair found on claimed interface")
	}
	return outNum, inNum, maxPacket, nil
}

func (e *Engine) closeLocked() {
	if e.intf != nil {
		e.intf.Close()
		e.intf = nil
	}
	if e.cfg != nil {
		e.cfg.Close()
		e.cfg = nil
	}
	if e.dev != nil {
		e.dev.Close()
		e.dev = nil
	}
	if e.ctx != nil {
		e.ctx.Close()
		e.ctx = nil
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

// Write implements the DEV_DEP_MSG_OUT fragmentation sequence (spec.md
// §4.5 "Write sequence").
func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := contextFor(timeout)
	defer cancel()

	if e.raw {
		// ::RAW resources bypass the USBTMC header entirely: the
		// bulk-OUT endpoint carries the caller's bytes unframed.
		n, err := e.epOut.WriteContext(ctx, data)
		if err != nil {
			return n, visa.StatusErrorIO, fmt.Errorf("usbtmc: raw bulk-OUT write: %w", err)
		}
		return n, visa.StatusSuccess, nil
	}

	chunkSize := defaultEndpointChunk
	total := 0

	for {
		end := total + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[total:end]
		isLast := end == len(data)

		tag := e.bTags.Next()
		attrs := byte(0)
		if isLast && sendEnd {
			attrs |= attrEOM
		}

		h := header{
			MsgID:        msgDevDepMsgOut,
			BTag:         tag,
			BTagInverse:  ^tag,
			TransferSize: uint32(len(chunk)),
			Attributes:   attrs,
		}
		frame := h.encode()
		frame = append(frame, chunk...)
		for i := 0; i < alignPad(len(chunk)); i++ {
			frame = append(frame, 0)
		}

		if _, err := e.epOut.WriteContext(ctx, frame); err != nil {
			status, abortErr := e.abortBulkOut(tag)
			if abortErr != nil {
				return total, status, fmt.Errorf("usbtmc: bulk-OUT write failed and abort failed: %w (write error: %v)", abortErr, err)
			}
			return total, visa.StatusErrorIO, fmt.Errorf("usbtmc: bulk-OUT write: %w", err)
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

// Read implements the REQUEST_DEV_DEP_MSG_IN / bulk-IN read sequence
// (spec.md §4.5 "Read sequence", property 5, scenario S2).
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := contextFromDeadline(policy.Deadline)
	defer cancel()

	if e.raw {
		maxPacket := e.epInMaxPacket
		if maxPacket <= 0 {
			maxPacket = defaultEndpointChunk
		}
		if policy.MaxBytes > 0 && policy.MaxBytes < maxPacket {
			maxPacket = policy.MaxBytes
		}
		buf := make([]byte, maxPacket)
		n, err := e.epIn.ReadContext(ctx, buf)
		if err != nil {
			return visa.Message{Reason: visa.ReasonTimeout}, visa.StatusErrorTimeout, nil
		}
		return visa.Message{Data: buf[:n], Reason: visa.ReasonEnd}, visa.StatusSuccessEnd, nil
	}

	requestSize := policy.MaxBytes
	if requestSize <= 0 {
		requestSize = defaultEndpointChunk
	}

	tag := e.bTags.Next()
	attrs := byte(0)
	if policy.TermCharEnabled {
		attrs |= attrTermChar
	}
	reqHeader := header{
		MsgID:        msgRequestDevDepMsgIn,
		BTag:         tag,
		BTagInverse:  ^tag,
		TransferSize: uint32(requestSize),
		Attributes:   attrs,
		TermChar:     policy.TermChar,
	}

	if _, err := e.epOut.WriteContext(ctx, reqHeader.encode()); err != nil {
		return visa.Message{}, visa.StatusErrorIO, fmt.Errorf("usbtmc: REQUEST_DEV_DEP_MSG_IN write: %w", err)
	}

	var payload []byte
	var advertisedSize int
	first := true
	maxPacket := e.epInMaxPacket
	if maxPacket <= 0 {
		maxPacket = 64
	}

	for {
		buf := make([]byte, maxPacket)
		n, err := e.epIn.ReadContext(ctx, buf)
		if err != nil {
			status, abortErr := e.abortBulkIn(tag)
			if abortErr != nil {
				return visa.Message{Data: payload}, status, fmt.Errorf("usbtmc: bulk-IN read failed and abort failed: %w (read error: %v)", abortErr, err)
			}
			return visa.Message{Data: payload, Reason: visa.ReasonTimeout}, visa.StatusErrorTimeout, nil
		}
		chunk := buf[:n]

		if first {
			h, err := decodeHeader(chunk)
			if err != nil {
				return visa.Message{Data: payload}, visa.StatusErrorIO, fmt.Errorf("usbtmc: %w", err)
			}
			advertisedSize = int(h.TransferSize)
			if e.quirkFlags.Has(quirks.IgnoresTransferSizeInHeader) {
				// This device's header TransferSize can't be trusted;
				// fall back to short-packet termination only.
				advertisedSize = -1
			}
			chunk = chunk[headerSize:]
			first = false
		}

		payload = append(payload, chunk...)
		short := n < maxPacket

		if advertisedSize >= 0 && len(payload) >= advertisedSize {
			payload = payload[:advertisedSize]
			return visa.Message{Data: payload, Reason: visa.ReasonEnd}, visa.StatusSuccessEnd, nil
		}
		if short {
			// Short packet terminates the transfer per USBTMC §3.3
			// even if fewer bytes arrived than advertised.
			return visa.Message{Data: payload, Reason: visa.ReasonEnd}, visa.StatusSuccessEnd, nil
		}
	}
}

// abortBulkOut runs the USBTMC abort sequence for a stalled bulk-OUT
// transfer: INITIATE_ABORT_BULK_OUT, poll CHECK_ABORT_BULK_OUT_STATUS
// until not pending, then the caller's next write effectively flushes
// (spec.md §4.5 "Abort").
func (e *Engine) abortBulkOut(tag byte) (visa.StatusCode, error) {
	return e.runAbort(reqInitiateAbortBulkOut, reqCheckAbortBulkOutStatus, tag)
}

func (e *Engine) abortBulkIn(tag byte) (visa.StatusCode, error) {
	return e.runAbort(reqInitiateAbortBulkIn, reqCheckAbortBulkInStatus, tag)
}

func (e *Engine) runAbort(initiateReq, checkReq uint8, tag byte) (visa.StatusCode, error) {
	resp := make([]byte, 2)
	if _, err := e.ctrl.Control(0xA2, initiateReq, 0, uint16(tag), resp); err != nil {
		return visa.StatusErrorAbort, fmt.Errorf("usbtmc: INITIATE_ABORT: %w", err)
	}
	if resp[0] != abortStatusSuccess {
		return visa.StatusErrorAbort, fmt.Errorf("usbtmc: INITIATE_ABORT rejected (status=%d)", resp[0])
	}

	for i := 0; i < 50; i++ {
		status := make([]byte, 2)
		if _, err := e.ctrl.Control(0xA2, checkReq, 0, 0, status); err != nil {
			return visa.StatusErrorAbort, fmt.Errorf("usbtmc: CHECK_ABORT_STATUS: %w", err)
		}
		if status[0] != abortStatusPending {
			return visa.StatusErrorAbort, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return visa.StatusErrorAbort, fmt.Errorf("usbtmc: abort sequence did not complete (still PENDING)")
}

func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tag := e.statusBTags.Next()
	resp := make([]byte, 3)
	if _, err := e.ctrl.Control(0xA1, reqReadStatusByte, 0, uint16(tag), resp); err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("usbtmc: READ_STATUS_BYTE: %w", err)
	}
	return resp[2], visa.StatusSuccess, nil
}

func (e *Engine) Clear() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp := make([]byte, 1)
	if _, err := e.ctrl.Control(0xA2, reqInitiateClear, 0, 0, resp); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("usbtmc: INITIATE_CLEAR: %w", err)
	}
	for i := 0; i < 50; i++ {
		status := make([]byte, 1)
		if _, err := e.ctrl.Control(0xA2, reqCheckClearStatus, 0, 0, status); err != nil {
			return visa.StatusErrorIO, fmt.Errorf("usbtmc: CHECK_CLEAR_STATUS: %w", err)
		}
		if status[0] != abortStatusPending {
			return visa.StatusSuccess, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return visa.StatusErrorIO, fmt.Errorf("usbtmc: clear did not complete")
}

func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	// USBTMC/USB488 exposes a TRIGGER message via a vendor/class
	// request on some instruments but it is not part of the core
	// USBTMC class spec; not supported on a plain USBTMC engine.
	return visa.StatusErrorNotSupportedAttr, fmt.Errorf("usbtmc: assert_trigger is not supported over USBTMC")
}

func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	// USB has no server-side lock protocol; the session's exclusive
	// ownership of the endpoint pair already enforces single-owner
	// access (spec.md §3 "invariant 'session holds exclusive' flag").
	return requestedKey, visa.StatusSuccess, nil
}

func (e *Engine) Unlock() (visa.StatusCode, error) {
	return visa.StatusSuccess, nil
}

func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	if readBuf {
		return e.Clear()
	}
	return visa.StatusSuccess, nil
}

func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, fmt.Errorf("usbtmc: TCPIP_KEEPALIVE does not apply to a USB transport")
}

func contextFor(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == visa.Forever || timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func contextFromDeadline(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

package gpib

import (
	"fmt"
	"sync"
	"time"

	"visa/internal/xdr"
	"visa/pkg/visa"
)

// readChunkSize bounds each driver.Read call backing the host-side
// term-char scan in Read: GPIB has no protocol-level term-char match
// the way VXI-11's device_read does, so Engine reads in small bursts
// and evaluates stop conditions itself via internal/xdr.ReadUntil.
const readChunkSize = 512

// Engine is the GPIB primary/secondary engine (spec.md §4.6). It
// satisfies pkg/visa.Engine by driving a driver value — normally
// drvLinux, substituted with a fake in tests.
type Engine struct {
	mu sync.Mutex

	drv    driver
	handle int
	board  int

	locked   bool
	lockKind visa.LockKind
	lockKey  string
}

// New constructs an Engine. A nil drv selects the platform default
// (drvLinux on linux, an always-failing stub elsewhere).
func New(drv driver) *Engine {
	if drv == nil {
		drv = newDefaultDriver()
	}
	return &Engine{drv: drv}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	secondary := noSecondary
	if res.Secondary >= 0 {
		secondary = res.Secondary
	}

	handle, err := e.drv.Open(res.Board, res.Primary, secondary)
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("gpib: open board=%d primary=%d secondary=%d: %w", res.Board, res.Primary, secondary, err)
	}
	e.handle = handle
	e.board = res.Board
	return visa.StatusSuccess, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drv.Close(e.handle)
}

// Write sends data as one logical message, asserting EOI on the final
// byte when sendEnd is set (spec.md §4.6).
func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.drv.Write(e.handle, data, sendEnd, timeout)
	if err != nil {
		return n, visa.StatusErrorIO, fmt.Errorf("gpib: write: %w", err)
	}
	return n, visa.StatusSuccess, nil
}

// Read accumulates a logical message, stopping on EOI, a matched
// term-char, or policy.MaxBytes, via internal/xdr.ReadUntil driving
// small driver.Read bursts (spec.md §4.6: "read respects end-of-string
// match and END line").
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	next := func(deadline time.Time) ([]byte, bool, error) {
		timeout := time.Duration(0)
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout < 0 {
				timeout = 0
			}
		}
		buf := make([]byte, readChunkSize)
		n, eoiSeen, err := e.drv.Read(handle, buf, timeout)
		if err != nil {
			return nil, false, err
		}
		return buf[:n], eoiSeen, nil
	}

	data, reason, err := xdr.ReadUntil(xdr.Policy{
		MaxBytes:        policy.MaxBytes,
		TermCharEnabled: policy.TermCharEnabled,
		TermChar:        policy.TermChar,
		SuppressEnd:     policy.SuppressEnd,
		Deadline:        policy.Deadline,
	}, next)
	if err != nil {
		return visa.Message{Data: data}, visa.StatusErrorIO, fmt.Errorf("gpib: read: %w", err)
	}

	completion := stopReasonToCompletion(reason)
	return visa.Message{Data: data, Reason: completion}, completion.Status(), nil
}

func stopReasonToCompletion(r xdr.StopReason) visa.CompletionReason {
	switch r {
	case xdr.StopEnd:
		return visa.ReasonEnd
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

// ReadStatusByte performs a GPIB serial poll (spec.md §4.6).
func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sb, err := e.drv.SerialPoll(e.handle)
	if err != nil {
		return 0, visa.StatusErrorIO, fmt.Errorf("gpib: serial poll: %w", err)
	}
	return sb, visa.StatusSuccess, nil
}

// Clear issues a Selected Device Clear.
func (e *Engine) Clear() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.drv.Clear(e.handle); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("gpib: clear: %w", err)
	}
	return visa.StatusSuccess, nil
}

// AssertTrigger issues a Group Execute Trigger.
func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.drv.Trigger(e.handle); err != nil {
		return visa.StatusErrorIO, fmt.Errorf("gpib: trigger: %w", err)
	}
	return visa.StatusSuccess, nil
}

// Lock and Unlock implement a local-only exclusive/shared flag: GPIB
// has no server-side lock protocol the way VXI-11 and HiSLIP do, so
// this only prevents a second session on the same process from racing
// the handle (cross-process exclusivity is the OS's /dev/gpib<N>
// open-mode problem, not this engine's).
func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked && e.lockKind == visa.LockExclusive {
		return "", visa.StatusErrorRsrcBusy, fmt.Errorf("gpib: resource already exclusively locked")
	}
	e.locked = true
	e.lockKind = kind
	e.lockKey = requestedKey
	return e.lockKey, visa.StatusSuccess, nil
}

func (e *Engine) Unlock() (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.locked = false
	e.lockKey = ""
	return visa.StatusSuccess, nil
}

// Flush has no GPIB-level buffered state to discard beyond what Clear
// already does for the read direction.
func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	if readBuf {
		return e.Clear()
	}
	return visa.StatusSuccess, nil
}

// SetKeepAlive does not apply to a GPIB bus.
func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, nil
}

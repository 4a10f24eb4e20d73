// Package serial implements the ASRL (RS-232/RS-485) engine as a thin
// wrapper over a third-party serial library (spec.md §1: "Serial
// transport is out of scope beyond its framing rules because it is a
// thin wrapper over a third-party serial library"), plus the Prologix
// GPIB-over-serial/-Ethernet adapter framing in prologix.go. Wired to
// github.com/goburrow/serial, the pack's only serial-port library
// (elektrosoftlab-modbus's manifest).
package serial

import (
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/goburrow/serial"

	"visa/internal/xdr"
	"visa/pkg/visa"
)

const (
	defaultBaudRate = 9600
	defaultDataBits = 8
	defaultStopBits = 1
	defaultParity   = "N"

	readChunkSize = 256
)

// PortConfig is the per-ASRL-board line configuration VISA's
// baud_rate/data_bits/parity/stop_bits attributes layer onto. A
// resource string names only a board number (spec.md §3:
// "ASRL[board]::INSTR with board resolving to an OS serial port or
// PySerial URL"); the board-to-device mapping and line settings are
// supplied by the embedding process, the same way the teacher's
// internal/config separates ambient defaults from resource naming.
type PortConfig struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// PortResolver maps an ASRL board number to the line configuration to
// open it with.
type PortResolver func(board int) PortConfig

// DefaultResolver opens "/dev/ttyUSB<board>" at 9600 8N1, matching
// pyvisa-py's own ASRL fallback. It sees only the board number, so
// res.PortName plays no part in the choice of device.
func DefaultResolver(board int) PortConfig {
	return PortConfig{Device: fmt.Sprintf("/dev/ttyUSB%d", board), BaudRate: defaultBaudRate, DataBits: defaultDataBits, StopBits: defaultStopBits, Parity: defaultParity}
}

type portOpener func(c *goserial.Config) (io.ReadWriteCloser, error)

// Engine is the ASRL engine (spec.md §4.6 "serial" row). It satisfies
// pkg/visa.Engine.
type Engine struct {
	mu sync.Mutex

	open     portOpener
	resolve  PortResolver
	port     io.ReadWriteCloser
	readTimeout time.Duration

	locked   bool
	lockKind visa.LockKind
	lockKey  string
}

// New constructs an Engine. A nil resolve uses DefaultResolver; opener
// defaults to goserial.Open and is overridden in tests.
func New(resolve PortResolver) *Engine {
	if resolve == nil {
		resolve = DefaultResolver
	}
	return &Engine{
		resolve: resolve,
		open: func(c *goserial.Config) (io.ReadWriteCloser, error) {
			return goserial.Open(c)
		},
	}
}

func (e *Engine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.resolve(res.Board)
	device := cfg.Device
	if res.PortName != "" {
		device = res.PortName
	}
	if device == "" {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("serial: no device configured for ASRL%d", res.Board)
	}

	// goburrow/serial's read timeout is fixed for the life of the
	// open port (it programs VTIME on the tty, not a per-call
	// deadline), so every subsequent Read shares this one value
	// rather than honoring its own policy.Deadline exactly.
	readTimeout := 2 * time.Second
	if openTimeout > 0 && openTimeout != visa.Forever {
		readTimeout = openTimeout
	}

	port, err := e.open(&goserial.Config{
		Address:  device,
		BaudRate: orDefault(cfg.BaudRate, defaultBaudRate),
		DataBits: orDefault(cfg.DataBits, defaultDataBits),
		StopBits: orDefault(cfg.StopBits, defaultStopBits),
		Parity:   orDefaultStr(cfg.Parity, defaultParity),
		Timeout:  readTimeout,
	})
	if err != nil {
		return visa.StatusErrorRsrcNotFound, fmt.Errorf("serial: open %s: %w", device, err)
	}

	e.port = port
	e.readTimeout = readTimeout
	return visa.StatusSuccess, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return nil
	}
	return e.port.Close()
}

// Write sends data as-is. ASRL's send-end semantics (asserting a
// parity-bit or break END indicator) are part of the out-of-scope
// serial framing detail (§1); sendEnd is accepted but has no wire
// effect on a plain serial line.
func (e *Engine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.port.Write(data)
	if err != nil {
		return n, visa.StatusErrorIO, fmt.Errorf("serial: write: %w", err)
	}
	return n, visa.StatusSuccess, nil
}

// Read accumulates a logical message via internal/xdr.ReadUntil. A
// plain serial line has no transport-level end-of-message indicator,
// so term-char matching (VISA defaults TERMCHAR_EN on for ASRL) and
// MaxBytes are the only stop conditions that ever fire short of
// timeout.
func (e *Engine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()

	next := func(deadline time.Time) ([]byte, bool, error) {
		buf := make([]byte, readChunkSize)
		n, err := port.Read(buf)
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
		return visa.Message{Data: data}, visa.StatusErrorIO, fmt.Errorf("serial: read: %w", err)
	}

	completion := stopReasonToCompletion(reason)
	return visa.Message{Data: data, Reason: completion}, completion.Status(), nil
}

// stopReasonToCompletion is shared by Engine (plain ASRL, which never
// produces xdr.StopEnd since a bare serial line has no end-of-message
// indicator) and PrologixEngine (whose "++read eoi" line terminator
// does count as one).
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

// ReadStatusByte has no equivalent on a plain serial line (no
// service-request side channel without a Prologix adapter — see
// PrologixEngine.ReadStatusByte for that case).
func (e *Engine) ReadStatusByte() (byte, visa.StatusCode, error) {
	return 0, visa.StatusErrorNotSupportedAttr, nil
}

// Clear has no standard meaning on a plain serial line; VISA's
// viClear on ASRL flushes the OS driver's I/O buffers, which this
// delegates to Flush.
func (e *Engine) Clear() (visa.StatusCode, error) {
	return e.Flush(true, true)
}

// AssertTrigger has no equivalent on a plain serial line.
func (e *Engine) AssertTrigger() (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, nil
}

func (e *Engine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked && e.lockKind == visa.LockExclusive {
		return "", visa.StatusErrorRsrcBusy, fmt.Errorf("serial: resource already exclusively locked")
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

// Flush is a no-op beyond what goburrow/serial already guarantees: it
// exposes no explicit buffer-discard call, so there is nothing further
// for this engine to do besides reporting success.
func (e *Engine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	return visa.StatusSuccess, nil
}

// SetKeepAlive does not apply to a serial line.
func (e *Engine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	return visa.StatusErrorNotSupportedAttr, nil
}


// Package engines is the composition root that wires every concrete
// transport engine (internal/vxi11, internal/hislip, internal/usbtmc,
// internal/gpib, internal/serial, internal/vicp) into one
// pkg/visa.ResourceManager, grounded on the teacher's
// pkg/hashing/factory package: one place that knows about every method
// package so the rest of the module doesn't have to. There is no
// cmd/ binary in this module (§1 places CLI tooling out of scope), so
// this is the library's outermost layer rather than a main package.
package engines

import (
	"fmt"
	"io"
	"time"

	"visa/internal/config"
	"visa/internal/gpib"
	"visa/internal/hislip"
	"visa/internal/serial"
	"visa/internal/usbtmc"
	"visa/internal/vicp"
	"visa/internal/vxi11"
	"visa/pkg/visa"
)

// Config selects which optional, deployment-specific wiring a
// ResourceManager built by New should carry. Every field is optional;
// the zero Config wires every transport with its plain defaults.
type Config struct {
	// SerialPorts maps an ASRL board number to its line configuration.
	// A nil value uses serial.DefaultResolver (9600 8N1 on
	// "/dev/ttyUSB<board>").
	SerialPorts serial.PortResolver

	// PrologixAdapters names, per GPIB board number, a dialer that
	// opens the Prologix controller's command connection (TCP to a
	// GPIB-Ethernet adapter, or a serial port to a GPIB-USB one). A
	// board with no entry here uses the native GPIB driver instead
	// (internal/gpib, Linux ioctl or the unsupported stub elsewhere).
	PrologixAdapters map[int]func() (io.ReadWriteCloser, error)
}

// New builds a ResourceManager with every transport family registered
// (§4.8's enabled-transport set, fixed at construction per §9 REDESIGN
// FLAG #1 rather than discovered at runtime) — unless
// internal/config.Load() (§EXP-3) names a narrower EnabledTransports
// set, in which case only the named transport prefixes are registered.
// The default open timeout and default session I/O timeout Open
// applies to new sessions also come from that same ambient config.
func New(cfg Config) *visa.ResourceManager {
	defaults := config.Load()
	m := visa.NewResourceManagerWithDefaults(defaults.OpenTimeout, defaults.IOTimeout)

	if transportEnabled("TCPIP", defaults.EnabledTransports) {
		m.RegisterEngine(visa.SchemeTCPIPInstr, func() visa.Engine {
			return &tcpipInstrEngine{}
		})
		m.RegisterEngine(visa.SchemeTCPIPSocket, func() visa.Engine {
			return vicp.New()
		})
	}
	if transportEnabled("USB", defaults.EnabledTransports) {
		m.RegisterEngine(visa.SchemeUSB, func() visa.Engine {
			return usbtmc.New()
		})
	}
	if transportEnabled("GPIB", defaults.EnabledTransports) {
		m.RegisterEngine(visa.SchemeGPIB, func() visa.Engine {
			return &gpibEngine{adapters: cfg.PrologixAdapters}
		})
	}
	if transportEnabled("ASRL", defaults.EnabledTransports) {
		resolve := cfg.SerialPorts
		if resolve == nil {
			resolve = serial.DefaultResolver
		}
		m.RegisterEngine(visa.SchemeASRL, func() visa.Engine {
			return serial.New(resolve)
		})
	}

	return m
}

// transportEnabled reports whether prefix (e.g. "TCPIP", "USB") should
// be registered: an empty enabled list means every transport is
// enabled, matching config.Defaults' documented "empty means all".
func transportEnabled(prefix string, enabled []string) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, e := range enabled {
		if e == prefix {
			return true
		}
	}
	return false
}

// tcpipInstrEngine defers the VXI-11-vs-HiSLIP choice to Open, since
// ParseResource already decided it from the lan_device_name prefix
// (§3: "hislip0" selects HiSLIP, anything else VXI-11) without any
// network round trip of its own.
type tcpipInstrEngine struct {
	delegate visa.Engine
}

func (e *tcpipInstrEngine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	if res.Protocol == visa.IOProtocolHiSLIP {
		e.delegate = hislip.New()
	} else {
		e.delegate = vxi11.New()
	}
	return e.delegate.Open(res, openTimeout)
}

func (e *tcpipInstrEngine) Close() error { return e.delegate.Close() }
func (e *tcpipInstrEngine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	return e.delegate.Write(data, sendEnd, timeout)
}
func (e *tcpipInstrEngine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	return e.delegate.Read(policy)
}
func (e *tcpipInstrEngine) ReadStatusByte() (byte, visa.StatusCode, error) {
	return e.delegate.ReadStatusByte()
}
func (e *tcpipInstrEngine) Clear() (visa.StatusCode, error)        { return e.delegate.Clear() }
func (e *tcpipInstrEngine) AssertTrigger() (visa.StatusCode, error) { return e.delegate.AssertTrigger() }
func (e *tcpipInstrEngine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	return e.delegate.Lock(kind, timeout, requestedKey)
}
func (e *tcpipInstrEngine) Unlock() (visa.StatusCode, error) { return e.delegate.Unlock() }
func (e *tcpipInstrEngine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	return e.delegate.Flush(readBuf, writeBuf)
}
func (e *tcpipInstrEngine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	return e.delegate.SetKeepAlive(enabled)
}

// gpibEngine defers native-vs-Prologix to Open the same way: the
// board number picks a Prologix adapter dialer out of Config if one
// was registered, otherwise the native driver.
type gpibEngine struct {
	adapters map[int]func() (io.ReadWriteCloser, error)
	delegate visa.Engine
}

func (e *gpibEngine) Open(res visa.ResourceID, openTimeout time.Duration) (visa.StatusCode, error) {
	if dial, ok := e.adapters[res.Board]; ok {
		conn, err := dial()
		if err != nil {
			return visa.StatusErrorRsrcNotFound, fmt.Errorf("engines: dial prologix adapter for GPIB%d: %w", res.Board, err)
		}
		e.delegate = serial.NewPrologix(conn)
	} else {
		e.delegate = gpib.New(nil)
	}
	return e.delegate.Open(res, openTimeout)
}

func (e *gpibEngine) Close() error { return e.delegate.Close() }
func (e *gpibEngine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, visa.StatusCode, error) {
	return e.delegate.Write(data, sendEnd, timeout)
}
func (e *gpibEngine) Read(policy visa.ReadPolicy) (visa.Message, visa.StatusCode, error) {
	return e.delegate.Read(policy)
}
func (e *gpibEngine) ReadStatusByte() (byte, visa.StatusCode, error) {
	return e.delegate.ReadStatusByte()
}
func (e *gpibEngine) Clear() (visa.StatusCode, error)        { return e.delegate.Clear() }
func (e *gpibEngine) AssertTrigger() (visa.StatusCode, error) { return e.delegate.AssertTrigger() }
func (e *gpibEngine) Lock(kind visa.LockKind, timeout time.Duration, requestedKey string) (string, visa.StatusCode, error) {
	return e.delegate.Lock(kind, timeout, requestedKey)
}
func (e *gpibEngine) Unlock() (visa.StatusCode, error) { return e.delegate.Unlock() }
func (e *gpibEngine) Flush(readBuf, writeBuf bool) (visa.StatusCode, error) {
	return e.delegate.Flush(readBuf, writeBuf)
}
func (e *gpibEngine) SetKeepAlive(enabled bool) (visa.StatusCode, error) {
	return e.delegate.SetKeepAlive(enabled)
}

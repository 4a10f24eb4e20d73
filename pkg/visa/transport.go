package visa

import "time"

// ReadPolicy bundles the stop conditions internal/xdr's read_until
// loop and every engine's read() must honor (spec.md §4.1, §3 Message
// termination rule).
type ReadPolicy struct {
	MaxBytes        int
	TermCharEnabled bool
	TermChar        byte
	SuppressEnd     bool
	Deadline        time.Time
}

// Engine is the narrow capability interface every transport family
// implements (VXI-11, HiSLIP, USBTMC, GPIB, serial, VICP, raw socket).
// It replaces the dynamic "detect what's available, pick the best
// backend" pattern with a fixed, compile-time set of capabilities
// (spec.md §9 REDESIGN FLAG #1) — grounded on the teacher's
// pkg/hashing/core.HashMethod shape (Name/IsAvailable/Initialize/
// Shutdown/ComputeHash/...), generalized from "compute a hash" to
// "move VISA messages over one transport."
//
// A Session holds exactly one Engine for its lifetime; ResourceManager
// selects which Engine to construct from the resource string's scheme.
type Engine interface {
	// Open establishes the transport connection and performs whatever
	// handshake the protocol requires (create_link, HiSLIP Initialize,
	// USB interface claim, ...), bounded by openTimeout.
	Open(res ResourceID, openTimeout time.Duration) (StatusCode, error)

	// Close releases the transport and any server-side link state.
	Close() error

	// Write sends data as one logical Message, honoring sendEnd for
	// the END/EOM indicator on the final fragment (§3, §4.3, §4.5).
	Write(data []byte, sendEnd bool, timeout time.Duration) (n int, status StatusCode, err error)

	// Read accumulates a logical Message under policy (§4.1).
	Read(policy ReadPolicy) (msg Message, status StatusCode, err error)

	// ReadStatusByte performs a serial-poll / READ_STATUS_BYTE /
	// AsyncStatusQuery depending on transport (§6).
	ReadStatusByte() (byte, StatusCode, error)

	// Clear issues device_clear / INITIATE_CLEAR / GPIB clear.
	Clear() (StatusCode, error)

	// AssertTrigger issues device_trigger / GPIB GET.
	AssertTrigger() (StatusCode, error)

	// Lock and Unlock implement §3's lock token. Every engine in this
	// module returns the caller's requestedKey as grantedKey; VXI-11's
	// device_lock reply carries no key, so no server-issued key is
	// ever reported.
	Lock(kind LockKind, timeout time.Duration, requestedKey string) (grantedKey string, status StatusCode, err error)
	Unlock() (StatusCode, error)

	// Flush discards buffered I/O per mask (VI_READ_BUF / VI_WRITE_BUF
	// style bit flags are left to the caller; the engine only needs to
	// know which direction(s) to flush).
	Flush(readBuf, writeBuf bool) (StatusCode, error)

	// SetKeepAlive maps the TCPIP_KEEPALIVE attribute onto the
	// underlying socket for every Ethernet sub-protocol (§4.8, S6). It
	// returns StatusErrorNotSupportedAttr on non-Ethernet transports.
	SetKeepAlive(enabled bool) (StatusCode, error)
}

// Package visa implements a pure-software backend for the VISA
// message-based instrument control API: a uniform session abstraction
// over Ethernet (VXI-11, HiSLIP, VICP, raw TCP), USB (USBTMC/USB-RAW),
// GPIB, and serial transports.
package visa

// StatusCode is the closed, VISA-compatible status enumeration every
// engine operation returns alongside its Go error. It lets callers
// branch on the VISA-level outcome without parsing error strings.
type StatusCode int

const (
	// StatusSuccess indicates the operation completed with no special
	// termination reason.
	StatusSuccess StatusCode = iota
	// StatusSuccessTermChar indicates a read stopped because the
	// configured termination character matched.
	StatusSuccessTermChar
	// StatusSuccessMaxCount indicates a read stopped because the
	// caller-requested byte count was reached.
	StatusSuccessMaxCount
	// StatusSuccessEnd indicates a read stopped because the transport
	// reported its end-of-message indicator.
	StatusSuccessEnd
	// StatusErrorTimeout indicates the operation's deadline elapsed
	// before a stop condition fired. Any bytes already read are still
	// returned to the caller.
	StatusErrorTimeout
	// StatusErrorConnLost indicates the underlying transport was reset
	// or disconnected. The session is marked unusable.
	StatusErrorConnLost
	// StatusErrorInvSetup indicates a malformed resource string or an
	// attribute/value combination the engine cannot honor.
	StatusErrorInvSetup
	// StatusErrorRsrcNotFound indicates open() could not locate the
	// addressed device (portmap miss, USB VID/PID not present, no GPIB
	// listener, serial port missing).
	StatusErrorRsrcNotFound
	// StatusErrorRsrcBusy indicates the addressed resource (port,
	// endpoint pair, GPIB handle) is already owned by another session.
	StatusErrorRsrcBusy
	// StatusErrorNotSupportedAttr indicates get_attribute/set_attribute
	// was called with an attribute id the engine does not implement.
	StatusErrorNotSupportedAttr
	// StatusErrorIO is a catch-all transport I/O failure that is not a
	// timeout and not a full connection loss (e.g. a USB pipe stall
	// cleared by the abort sequence).
	StatusErrorIO
	// StatusErrorAbort indicates an operation was cancelled by a
	// concurrent abort (VXI-11 device_abort, HiSLIP AsyncDeviceClear,
	// USBTMC abort sequence).
	StatusErrorAbort
)

// String renders the status the way VISA error messages conventionally
// read, for logging and test failure messages.
func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "VI_SUCCESS"
	case StatusSuccessTermChar:
		return "VI_SUCCESS_TERM_CHAR"
	case StatusSuccessMaxCount:
		return "VI_SUCCESS_MAX_CNT"
	case StatusSuccessEnd:
		return "VI_SUCCESS_END"
	case StatusErrorTimeout:
		return "VI_ERROR_TMO"
	case StatusErrorConnLost:
		return "VI_ERROR_CONN_LOST"
	case StatusErrorInvSetup:
		return "VI_ERROR_INV_SETUP"
	case StatusErrorRsrcNotFound:
		return "VI_ERROR_RSRC_NFOUND"
	case StatusErrorRsrcBusy:
		return "VI_ERROR_RSRC_BUSY"
	case StatusErrorNotSupportedAttr:
		return "VI_ERROR_NSUP_ATTR"
	case StatusErrorIO:
		return "VI_ERROR_IO"
	case StatusErrorAbort:
		return "VI_ERROR_ABORT"
	default:
		return "VI_ERROR_UNKNOWN"
	}
}

// IsError reports whether s represents a failure rather than one of
// the three success termination reasons.
func (s StatusCode) IsError() bool {
	return s >= StatusErrorTimeout
}

// CompletionReason classifies why a read loop stopped, independent of
// the StatusCode it is ultimately translated into. Framing and engine
// code works in terms of CompletionReason; StatusCode is the
// caller-facing translation applied once.
type CompletionReason int

const (
	// ReasonNone means no stop condition has fired yet.
	ReasonNone CompletionReason = iota
	// ReasonEnd means the transport signalled end-of-message.
	ReasonEnd
	// ReasonTermChar means the configured term-char byte was observed.
	ReasonTermChar
	// ReasonCountReached means the caller's requested byte budget was
	// exhausted.
	ReasonCountReached
	// ReasonTimeout means the deadline elapsed with no other condition
	// satisfied.
	ReasonTimeout
)

// Status translates a completion reason into the corresponding
// caller-facing StatusCode (spec.md §8 property 3: exactly one stop
// reason is recorded, and the status matches it 1:1).
func (r CompletionReason) Status() StatusCode {
	switch r {
	case ReasonEnd:
		return StatusSuccessEnd
	case ReasonTermChar:
		return StatusSuccessTermChar
	case ReasonCountReached:
		return StatusSuccessMaxCount
	case ReasonTimeout:
		return StatusErrorTimeout
	default:
		return StatusSuccess
	}
}

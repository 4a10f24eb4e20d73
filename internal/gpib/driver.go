// Package gpib implements the GPIB (IEEE-488) engine (spec.md §4.6):
// primary/secondary addressing, the listener-probe discovery
// algorithm, and clear/trigger/serial-poll/read/write. No example repo
// in the pack wraps a platform GPIB driver (the closest analogues are
// USB bulk-endpoint and TCP transports), so unlike every other engine
// this one is built against a narrow local driver interface rather
// than a third-party library: driver is the seam, and drvLinux (built
// only on linux) is the one concrete implementation, talking to the
// Linux GPIB kernel module's /dev/gpib<N> character devices the same
// way linux-gpib's userspace library does.
package gpib

import "time"

// minAddr and maxAddr bound both primary and secondary GPIB bus
// addresses (spec.md §4.6: "for each primary address 0..30").
const (
	minAddr = 0
	maxAddr = 30

	// noSecondary marks a ResourceID/open call with no secondary
	// addressing, matching visa.ResourceID.Secondary's -1 sentinel.
	noSecondary = -1
)

// driver is the narrow seam between Engine and a platform GPIB stack.
// It models exactly the operations spec.md §4.6 names: addressing,
// read/write with EOI, clear, trigger (GET), and serial poll. New(nil)
// gives each Engine a driver value of its own; engines share one only
// when the caller passes the same value to New, though every driver
// for a board talks to the same underlying kernel device.
type driver interface {
	// Listen reports whether a listener currently answers at
	// (primary, secondary) on board, without addressing it as talker
	// or allocating any session state — this is the non-disruptive
	// presence check spec.md §4.6's discovery algorithm requires.
	// secondary is noSecondary for a primary-only probe.
	Listen(board, primary, secondary int) (bool, error)

	// Open allocates a driver handle addressed at (primary, secondary)
	// on board. secondary is noSecondary for no secondary addressing.
	Open(board, primary, secondary int) (handle int, err error)

	// Close releases a handle returned by Open.
	Close(handle int) error

	// Write sends data to the device addressed by handle. eoi asserts
	// EOI on the final byte (spec.md: "write asserts EOI on the last
	// byte when send-end is set").
	Write(handle int, data []byte, eoi bool, timeout time.Duration) (n int, err error)

	// Read fills buf from the device addressed by handle, stopping on
	// EOI, a configured end-of-string character, or len(buf),
	// whichever comes first. eoiSeen reports whether the transfer
	// ended because the talker asserted EOI (spec.md: "read respects
	// end-of-string match and END line").
	Read(handle int, buf []byte, timeout time.Duration) (n int, eoiSeen bool, err error)

	// Clear issues a GPIB Selected Device Clear to handle.
	Clear(handle int) error

	// Trigger issues a GPIB Group Execute Trigger to handle.
	Trigger(handle int) error

	// SerialPoll performs a serial poll of handle, returning its
	// status byte.
	SerialPoll(handle int) (byte, error)
}

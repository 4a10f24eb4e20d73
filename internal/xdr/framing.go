package xdr

import "time"

// StopReason classifies why ReadUntil stopped accumulating bytes
// (spec.md §4.1). It is the framing-layer twin of pkg/visa's
// CompletionReason; engines translate between the two at the point
// where a Message is handed back to the caller.
type StopReason int

const (
	StopNone StopReason = iota
	StopEnd
	StopTermChar
	StopMaxBytes
	StopTimeout
)

// Policy bundles the stop conditions ReadUntil evaluates after every
// chunk (spec.md §4.1, §3 "a read completes when END | TERM_CHAR_MATCH
// | COUNT_REACHED, whichever first").
type Policy struct {
	MaxBytes        int
	TermCharEnabled bool
	TermChar        byte
	SuppressEnd     bool
	Deadline        time.Time // zero value means no deadline (block forever)
}

// NextChunk is supplied by the caller to fetch the next slice of bytes
// from whatever transport is underneath (a VXI-11 device_read RPC, a
// HiSLIP DataMessage, a USBTMC bulk-IN transfer, a raw socket read).
// It reports whether the transport itself signalled end-of-message for
// this chunk, and must respect the deadline it is given.
type NextChunk func(deadline time.Time) (chunk []byte, transportEnd bool, err error)

// ReadUntil accumulates bytes from next until a stop condition in
// policy fires, mirroring the teacher's USBDevice.ReadPacket pattern
// of a context-deadline-bounded read loop, generalized here to the
// VISA read()'s three independent stop conditions.
//
// On deadline expiry without any other stop condition, it returns
// StopTimeout with whatever has been accumulated so far — the caller
// must not discard a partial read on timeout (spec.md §4.1, §7).
func ReadUntil(policy Policy, next NextChunk) ([]byte, StopReason, error) {
	var buf []byte

	for {
		if !policy.Deadline.IsZero() && !time.Now().Before(policy.Deadline) {
			return buf, StopTimeout, nil
		}
		if policy.MaxBytes > 0 && len(buf) >= policy.MaxBytes {
			return buf[:policy.MaxBytes], StopMaxBytes, nil
		}

		chunk, transportEnd, err := next(policy.Deadline)
		if err != nil {
			return buf, StopNone, err
		}

		for i, b := range chunk {
			remaining := policy.MaxBytes - len(buf)
			if policy.MaxBytes > 0 && remaining <= 0 {
				return buf[:policy.MaxBytes], StopMaxBytes, nil
			}
			buf = append(buf, b)

			if policy.MaxBytes > 0 && len(buf) >= policy.MaxBytes {
				return buf[:policy.MaxBytes], StopMaxBytes, nil
			}
			// Term-char still applies even when suppress-end is set —
			// suppress-end only masks the transport END indicator
			// below (spec.md §9 Open Question decision).
			if policy.TermCharEnabled && b == policy.TermChar {
				return append([]byte{}, buf...), StopTermChar, nil
			}
			_ = i
		}

		if transportEnd && !policy.SuppressEnd {
			return buf, StopEnd, nil
		}

		if len(chunk) == 0 && transportEnd == false {
			// Transport returned nothing and did not signal end (e.g.
			// a zero-length intermediate HiSLIP DataMessage); this is
			// not a stop condition, so the loop asks for the next
			// chunk straight away, bounded only by the deadline check.
			continue
		}
	}
}

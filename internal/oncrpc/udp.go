package oncrpc

import "visa/internal/xdr"

// BuildCallMessage returns the XDR-encoded Sun RPC CALL message for a
// connectionless transport: the same call header and argument bytes
// Call sends over TCP, but without the record-marking frame that
// writeRecord/readRecord add (record marking is a TCP-only convention;
// a UDP datagram carries exactly one RPC message with no header). Used
// by internal/discovery's portmap broadcast, which has no connected
// Client to call Call on.
func BuildCallMessage(xid, program, version, procedure uint32, args []byte) []byte {
	msg := buildCallHeader(xid, program, version, procedure)
	return append(msg, args...)
}

// ParseReplyMessage parses a bare (non-record-marked) RPC reply
// datagram, as received from a UDP broadcast responder, returning the
// xid it carries so the caller can match it against an outstanding
// broadcast and the procedure-specific result bytes.
func ParseReplyMessage(buf []byte) (xid uint32, result []byte, err error) {
	xid, rest, err := xdr.GetUint32(buf)
	if err != nil {
		return 0, nil, err
	}
	result, err = parseReplyBody(rest)
	if err != nil {
		return xid, nil, err
	}
	return xid, result, nil
}

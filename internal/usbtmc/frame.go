package usbtmc

import (
	"encoding/binary"
	"fmt"
)

// Message IDs for the bulk-endpoint frames this engine emits/expects
// (USBTMC class spec, referenced by spec.md §4.5).
const (
	msgDevDepMsgOut        = 1
	msgRequestDevDepMsgIn  = 2
	msgDevDepMsgIn         = 2
)

// bmTransferAttributes bits.
const (
	attrEOM      = 0x01 // DEV_DEP_MSG_OUT: this is the last transfer of the message
	attrTermChar = 0x02 // REQUEST_DEV_DEP_MSG_IN: term_char field is valid
)

const headerSize = 12

// header is the fixed 12-byte USBTMC bulk message header (spec.md
// §4.5): MsgID, bTag, bTagInverse, reserved, TransferSize (LE32),
// bmTransferAttributes, term_char, 2 bytes reserved.
type header struct {
	MsgID        byte
	BTag         byte
	BTagInverse  byte
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.MsgID
	buf[1] = h.BTag
	buf[2] = h.BTagInverse
	buf[3] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[4:8], h.TransferSize)
	buf[8] = h.Attributes
	buf[9] = h.TermChar
	buf[10] = 0
	buf[11] = 0
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("usbtmc: short bulk-IN header (%d bytes, want %d)", len(buf), headerSize)
	}
	return header{
		MsgID:        buf[0],
		BTag:         buf[1],
		BTagInverse:  buf[2],
		TransferSize: binary.LittleEndian.Uint32(buf[4:8]),
		Attributes:   buf[8],
		TermChar:     buf[9],
	}, nil
}

// alignPad returns the number of zero bytes to append so n rounds up
// to the next multiple of 4, as USBTMC bulk transfers require.
func alignPad(n int) int {
	if rem := n % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

// bTagCycle produces the next bTag in 1..255, skipping 0 (spec.md
// §4.5: "bTag cycles through 1..255 (never 0)").
type bTagCycle struct {
	next byte
}

func (c *bTagCycle) Next() byte {
	if c.next == 0 {
		c.next = 1
	}
	tag := c.next
	c.next++
	if c.next == 0 {
		c.next = 1
	}
	return tag
}

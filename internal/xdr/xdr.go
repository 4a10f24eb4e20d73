// Package xdr implements the subset of External Data Representation
// (RFC 4506) that ONC/RPC needs: big-endian 32-bit integers and
// length-prefixed, 4-byte-padded opaque byte strings (spec.md §4.1).
package xdr

import (
	"encoding/binary"
	"fmt"
)

// PutUint32 appends the big-endian XDR encoding of v to buf.
func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// PutInt32 appends the big-endian XDR encoding of v to buf.
func PutInt32(buf []byte, v int32) []byte {
	return PutUint32(buf, uint32(v))
}

// GetUint32 reads a big-endian uint32 from the front of buf, returning
// the value and the remaining bytes.
func GetUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, fmt.Errorf("xdr: short buffer reading uint32 (have %d bytes)", len(buf))
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

// GetInt32 reads a big-endian int32 from the front of buf.
func GetInt32(buf []byte) (int32, []byte, error) {
	v, rest, err := GetUint32(buf)
	return int32(v), rest, err
}

// padLen returns the number of zero bytes needed to round n up to the
// next multiple of 4, per XDR's opaque-data alignment rule.
func padLen(n int) int {
	if rem := n % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

// PutOpaque appends the XDR encoding of an opaque<> byte string:
// a 4-byte big-endian length, the bytes themselves, then zero padding
// up to a 4-byte boundary. Padding is always written on send, per
// spec.md §4.1 ("the padding requirement is relaxed on receive ...
// but enforced on send").
func PutOpaque(buf []byte, data []byte) []byte {
	buf = PutUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	for i := 0; i < padLen(len(data)); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// PutFixedOpaque appends data without a length prefix, padded to a
// 4-byte boundary. Used for fixed-size XDR fields (e.g. RPC auth
// bodies) where the length is implied by the protocol, not encoded.
func PutFixedOpaque(buf []byte, data []byte) []byte {
	buf = append(buf, data...)
	for i := 0; i < padLen(len(data)); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// GetOpaque reads a length-prefixed opaque<> byte string from the
// front of buf and returns the payload and the remaining bytes.
// Padding is consumed if present but its absence is tolerated — some
// instruments send unpadded payloads on receive (spec.md §4.1).
func GetOpaque(buf []byte) ([]byte, []byte, error) {
	n, rest, err := GetUint32(buf)
	if err != nil {
		return nil, buf, fmt.Errorf("xdr: reading opaque length: %w", err)
	}
	length := int(n)
	if length < 0 || len(rest) < length {
		return nil, buf, fmt.Errorf("xdr: opaque length %d exceeds remaining buffer (%d bytes)", length, len(rest))
	}
	data := rest[:length]
	rest = rest[length:]

	skip := padLen(length)
	if skip > len(rest) {
		// Relaxed-on-receive: missing padding is not an error.
		return data, rest, nil
	}
	return data, rest[skip:], nil
}

// PutString appends an XDR string (identical wire shape to opaque<>,
// length-prefixed and padded) built from a Go string.
func PutString(buf []byte, s string) []byte {
	return PutOpaque(buf, []byte(s))
}

// GetString reads an XDR string from the front of buf.
func GetString(buf []byte) (string, []byte, error) {
	data, rest, err := GetOpaque(buf)
	if err != nil {
		return "", buf, err
	}
	return string(data), rest, nil
}

// PutBool appends an XDR bool (encoded as a 4-byte 0 or 1).
func PutBool(buf []byte, v bool) []byte {
	if v {
		return PutUint32(buf, 1)
	}
	return PutUint32(buf, 0)
}

// GetBool reads an XDR bool from the front of buf.
func GetBool(buf []byte) (bool, []byte, error) {
	v, rest, err := GetUint32(buf)
	if err != nil {
		return false, buf, err
	}
	return v != 0, rest, nil
}

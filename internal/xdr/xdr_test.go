package xdr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint32RoundTrip(t *testing.T) {
	buf := PutUint32(nil, 0xDEADBEEF)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, buf)

	v, rest, err := GetUint32(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.Empty(t, rest)
}

func TestOpaquePadding(t *testing.T) {
	// 5 bytes of payload needs 3 bytes of padding to reach 8.
	buf := PutOpaque(nil, []byte("hello"))
	assert.Len(t, buf, 4+5+3)

	data, rest, err := GetOpaque(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Empty(t, rest)
}

func TestOpaqueExactMultipleOfFour(t *testing.T) {
	buf := PutOpaque(nil, []byte("abcd"))
	assert.Len(t, buf, 4+4) // no padding needed

	data, rest, err := GetOpaque(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), data)
	assert.Empty(t, rest)
}

func TestGetOpaqueToleratesMissingPadding(t *testing.T) {
	// Relaxed on receive: some instruments omit the padding bytes.
	buf := PutUint32(nil, 5)
	buf = append(buf, []byte("hello")...) // no padding appended

	data, rest, err := GetOpaque(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Empty(t, rest)
}

func TestStringRoundTrip(t *testing.T) {
	buf := PutString(nil, "inst0")
	s, rest, err := GetString(buf)
	require.NoError(t, err)
	assert.Equal(t, "inst0", s)
	assert.Empty(t, rest)
}

func TestBoolRoundTrip(t *testing.T) {
	buf := PutBool(nil, true)
	v, _, err := GetBool(buf)
	require.NoError(t, err)
	assert.True(t, v)

	buf = PutBool(nil, false)
	v, _, err = GetBool(buf)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestGetUint32ShortBuffer(t *testing.T) {
	_, _, err := GetUint32([]byte{0x01, 0x02})
	assert.Error(t, err)
}

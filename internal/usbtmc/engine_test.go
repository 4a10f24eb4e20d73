package usbtmc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/internal/quirks"
	"visa/pkg/visa"
)

// fakeBulkWriter records every frame handed to WriteContext, exactly
// as the fake servers in internal/vxi11/engine_test.go record RPC
// calls, so the chunking logic can be asserted against without a real
// USB device attached.
type fakeBulkWriter struct {
	frames [][]byte
	err    error
}

func (w *fakeBulkWriter) WriteContext(ctx context.Context, buf []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.frames = append(w.frames, append([]byte{}, buf...))
	return len(buf), nil
}

// fakeBulkReader hands back pre-scripted bulk-IN transfers one at a
// time, emulating a device whose endpoint max packet size caps every
// transfer at a fixed length.
type fakeBulkReader struct {
	chunks [][]byte
	idx    int
}

func (r *fakeBulkReader) ReadContext(ctx context.Context, buf []byte) (int, error) {
	if r.idx >= len(r.chunks) {
		return 0, context.DeadlineExceeded
	}
	chunk := r.chunks[r.idx]
	r.idx++
	return copy(buf, chunk), nil
}

// fakeControlDevice scripts a sequence of responses to successive
// Control calls, recording the request codes it was driven with.
type fakeControlDevice struct {
	responses [][]byte
	idx       int
	requests  []uint8
}

func (c *fakeControlDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	c.requests = append(c.requests, request)
	if c.idx >= len(c.responses) {
		return 0, nil
	}
	n := copy(data, c.responses[c.idx])
	c.idx++
	return n, nil
}

// splitIntoPackets emulates how a USB bulk-IN endpoint with the given
// wMaxPacketSize would hand a logical transfer back to the host: fixed
// size chunks, with the final one short if the length doesn't divide
// evenly.
func splitIntoPackets(data []byte, maxPacket int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := maxPacket
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// TestReadAccumulatesAcrossShortPacket exercises the REQUEST_DEV_DEP_MSG_IN
// / bulk-IN read loop with a 1024-byte logical message split across
// 64-byte bulk-IN transfers (TransferSize=1024, wMaxPacketSize=64),
// asserting the caller sees exactly the 1024 data bytes with the
// 12-byte bulk-IN header stripped.
func TestReadAccumulatesAcrossShortPacket(t *testing.T) {
	const size = 1024
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	h := header{MsgID: msgDevDepMsgIn, BTag: 1, BTagInverse: ^byte(1), TransferSize: uint32(size), Attributes: attrEOM}
	wire := append(h.encode(), payload...)
	require.Zero(t, alignPad(size), "1024 already falls on a 4-byte boundary")

	e := &Engine{
		epOut:         &fakeBulkWriter{},
		epIn:          &fakeBulkReader{chunks: splitIntoPackets(wire, 64)},
		epInMaxPacket: 64,
	}

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: size})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, visa.ReasonEnd, msg.Reason)
	require.Len(t, msg.Data, size)
	assert.Equal(t, payload, msg.Data)
}

// TestReadStopsOnShortPacketBelowAdvertisedSize covers a device that
// advertises more than it actually sends and terminates early with a
// short packet, which USBTMC treats as end-of-transfer regardless of
// TransferSize.
func TestReadStopsOnShortPacketBelowAdvertisedSize(t *testing.T) {
	h := header{MsgID: msgDevDepMsgIn, BTag: 1, BTagInverse: ^byte(1), TransferSize: 100, Attributes: attrEOM}
	wire := append(h.encode(), []byte("short reply")...)

	e := &Engine{
		epOut:         &fakeBulkWriter{},
		epIn:          &fakeBulkReader{chunks: [][]byte{wire}},
		epInMaxPacket: 64,
	}

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, []byte("short reply"), msg.Data)
}

// TestReadIgnoresTransferSizeQuirkFallsBackToShortPacket covers a
// device whose bulk-IN header misreports TransferSize (here, smaller
// than what it actually sends): without the quirk the engine would
// truncate the message at the bogus advertised length, but with
// IgnoresTransferSizeInHeader set it must keep reading until the
// transport itself signals end-of-transfer with a short packet.
func TestReadIgnoresTransferSizeQuirkFallsBackToShortPacket(t *testing.T) {
	h := header{MsgID: msgDevDepMsgIn, BTag: 1, BTagInverse: ^byte(1), TransferSize: 5, Attributes: attrEOM}
	wire := append(h.encode(), []byte("full reply")...)

	e := &Engine{
		epOut:         &fakeBulkWriter{},
		epIn:          &fakeBulkReader{chunks: [][]byte{wire}},
		epInMaxPacket: 64,
		quirkFlags:    quirks.IgnoresTransferSizeInHeader,
	}

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 64})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, []byte("full reply"), msg.Data)
}

// TestWriteFragmentsOnlyLastChunkCarriesEOM mirrors vxi11's
// TestWriteChunking for the USBTMC fragmentation rule: every DEV_DEP_MSG_OUT
// frame but the last must clear the EOM bit.
func TestWriteFragmentsOnlyLastChunkCarriesEOM(t *testing.T) {
	data := make([]byte, defaultEndpointChunk+10)
	for i := range data {
		data[i] = byte(i)
	}

	w := &fakeBulkWriter{}
	e := &Engine{epOut: w}

	n, status, err := e.Write(data, true, 0)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, len(data), n)

	require.Len(t, w.frames, 2)
	first, err := decodeHeader(w.frames[0])
	require.NoError(t, err)
	second, err := decodeHeader(w.frames[1])
	require.NoError(t, err)

	assert.Zero(t, first.Attributes&attrEOM, "only the final fragment may carry EOM")
	assert.NotZero(t, second.Attributes&attrEOM)
	assert.Equal(t, uint32(defaultEndpointChunk), first.TransferSize)
	assert.Equal(t, uint32(10), second.TransferSize)
}

func TestWriteNoEndSuppressesEOMOnLastChunk(t *testing.T) {
	w := &fakeBulkWriter{}
	e := &Engine{epOut: w}

	_, status, err := e.Write([]byte("partial"), false, 0)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)

	require.Len(t, w.frames, 1)
	h, err := decodeHeader(w.frames[0])
	require.NoError(t, err)
	assert.Zero(t, h.Attributes&attrEOM, "sendEnd=false must never set EOM")
}

func TestReadStatusByte(t *testing.T) {
	ctrl := &fakeControlDevice{responses: [][]byte{{0x01, 0x02, 0x42}}}
	e := &Engine{ctrl: ctrl, statusBTags: bTagCycle{next: 2}}

	sb, status, err := e.ReadStatusByte()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, byte(0x42), sb)
	assert.Equal(t, []uint8{reqReadStatusByte}, ctrl.requests)
}

func TestClearPollsUntilNotPending(t *testing.T) {
	ctrl := &fakeControlDevice{responses: [][]byte{
		{0x01},                    // INITIATE_CLEAR accepted
		{abortStatusPending},      // first poll: still clearing
		{0x00},                    // second poll: done
	}}
	e := &Engine{ctrl: ctrl}

	status, err := e.Clear()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, []uint8{reqInitiateClear, reqCheckClearStatus, reqCheckClearStatus}, ctrl.requests)
}

func TestRawResourceSkipsUSBTMCFraming(t *testing.T) {
	w := &fakeBulkWriter{}
	e := &Engine{epOut: w, raw: true}

	n, status, err := e.Write([]byte("\x01\x02\x03"), true, 0)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, 3, n)
	require.Len(t, w.frames, 1)
	assert.Equal(t, []byte("\x01\x02\x03"), w.frames[0], "RAW resources must not gain a USBTMC header")

	e2 := &Engine{epIn: &fakeBulkReader{chunks: [][]byte{[]byte("reply")}}, raw: true, epInMaxPacket: 64}
	msg, status, err := e2.Read(visa.ReadPolicy{MaxBytes: 64})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, []byte("reply"), msg.Data)
}

func TestBTagCycleSkipsZero(t *testing.T) {
	var c bTagCycle
	seen := map[byte]bool{}
	for i := 0; i < 300; i++ {
		tag := c.Next()
		assert.NotZero(t, tag)
		seen[tag] = true
	}
	assert.Len(t, seen, 255)
}

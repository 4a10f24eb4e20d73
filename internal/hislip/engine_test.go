package hislip

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/pkg/visa"
)

// fakeInstrument accepts exactly one sync and one async connection and
// drives just enough of the HiSLIP handshake and message flow to
// exercise Engine: Initialize/InitializeResponse, AsyncInitialize/
// AsyncInitializeResponse, and scripted Data/DataEnd replies on the
// sync channel.
type fakeInstrument struct {
	ln        net.Listener
	sessionID uint16

	syncConn  net.Conn
	asyncConn net.Conn
}

func startFakeInstrument(t *testing.T) *fakeInstrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeInstrument{ln: ln, sessionID: 7}
	go f.acceptHandshake(t)
	return f
}

func (f *fakeInstrument) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeInstrument) acceptHandshake(t *testing.T) {
	sc, err := f.ln.Accept()
	if err != nil {
		return
	}
	f.syncConn = sc

	h, _, err := readMessage(sc)
	if err != nil || h.MsgType != msgInitialize {
		return
	}
	resp := header{MsgType: msgInitializeResponse, ControlCode: 0x01, Parameter: uint32(f.sessionID)}
	if err := writeMessage(sc, resp, nil); err != nil {
		return
	}

	ac, err := f.ln.Accept()
	if err != nil {
		return
	}
	f.asyncConn = ac

	ah, _, err := readMessage(ac)
	if err != nil || ah.MsgType != msgAsyncInitialize {
		return
	}
	aresp := header{MsgType: msgAsyncInitializeResponse, Parameter: 0xBEEF}
	_ = writeMessage(ac, aresp, nil)
}

// replyOnSync waits briefly for the handshake goroutine to finish
// populating syncConn, then writes one scripted message.
func (f *fakeInstrument) replyOnSync(t *testing.T, h header, payload []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return f.syncConn != nil }, time.Second, time.Millisecond)
	require.NoError(t, writeMessage(f.syncConn, h, payload))
}

func dialEngine(t *testing.T, addr string) *Engine {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	e := New()
	status, err := e.Open(visa.ResourceID{Host: host, Port: port}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, visa.StatusSuccess, status)
	return e
}

func TestInitializeHandshakeEstablishesSession(t *testing.T) {
	srv := startFakeInstrument(t)
	defer srv.ln.Close()

	e := dialEngine(t, srv.addr())
	defer e.Close()

	assert.Equal(t, srv.sessionID, e.sessionID)
	assert.True(t, e.overlapMode)
	assert.EqualValues(t, 0xBEEF, e.serverVendorID)
}

func TestWriteSingleFragmentSendsDataEnd(t *testing.T) {
	srv := startFakeInstrument(t)
	defer srv.ln.Close()

	e := dialEngine(t, srv.addr())
	defer e.Close()

	n, status, err := e.Write([]byte("*IDN?\n"), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, 6, n)

	h, payload, err := readMessage(srv.syncConn)
	require.NoError(t, err)
	assert.Equal(t, byte(msgDataEnd), h.MsgType)
	assert.Equal(t, []byte("*IDN?\n"), payload)
}

func TestReadAccumulatesUntilDataEnd(t *testing.T) {
	srv := startFakeInstrument(t)
	defer srv.ln.Close()

	e := dialEngine(t, srv.addr())
	defer e.Close()

	go func() {
		srv.replyOnSync(t, header{MsgType: msgData, Parameter: 100}, []byte("Acme,"))
		srv.replyOnSync(t, header{MsgType: msgDataEnd, Parameter: 102}, []byte("Model1\n"))
	}()

	msg, status, err := e.Read(visa.ReadPolicy{})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, "Acme,Model1\n", string(msg.Data))
}

func TestMessageIDAdvancesByTwo(t *testing.T) {
	var c messageIDCounter
	c = newMessageIDCounter()
	first := c.advance()
	second := c.advance()
	assert.Equal(t, firstMessageID, first)
	assert.Equal(t, firstMessageID+2, second)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := header{MsgType: msgData, ControlCode: 3, Parameter: 0xABCD1234, PayloadLen: 7}
	got, err := decodeHeader(h.encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

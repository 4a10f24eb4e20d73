package vicp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/pkg/visa"
)

// dialPipe hands back one side of an in-memory net.Pipe as the
// "dialed" connection and returns the other side to the test so it
// can act as the remote peer, avoiding any real network I/O.
func dialPipe(t *testing.T) (*Engine, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	e := New()
	e.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return client, nil
	}

	status, err := e.Open(visa.ResourceID{Host: "127.0.0.1", Port: 5025}, time.Second)
	require.NoError(t, err)
	require.Equal(t, visa.StatusSuccess, status)
	return e, server
}

func TestOpenDialsHostPort(t *testing.T) {
	var gotAddr string
	e := New()
	e.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		gotAddr = address
		client, _ := net.Pipe()
		return client, nil
	}

	_, err := e.Open(visa.ResourceID{Host: "192.0.2.1", Port: 5025}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:5025", gotAddr)
}

func TestOpenDefaultsToVICPPort(t *testing.T) {
	var gotAddr string
	e := New()
	e.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		gotAddr = address
		client, _ := net.Pipe()
		return client, nil
	}

	_, err := e.Open(visa.ResourceID{Host: "192.0.2.1", Protocol: visa.IOProtocolNormal}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:1861", gotAddr)
}

func TestWriteSendsRawBytes(t *testing.T) {
	e, server := dialPipe(t)
	defer e.Close()
	defer server.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	n, status, err := e.Write([]byte("*IDN?\n"), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("*IDN?\n"), <-done)
}

func TestReadStopsOnTermChar(t *testing.T) {
	e, server := dialPipe(t)
	defer e.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("Acme,Model1\n"))
	}()

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 256, TermCharEnabled: true, TermChar: '\n', Deadline: time.Now().Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessTermChar, status)
	assert.Equal(t, "Acme,Model1\n", string(msg.Data))
}

func TestReadTimesOutCleanly(t *testing.T) {
	e, server := dialPipe(t)
	defer e.Close()
	defer server.Close()

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 256, Deadline: time.Now().Add(50 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusErrorTimeout, status)
	assert.Empty(t, msg.Data)
}

func TestUnsupportedOperationsReturnNotSupportedAttr(t *testing.T) {
	e, server := dialPipe(t)
	defer e.Close()
	defer server.Close()

	_, status, err := e.ReadStatusByte()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusErrorNotSupportedAttr, status)

	status, err = e.Clear()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusErrorNotSupportedAttr, status)

	status, err = e.AssertTrigger()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusErrorNotSupportedAttr, status)
}

func TestLockRejectsSecondExclusive(t *testing.T) {
	e, server := dialPipe(t)
	defer e.Close()
	defer server.Close()

	_, status, err := e.Lock(visa.LockExclusive, time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)

	_, status, err = e.Lock(visa.LockExclusive, time.Second, "")
	assert.Error(t, err)
	assert.Equal(t, visa.StatusErrorRsrcBusy, status)
}

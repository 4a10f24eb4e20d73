package serial

import (
	"bytes"
	"io"
	"testing"
	"time"

	goserial "github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/pkg/visa"
)

// fakePort is an in-memory io.ReadWriteCloser standing in for an open
// goburrow/serial port.
type fakePort struct {
	writes bytes.Buffer
	toRead bytes.Buffer
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) { return p.writes.Write(b) }
func (p *fakePort) Read(b []byte) (int, error)  { return p.toRead.Read(b) }
func (p *fakePort) Close() error                { p.closed = true; return nil }

func newTestEngine(port *fakePort) *Engine {
	e := New(func(board int) PortConfig { return PortConfig{Device: "/dev/ttyFAKE0"} })
	e.open = func(c *goserial.Config) (io.ReadWriteCloser, error) { return port, nil }
	return e
}

func TestOpenAppliesDefaultsAndExplicitPortName(t *testing.T) {
	port := &fakePort{}
	var gotCfg *goserial.Config
	e := New(func(board int) PortConfig { return PortConfig{} })
	e.open = func(c *goserial.Config) (io.ReadWriteCloser, error) { gotCfg = c; return port, nil }

	status, err := e.Open(visa.ResourceID{Board: 0, PortName: "/dev/ttyUSB3"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	require.NotNil(t, gotCfg)
	assert.Equal(t, "/dev/ttyUSB3", gotCfg.Address)
	assert.Equal(t, defaultBaudRate, gotCfg.BaudRate)
	assert.Equal(t, defaultDataBits, gotCfg.DataBits)
}

func TestOpenFailsWithoutDevice(t *testing.T) {
	e := New(func(board int) PortConfig { return PortConfig{} })
	status, err := e.Open(visa.ResourceID{Board: 0}, time.Second)
	assert.Error(t, err)
	assert.Equal(t, visa.StatusErrorRsrcNotFound, status)
}

func TestWritePassesDataThroughUnframed(t *testing.T) {
	port := &fakePort{}
	e := newTestEngine(port)
	_, _, err := e.Open(visa.ResourceID{Board: 0}, time.Second)
	require.NoError(t, err)

	n, status, err := e.Write([]byte("*IDN?\n"), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, 6, n)
	assert.Equal(t, "*IDN?\n", port.writes.String())
}

func TestReadStopsOnTermChar(t *testing.T) {
	port := &fakePort{}
	port.toRead.WriteString("Acme,Model1\nJUNK")
	e := newTestEngine(port)
	_, _, err := e.Open(visa.ResourceID{Board: 0}, time.Second)
	require.NoError(t, err)

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 256, TermCharEnabled: true, TermChar: '\n'})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessTermChar, status)
	assert.Equal(t, "Acme,Model1\n", string(msg.Data))
}

func TestReadStopsOnMaxBytes(t *testing.T) {
	port := &fakePort{}
	port.toRead.WriteString("0123456789")
	e := newTestEngine(port)
	_, _, err := e.Open(visa.ResourceID{Board: 0}, time.Second)
	require.NoError(t, err)

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 4})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessMaxCount, status)
	assert.Equal(t, "0123", string(msg.Data))
}

func TestReadStatusByteNotSupported(t *testing.T) {
	e := newTestEngine(&fakePort{})
	_, status, err := e.ReadStatusByte()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusErrorNotSupportedAttr, status)
}

func TestLockRejectsSecondExclusive(t *testing.T) {
	e := newTestEngine(&fakePort{})
	_, status, err := e.Lock(visa.LockExclusive, time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)

	_, status, err = e.Lock(visa.LockExclusive, time.Second, "")
	assert.Error(t, err)
	assert.Equal(t, visa.StatusErrorRsrcBusy, status)
}

func TestCloseClosesPort(t *testing.T) {
	port := &fakePort{}
	e := newTestEngine(port)
	_, _, err := e.Open(visa.ResourceID{Board: 0}, time.Second)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, port.closed)
}

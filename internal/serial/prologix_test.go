package serial

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/pkg/visa"
)

// fakeAdapter is an in-memory duplex buffer standing in for a
// Prologix controller's serial/TCP link: writes land in sent, reads
// drain from toRead, exactly like fakePort in serial_test.go but
// satisfying prologixConn instead of io.ReadWriteCloser.
type fakeAdapter struct {
	sent   bytes.Buffer
	toRead bytes.Buffer
}

func (a *fakeAdapter) Write(p []byte) (int, error) { return a.sent.Write(p) }
func (a *fakeAdapter) Read(p []byte) (int, error)  { return a.toRead.Read(p) }

func TestOpenSendsAutoAndAddrCommands(t *testing.T) {
	a := &fakeAdapter{}
	e := NewPrologix(a)

	status, err := e.Open(visa.ResourceID{Board: 0, Primary: 9, Secondary: -1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, "++auto 0\n++addr 9\n", a.sent.String())
}

func TestOpenWithSecondaryUsesBusForm(t *testing.T) {
	a := &fakeAdapter{}
	e := NewPrologix(a)

	_, err := e.Open(visa.ResourceID{Board: 0, Primary: 9, Secondary: 0}, time.Second)
	require.NoError(t, err)
	assert.Contains(t, a.sent.String(), "++addr 9 96")
}

func TestWriteEscapesPlusAndControlBytes(t *testing.T) {
	a := &fakeAdapter{}
	e := NewPrologix(a)

	_, status, err := e.Write([]byte("1+1\n"), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, "1\x1b+1\x1b\n\n", a.sent.String())
}

func TestReadIssuesReadEOIAndAccumulatesLine(t *testing.T) {
	a := &fakeAdapter{}
	a.toRead.WriteString("Acme,Model1\n")
	e := NewPrologix(a)

	msg, status, err := e.Read(visa.ReadPolicy{MaxBytes: 256})
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccessEnd, status)
	assert.Equal(t, "Acme,Model1", string(msg.Data))
	assert.Contains(t, a.sent.String(), "++read eoi\n")
}

func TestReadStatusByteParsesDecimalReply(t *testing.T) {
	a := &fakeAdapter{}
	a.toRead.WriteString("66\n")
	e := NewPrologix(a)

	sb, status, err := e.ReadStatusByte()
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Equal(t, byte(66), sb)
}

func TestClearAndTriggerSendExpectedCommands(t *testing.T) {
	a := &fakeAdapter{}
	e := NewPrologix(a)

	_, err := e.Clear()
	require.NoError(t, err)
	_, err = e.AssertTrigger()
	require.NoError(t, err)

	assert.Equal(t, "++clr\n++trg\n", a.sent.String())
}

func TestPrologixLockRejectsSecondExclusive(t *testing.T) {
	e := NewPrologix(&fakeAdapter{})
	_, status, err := e.Lock(visa.LockExclusive, time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)

	_, status, err = e.Lock(visa.LockExclusive, time.Second, "")
	assert.Error(t, err)
	assert.Equal(t, visa.StatusErrorRsrcBusy, status)
}

package engines

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa/pkg/visa"
)

// fakeAdapter is an in-memory duplex buffer satisfying io.ReadWriteCloser,
// standing in for a Prologix controller connection.
type fakeAdapter struct {
	bytes.Buffer
}

func (f *fakeAdapter) Close() error { return nil }

func TestNewRegistersEveryScheme(t *testing.T) {
	m := New(Config{})
	for _, s := range []visa.Scheme{
		visa.SchemeTCPIPInstr, visa.SchemeTCPIPSocket, visa.SchemeUSB,
		visa.SchemeGPIB, visa.SchemeASRL,
	} {
		_, _, err := m.Open(resourceStringFor(s), visa.AccessModeNoLock, 10, "")
		// None of these transports have real hardware in a test
		// environment, so Open always fails trying to dial out or
		// claim a device; every engine maps that failure onto the
		// same StatusErrorRsrcNotFound a missing factory would, so the
		// only thing distinguishing "no engine registered for this
		// scheme" is the error message text itself.
		if err != nil {
			assert.NotContains(t, err.Error(), "no engine registered", "scheme %v", s)
		}
	}
}

func resourceStringFor(s visa.Scheme) string {
	switch s {
	case visa.SchemeTCPIPInstr:
		return "TCPIP0::192.0.2.1::INSTR"
	case visa.SchemeTCPIPSocket:
		return "TCPIP0::192.0.2.1::5025::SOCKET"
	case visa.SchemeUSB:
		return "USB0::0x1AB1::0x0588::DS1ZA000000001::INSTR"
	case visa.SchemeGPIB:
		return "GPIB0::9::INSTR"
	case visa.SchemeASRL:
		return "ASRL0::INSTR"
	}
	return ""
}

func TestGPIBEngineUsesPrologixAdapterWhenConfigured(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := Config{PrologixAdapters: map[int]func() (io.ReadWriteCloser, error){
		0: func() (io.ReadWriteCloser, error) { return adapter, nil },
	}}

	e := &gpibEngine{adapters: cfg.PrologixAdapters}
	status, err := e.Open(visa.ResourceID{Board: 0, Primary: 9, Secondary: -1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, visa.StatusSuccess, status)
	assert.Contains(t, adapter.String(), "++addr 9\n")
}

func TestGPIBEngineFallsBackToNativeDriverWithoutAdapter(t *testing.T) {
	e := &gpibEngine{}
	_, err := e.Open(visa.ResourceID{Board: 0, Primary: 9, Secondary: -1}, time.Second)
	// No real GPIB hardware in a test environment; the native driver
	// path is still expected to fail, just not with a nil delegate.
	assert.Error(t, err)
}

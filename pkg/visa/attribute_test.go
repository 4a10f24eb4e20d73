package visa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutAttributeRoundTrip(t *testing.T) {
	s := newTestSession(&fakeEngine{})

	status, err := SetAttribute(s, AttrTimeout, AttrValue{Int: 1500})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, 1500*time.Millisecond, s.Timeout)

	v, status, err := GetAttribute(s, AttrTimeout)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, int64(1500), v.Int)
}

func TestTimeoutAttributeNegativeMeansForever(t *testing.T) {
	s := newTestSession(&fakeEngine{})
	_, err := SetAttribute(s, AttrTimeout, AttrValue{Int: -1})
	require.NoError(t, err)
	assert.Equal(t, Forever, s.Timeout)
}

func TestKeepAliveAttributeDelegatesToEngine(t *testing.T) {
	e := &fakeEngine{}
	s := newTestSession(e)

	status, err := SetAttribute(s, AttrKeepAlive, AttrValue{Bool: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.True(t, e.keepAlive)
	assert.True(t, s.KeepAlive)
}

func TestIOProtocolAttributeIsReadOnly(t *testing.T) {
	s := newTestSession(&fakeEngine{})
	s.Resource.Protocol = IOProtocolHiSLIP

	v, status, err := GetAttribute(s, AttrIOProtocol)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, int64(IOProtocolHiSLIP), v.Int)

	status, err = SetAttribute(s, AttrIOProtocol, AttrValue{Int: int64(IOProtocolVXI11)})
	assert.Error(t, err)
	assert.Equal(t, StatusErrorNotSupportedAttr, status)
}

func TestUnknownAttributeIsNotSupported(t *testing.T) {
	s := newTestSession(&fakeEngine{})

	_, status, err := GetAttribute(s, AttrID(999))
	assert.Error(t, err)
	assert.Equal(t, StatusErrorNotSupportedAttr, status)

	status, err = SetAttribute(s, AttrID(999), AttrValue{})
	assert.Error(t, err)
	assert.Equal(t, StatusErrorNotSupportedAttr, status)
}

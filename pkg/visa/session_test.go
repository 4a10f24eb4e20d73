package visa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCloseIsIdempotent(t *testing.T) {
	e := &fakeEngine{}
	s := newTestSession(e)

	status, err := s.Close()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.True(t, e.closed)

	e.closed = false // prove the second Close doesn't touch the engine again
	status, err = s.Close()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.False(t, e.closed)
}

func TestSessionCloseUnlocksHeldLock(t *testing.T) {
	e := &fakeEngine{}
	s := newTestSession(e)
	s.Lock = lockState{held: true, kind: LockExclusive, key: "k"}

	_, err := s.Close()
	require.NoError(t, err)
	assert.False(t, s.Lock.held)
}

func TestCheckUsableRejectsClosedSession(t *testing.T) {
	s := newTestSession(&fakeEngine{})
	s.closed = true

	status, err := s.checkUsable()
	assert.Error(t, err)
	assert.Equal(t, StatusErrorInvSetup, status)
}

func TestCheckUsableFailsFastAfterMarkUnusable(t *testing.T) {
	s := newTestSession(&fakeEngine{})
	s.markUnusable(StatusErrorConnLost)

	status, ok := s.FailFastStatus()
	assert.True(t, ok)
	assert.Equal(t, StatusErrorConnLost, status)

	_, err := s.checkUsable()
	assert.Error(t, err)
}

package visa

import "time"

// fakeEngine is a scripted, in-memory Engine standing in for a real
// transport across session.go/ops.go/attribute.go/manager.go tests,
// the same hand-rolled-fake style internal/vxi11 and the other engine
// packages use instead of a mock framework.
type fakeEngine struct {
	opened     bool
	closed     bool
	closeErr   error
	writeN     int
	writeStatus StatusCode
	writeErr   error
	readMsg    Message
	readStatus StatusCode
	readErr    error
	stb        byte
	lockKey    string
	lockStatus StatusCode
	lockErr    error
	keepAlive  bool

	lastWrite   []byte
	lastSendEnd bool
	lastPolicy  ReadPolicy
}

func (e *fakeEngine) Open(res ResourceID, openTimeout time.Duration) (StatusCode, error) {
	e.opened = true
	return StatusSuccess, nil
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return e.closeErr
}

func (e *fakeEngine) Write(data []byte, sendEnd bool, timeout time.Duration) (int, StatusCode, error) {
	e.lastWrite = data
	e.lastSendEnd = sendEnd
	if e.writeErr != nil || e.writeStatus.IsError() {
		return e.writeN, e.writeStatus, e.writeErr
	}
	return len(data), StatusSuccess, nil
}

func (e *fakeEngine) Read(policy ReadPolicy) (Message, StatusCode, error) {
	e.lastPolicy = policy
	return e.readMsg, e.readStatus, e.readErr
}

func (e *fakeEngine) ReadStatusByte() (byte, StatusCode, error) {
	return e.stb, StatusSuccess, nil
}

func (e *fakeEngine) Clear() (StatusCode, error) { return StatusSuccess, nil }

func (e *fakeEngine) AssertTrigger() (StatusCode, error) { return StatusSuccess, nil }

func (e *fakeEngine) Lock(kind LockKind, timeout time.Duration, requestedKey string) (string, StatusCode, error) {
	if e.lockErr != nil {
		return "", e.lockStatus, e.lockErr
	}
	key := e.lockKey
	if key == "" {
		key = requestedKey
	}
	return key, StatusSuccess, nil
}

func (e *fakeEngine) Unlock() (StatusCode, error) { return StatusSuccess, nil }

func (e *fakeEngine) Flush(readBuf, writeBuf bool) (StatusCode, error) { return StatusSuccess, nil }

func (e *fakeEngine) SetKeepAlive(enabled bool) (StatusCode, error) {
	e.keepAlive = enabled
	return StatusSuccess, nil
}

func newTestSession(e Engine) *Session {
	return &Session{
		Resource: ResourceID{Scheme: SchemeTCPIPSocket, Host: "192.0.2.1", Port: 5025},
		Engine:   e,
		Timeout:  time.Second,
	}
}

package visa

import (
	"fmt"
	"time"
)

// Read implements read(session, count) (§6). It builds a ReadPolicy
// from the session's attributes and the caller's requested count and
// delegates to the engine.
func (s *Session) Read(count int) (Message, StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return Message{}, status, err
	}

	policy := ReadPolicy{
		MaxBytes:        count,
		TermCharEnabled: s.TermCharEnabled,
		TermChar:        s.TermChar,
		SuppressEnd:     s.SuppressEndEnabled,
		Deadline:        deadlineFor(s.Timeout),
	}

	msg, status, err := s.Engine.Read(policy)
	if status == StatusErrorConnLost || status == StatusErrorIO {
		s.markUnusable(status)
	}
	return msg, status, err
}

// Write implements write(session, bytes) -> count (§6).
func (s *Session) Write(data []byte) (int, StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return 0, status, err
	}

	n, status, err := s.Engine.Write(data, s.SendEndEnabled, s.Timeout)
	if status == StatusErrorConnLost || status == StatusErrorIO {
		s.markUnusable(status)
	}
	return n, status, err
}

// ReadStatusByte implements read_stb(session) -> u8 (§6).
func (s *Session) ReadStatusByte() (byte, StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return 0, status, err
	}
	return s.Engine.ReadStatusByte()
}

// Clear implements clear(session) (§6).
func (s *Session) Clear() (StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return status, err
	}
	return s.Engine.Clear()
}

// AssertTrigger implements assert_trigger(session, protocol) (§6).
// The protocol parameter (VXI-11 TRIGGER vs GPIB GET) is resolved by
// the underlying engine from the session's resource scheme, not by
// the caller.
func (s *Session) AssertTrigger() (StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return status, err
	}
	return s.Engine.AssertTrigger()
}

// LockSession implements lock(session, lock_type, timeout, requested_key)
// -> granted_key (§6).
func (s *Session) LockSession(kind LockKind, timeout time.Duration, requestedKey string) (string, StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return "", status, err
	}
	if s.Lock.held {
		return "", StatusErrorRsrcBusy, fmt.Errorf("visa: %s is already locked", s.Resource.Canonicalize())
	}
	grantedKey, status, err := s.Engine.Lock(kind, timeout, requestedKey)
	if err != nil {
		return "", status, err
	}
	s.Lock = lockState{held: true, kind: kind, key: grantedKey}
	return grantedKey, status, nil
}

// UnlockSession implements unlock(session) (§6).
func (s *Session) UnlockSession() (StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return status, err
	}
	if !s.Lock.held {
		return StatusSuccess, nil
	}
	status, err := s.Engine.Unlock()
	if err != nil {
		return status, err
	}
	s.Lock = lockState{}
	return status, nil
}

// FlushSession implements flush(session, mask) (§6).
func (s *Session) FlushSession(readBuf, writeBuf bool) (StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return status, err
	}
	return s.Engine.Flush(readBuf, writeBuf)
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout == Forever {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

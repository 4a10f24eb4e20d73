package visa

import (
	"fmt"
	"time"
)

// AttrID is the closed, tagged-variant enum of attributes the session
// registry dispatches get_attribute/set_attribute against (spec.md §9
// REDESIGN FLAG #2: replace a dynamic string/int key table with a
// tagged-variant enum over attribute kind).
type AttrID int

const (
	AttrTimeout AttrID = iota
	AttrTermCharEnabled
	AttrTermChar
	AttrSendEndEnabled
	AttrSuppressEndEnabled
	AttrKeepAlive
	AttrIOProtocol
)

// AttrValue is a closed sum type carrying exactly one of the value
// shapes an attribute may hold. Exactly one field is meaningful for
// any given AttrID; which one is fixed by the dispatch table in
// attrHandlers, not by caller discretion.
type AttrValue struct {
	Int   int64
	Bool  bool
	Byte  byte
}

type attrGetter func(s *Session) (AttrValue, StatusCode, error)
type attrSetter func(s *Session, v AttrValue) (StatusCode, error)

type attrHandler struct {
	get attrGetter
	set attrSetter
}

// attrHandlers is the per-attribute (getter, setter) table (§4.8).
// Unsupported attributes simply aren't keys in this map; dispatch
// falls through to StatusErrorNotSupportedAttr rather than a lookup
// panic.
var attrHandlers = map[AttrID]attrHandler{
	AttrTimeout: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			if s.Timeout == Forever {
				return AttrValue{Int: -1}, StatusSuccess, nil
			}
			return AttrValue{Int: s.Timeout.Milliseconds()}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			if v.Int < 0 {
				s.Timeout = Forever
			} else {
				s.Timeout = time.Duration(v.Int) * time.Millisecond
			}
			return StatusSuccess, nil
		},
	},
	AttrTermCharEnabled: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Bool: s.TermCharEnabled}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			s.TermCharEnabled = v.Bool
			return StatusSuccess, nil
		},
	},
	AttrTermChar: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Byte: s.TermChar}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			s.TermChar = v.Byte
			return StatusSuccess, nil
		},
	},
	AttrSendEndEnabled: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Bool: s.SendEndEnabled}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			s.SendEndEnabled = v.Bool
			return StatusSuccess, nil
		},
	},
	AttrSuppressEndEnabled: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Bool: s.SuppressEndEnabled}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			s.SuppressEndEnabled = v.Bool
			return StatusSuccess, nil
		},
	},
	AttrKeepAlive: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Bool: s.KeepAlive}, StatusSuccess, nil
		},
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			status, err := s.Engine.SetKeepAlive(v.Bool)
			if err != nil {
				return status, err
			}
			s.KeepAlive = v.Bool
			return status, nil
		},
	},
	AttrIOProtocol: {
		get: func(s *Session) (AttrValue, StatusCode, error) {
			return AttrValue{Int: int64(s.Resource.Protocol)}, StatusSuccess, nil
		},
		// io-protocol is fixed at open() time by resource resolution;
		// it is read-only through the attribute interface.
		set: func(s *Session, v AttrValue) (StatusCode, error) {
			return StatusErrorNotSupportedAttr, fmt.Errorf("visa: AttrIOProtocol is read-only")
		},
	},
}

// GetAttribute implements get_attribute (§6). Unsupported attributes
// return StatusErrorNotSupportedAttr rather than an error that could
// be confused with a transport failure.
func GetAttribute(s *Session, id AttrID) (AttrValue, StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return AttrValue{}, status, err
	}
	h, ok := attrHandlers[id]
	if !ok {
		return AttrValue{}, StatusErrorNotSupportedAttr, fmt.Errorf("visa: unsupported attribute %v", id)
	}
	return h.get(s)
}

// SetAttribute implements set_attribute (§6).
func SetAttribute(s *Session, id AttrID, v AttrValue) (StatusCode, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if status, err := s.checkUsable(); err != nil {
		return status, err
	}
	h, ok := attrHandlers[id]
	if !ok {
		return StatusErrorNotSupportedAttr, fmt.Errorf("visa: unsupported attribute %v", id)
	}
	return h.set(s, v)
}

package visa

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EngineFactory constructs a fresh, unopened Engine for one resource.
// ResourceManager holds one factory per enabled transport family,
// selected by the resource string's scheme — grounded on the
// teacher's pkg/hashing/factory.HashMethodFactory, minus its runtime
// hardware-probing step: the enabled-transport set here is fixed at
// construction time (§9 REDESIGN FLAG #1), not discovered by polling
// for plugged-in hardware.
type EngineFactory func() Engine

// ResourceManager is the explicit, non-global owner of the session
// registry and the enabled-transport set (§4.8, §9 REDESIGN FLAG #4:
// "model as an explicit ResourceManager value owning the maps; no
// hidden globals").
type ResourceManager struct {
	mu       sync.Mutex
	sessions map[string]*Session // canonical resource string -> session
	factories map[Scheme]EngineFactory
	closed   bool

	// defaultOpenTimeout and defaultIOTimeout back Open/Session.Timeout
	// when the caller doesn't specify one (openTimeoutMs < 0). Zero
	// means "no ambient default configured" — Open falls back to
	// Forever and 2s respectively, matching the manager's pre-config
	// behavior.
	defaultOpenTimeout time.Duration
	defaultIOTimeout   time.Duration
}

// NewResourceManager constructs an empty registry with no ambient
// defaults. Callers register one EngineFactory per transport family
// they want enabled via RegisterEngine before calling Open.
func NewResourceManager() *ResourceManager {
	return NewResourceManagerWithDefaults(0, 0)
}

// NewResourceManagerWithDefaults is like NewResourceManager but seeds
// the default open timeout and default session I/O timeout Open uses
// when a caller passes a negative openTimeoutMs (§EXP-3: ambient
// session defaults, normally sourced from internal/config.Load()).
func NewResourceManagerWithDefaults(defaultOpenTimeout, defaultIOTimeout time.Duration) *ResourceManager {
	return &ResourceManager{
		sessions:           make(map[string]*Session),
		factories:          make(map[Scheme]EngineFactory),
		defaultOpenTimeout: defaultOpenTimeout,
		defaultIOTimeout:   defaultIOTimeout,
	}
}

// RegisterEngine enables resource strings of the given scheme. Scheme
// selection happens once per resource-manager lifetime, matching
// REDESIGN FLAG #1's "compile-time feature flags" model rather than
// per-open dynamic loading.
func (m *ResourceManager) RegisterEngine(scheme Scheme, factory EngineFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[scheme] = factory
}

// Open implements open(resource_string, access_mode, open_timeout_ms)
// (§6). It parses the resource string, selects the registered engine
// for its scheme, opens the transport, and (for AccessModeExclusiveLock
// and AccessModeSharedLock) takes the requested lock before returning.
func (m *ResourceManager) Open(resourceString string, access AccessMode, openTimeoutMs int64, requestedKey string) (*Session, StatusCode, error) {
	res, err := ParseResource(resourceString)
	if err != nil {
		return nil, StatusErrorInvSetup, err
	}
	canonical := res.Canonicalize()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, StatusErrorInvSetup, fmt.Errorf("visa: resource manager is closed")
	}
	if existing, ok := m.sessions[canonical]; ok {
		m.mu.Unlock()
		if access == AccessModeExclusiveLock {
			return nil, StatusErrorRsrcBusy, fmt.Errorf("visa: %s is already open", canonical)
		}
		return existing, StatusSuccess, nil
	}
	factory, ok := m.factories[res.Scheme]
	m.mu.Unlock()
	if !ok {
		return nil, StatusErrorRsrcNotFound, fmt.Errorf("visa: no engine registered for scheme of %s", canonical)
	}

	openTimeout := m.defaultOpenTimeout
	if openTimeout == 0 {
		openTimeout = Forever
	}
	if openTimeoutMs >= 0 {
		openTimeout = time.Duration(openTimeoutMs) * time.Millisecond
	}

	engine := factory()
	status, err := engine.Open(res, openTimeout)
	if err != nil {
		return nil, status, fmt.Errorf("visa: open %s: %w", canonical, err)
	}

	ioTimeout := m.defaultIOTimeout
	if ioTimeout == 0 {
		ioTimeout = 2000 * time.Millisecond
	}
	sess := &Session{
		Resource:    res,
		Engine:      engine,
		Timeout:     ioTimeout,
		OpenTimeout: openTimeout,
	}

	if access == AccessModeExclusiveLock || access == AccessModeSharedLock {
		kind := LockExclusive
		if access == AccessModeSharedLock {
			kind = LockShared
		}
		grantedKey, lstatus, err := engine.Lock(kind, openTimeout, requestedKey)
		if err != nil {
			_ = engine.Close()
			return nil, lstatus, fmt.Errorf("visa: lock %s: %w", canonical, err)
		}
		sess.Lock = lockState{held: true, kind: kind, key: grantedKey}
	}

	m.mu.Lock()
	m.sessions[canonical] = sess
	m.mu.Unlock()

	return sess, StatusSuccess, nil
}

// Close implements close(session) (§6, §3 lifecycle): it releases any
// lock, closes the transport, and removes the session from the
// registry so a subsequent Open can re-acquire the resource.
func (m *ResourceManager) Close(sess *Session) (StatusCode, error) {
	canonical := sess.Resource.Canonicalize()
	status, err := sess.Close()

	m.mu.Lock()
	delete(m.sessions, canonical)
	m.mu.Unlock()

	return status, err
}

// ListResources implements list_resources(query) (§6): it returns the
// canonical form of every open session whose resource string matches
// query (spec.md §8 scenario S4's "list_resources('GPIB?*::INSTR')"
// usage applies this over sessions discovery has already opened or
// probed; discovery-time enumeration without an open session lives in
// internal/discovery and is merged in by the caller).
func (m *ResourceManager) ListResources(query string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for canonical := range m.sessions {
		if MatchQuery(query, canonical) {
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every open session and marks the manager closed to
// further Open calls.
func (m *ResourceManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		_, _ = s.Close()
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

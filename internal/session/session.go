// Package session implements the Session Binder (spec.md §4.4): a
// reconnect-tolerant identity that survives socket churn, separate from the
// dedicated browser instance it may currently point at. Adapted from the
// teacher's session.Manager (sync.RWMutex-guarded map plus a ticker-driven,
// errgroup-parallel expiry sweep) with the browser-ownership/ref-counting
// machinery dropped: a Session here only weakly names a browser id, it never
// owns one.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/security"
	"github.com/streambrowse/browserstream-go/internal/types"
)

// reapInterval is how often expired sessions are swept out, independent of
// the configured per-session TTL.
const reapInterval = 15 * time.Minute

// Settings is the per-session streaming preference snapshot, seeded from an
// "init" message and refreshed by "stream-settings".
type Settings struct {
	FPS              int
	Quality          int
	Adaptive         bool
	KeyframeInterval int
}

// Session is an immutable snapshot returned to callers; Manager holds the
// live, mutable record internally and never hands out a pointer into it.
type Session struct {
	ID              string
	Token           string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	BrowserID       string
	IPAddress       string
	UserAgent       string
	ConnectionClass string
	DeviceClass     string
	Settings        Settings
}

// record is the live entry kept in Manager.sessions.
type record struct {
	id        string
	token     string
	createdAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	browserID      string
	ipAddress      string
	userAgent      string
	connectionClass string
	deviceClass     string
	settings        Settings
}

func (r *record) touch() {
	r.mu.Lock()
	r.lastActivityAt = time.Now()
	r.mu.Unlock()
}

func (r *record) expired(timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivityAt) > timeout
}

func (r *record) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Session{
		ID:              r.id,
		Token:           r.token,
		CreatedAt:       r.createdAt,
		LastActivityAt:  r.lastActivityAt,
		BrowserID:       r.browserID,
		IPAddress:       r.ipAddress,
		UserAgent:       r.userAgent,
		ConnectionClass: r.connectionClass,
		DeviceClass:     r.deviceClass,
		Settings:        r.settings,
	}
}

// UpdateFields carries a partial update into Manager.Update; zero values and
// empty strings mean "leave unchanged". Adaptive is a *bool so that false can
// be set explicitly; nil leaves it unchanged.
type UpdateFields struct {
	ConnectionClass string
	DeviceClass     string
	FPS             int
	Quality         int
	Adaptive        *bool
	KeyframeInterval int
}

// Manager binds client-presented tokens to Session records, independent of
// any one socket's lifetime, per spec.md §4.4.
type Manager struct {
	cfg *config.Config

	mu         sync.RWMutex
	sessions   map[string]*record
	tokenIndex map[string]string // token -> id

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager and starts its background expiry sweep.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:        cfg,
		sessions:   make(map[string]*record),
		tokenIndex: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// GetOrCreate resolves token to its existing Session if present and
// unexpired, refreshing its activity clock and IP/user-agent; otherwise it
// mints a fresh Session (and a fresh token, if token is empty or unknown).
func (m *Manager) GetOrCreate(token, ipAddress, userAgent string) (Session, error) {
	if token != "" {
		m.mu.RLock()
		id, ok := m.tokenIndex[token]
		m.mu.RUnlock()
		if ok {
			m.mu.RLock()
			r, ok := m.sessions[id]
			m.mu.RUnlock()
			if ok && !r.expired(m.cfg.SessionTimeout) {
				r.touch()
				r.mu.Lock()
				r.ipAddress = ipAddress
				r.userAgent = userAgent
				r.mu.Unlock()
				return r.snapshot(), nil
			}
			// Expired or vanished underneath us: fall through and mint fresh,
			// dropping the stale index entries.
			m.mu.Lock()
			delete(m.tokenIndex, token)
			delete(m.sessions, id)
			m.mu.Unlock()
		}
	}

	id, err := security.GenerateSessionID()
	if err != nil {
		return Session{}, types.NewUnknownActionError("session-id")
	}
	newToken, err := security.GenerateSessionID()
	if err != nil {
		return Session{}, types.NewUnknownActionError("session-token")
	}

	now := time.Now()
	r := &record{
		id:             id,
		token:          newToken,
		createdAt:      now,
		lastActivityAt: now,
		ipAddress:      ipAddress,
		userAgent:      userAgent,
		settings: Settings{
			FPS:              m.cfg.DefaultFPS,
			Quality:          m.cfg.ScreenshotQuality,
			KeyframeInterval: m.cfg.KeyframeInterval,
		},
	}

	m.mu.Lock()
	m.sessions[id] = r
	m.tokenIndex[newToken] = id
	m.mu.Unlock()

	log.Debug().Str("session_id", id).Msg("session created")
	return r.snapshot(), nil
}

// Get resolves either a session id or a token to its current Session.
func (m *Manager) Get(idOrToken string) (Session, bool) {
	m.mu.RLock()
	r, ok := m.sessions[idOrToken]
	if !ok {
		if id, tokOK := m.tokenIndex[idOrToken]; tokOK {
			r, ok = m.sessions[id]
		}
	}
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return r.snapshot(), true
}

// Validate returns the Session for token, or false if the token is unknown
// or the session has expired (in which case it is also removed).
func (m *Manager) Validate(token string) (Session, bool) {
	sess, ok := m.Get(token)
	if !ok {
		return Session{}, false
	}
	m.mu.RLock()
	r := m.sessions[sess.ID]
	m.mu.RUnlock()
	if r == nil || r.expired(m.cfg.SessionTimeout) {
		m.Delete(sess.ID)
		return Session{}, false
	}
	return sess, true
}

// Update applies a partial settings/classification patch to id's session.
func (m *Manager) Update(id string, fields UpdateFields) error {
	m.mu.RLock()
	r, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return types.NewNotFoundError("session-update", id)
	}

	r.mu.Lock()
	if fields.ConnectionClass != "" {
		r.connectionClass = fields.ConnectionClass
	}
	if fields.DeviceClass != "" {
		r.deviceClass = fields.DeviceClass
	}
	if fields.FPS != 0 {
		r.settings.FPS = fields.FPS
	}
	if fields.Quality != 0 {
		r.settings.Quality = fields.Quality
	}
	if fields.Adaptive != nil {
		r.settings.Adaptive = *fields.Adaptive
	}
	if fields.KeyframeInterval != 0 {
		r.settings.KeyframeInterval = fields.KeyframeInterval
	}
	r.lastActivityAt = time.Now()
	r.mu.Unlock()
	return nil
}

// SetBrowserID records which browser instance id's session currently points
// at. The session never owns the browser: when the instance is reclaimed the
// caller is responsible for clearing this back to "".
func (m *Manager) SetBrowserID(id, browserID string) error {
	m.mu.RLock()
	r, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return types.NewNotFoundError("session-set-browser", id)
	}
	r.mu.Lock()
	r.browserID = browserID
	r.mu.Unlock()
	return nil
}

// Delete removes a session and its token index entry.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	r, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.tokenIndex, r.token)
	}
	m.mu.Unlock()
	return ok
}

// All returns a snapshot of every live session.
func (m *Manager) All() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r.snapshot())
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *Manager) reapExpired() {
	m.mu.Lock()
	var victims []*record
	for id, r := range m.sessions {
		if r.expired(m.cfg.SessionTimeout) {
			victims = append(victims, r)
			delete(m.sessions, id)
			delete(m.tokenIndex, r.token)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, r := range victims {
		r := r
		g.Go(func() error {
			log.Debug().Str("session_id", r.id).Msg("reaping expired session")
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops the background expiry sweep.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

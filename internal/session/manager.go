package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"storefront/internal/usertoken"
	"storefront/pkg/domain"
	"storefront/pkg/events"
	"storefront/pkg/store"
)

// DefaultSafetyMargin is how long before expiry the access token is renewed.
const DefaultSafetyMargin = 60 * time.Second

const defaultRefreshTimeout = 10 * time.Second

// State is the position of the manager in its login/refresh state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateRestoring
	StateAuthenticated
	StateRefreshPending
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshPending:
		return "refresh_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AuthService is the remote login/refresh collaborator.
type AuthService interface {
	Login(ctx context.Context, email, password string) (domain.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// Store is the durable key/value surface holding the session keys.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Bus fans session changes out to the rest of the process.
type Bus interface {
	Publish(topic string, payload any)
	Subscribe(topic string, handler events.Handler) func()
}

// Limiter throttles login attempts per email.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the refresh schedule can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config wires a Manager.
type Config struct {
	Auth           AuthService
	Store          Store
	Bus            Bus
	Clock          Clock
	Limiter        Limiter
	SafetyMargin   time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// Manager owns the shopper's authentication session: login, startup restore,
// scheduled silent refresh and logout. It is the single source of truth for
// whether the shopper is signed in.
type Manager struct {
	auth           AuthService
	store          Store
	bus            Bus
	clock          Clock
	limiter        Limiter
	margin         time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	state    State
	session  domain.Session
	timer    Timer
	timerSeq uint64
	// epoch changes whenever a session starts or ends; a refresh that
	// finishes in a different epoch is discarded.
	epoch       uint64
	lastErr     string
	unsubscribe func()
}

// New constructs a manager in StateRestoring. Call Init to restore.
func New(cfg Config) (*Manager, error) {
	if cfg.Auth == nil {
		return nil, errors.New("session: auth service required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store required")
	}
	m := &Manager{
		auth:           cfg.Auth,
		store:          cfg.Store,
		bus:            cfg.Bus,
		clock:          cfg.Clock,
		limiter:        cfg.Limiter,
		margin:         cfg.SafetyMargin,
		refreshTimeout: cfg.RefreshTimeout,
		logger:         cfg.Logger,
		state:          StateRestoring,
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	if m.margin <= 0 {
		m.margin = DefaultSafetyMargin
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = defaultRefreshTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Init subscribes to changes made by other contexts and restores any
// persisted session. It blocks while a startup refresh is attempted.
func (m *Manager) Init(ctx context.Context) {
	m.mu.Lock()
	if m.bus != nil && m.unsubscribe == nil {
		m.unsubscribe = m.bus.Subscribe(events.TopicStorageChanged, m.onStorageChange)
	}
	m.mu.Unlock()
	m.restore(ctx)
}

// Dispose cancels the refresh timer and detaches from the bus. The persisted
// session is left untouched.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.stopTimerLocked()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Manager) restore(ctx context.Context) {
	m.mu.Lock()
	m.state = StateRestoring
	access, hasAccess := m.store.Get(store.KeyAccessToken)
	refresh, _ := m.store.Get(store.KeyRefreshToken)
	first, _ := m.store.Get(store.KeyFirstName)
	last, _ := m.store.Get(store.KeyLastName)

	if hasAccess {
		claims, err := usertoken.Decode(access)
		switch {
		case err != nil:
			m.logger.Warn("discard malformed persisted access token", "err", err)
		case claims.Remaining(m.clock.Now()) > m.margin:
			m.adoptLocked(access, refresh, first, last, claims.ExpiresAt)
			m.mu.Unlock()
			m.logger.Info("session restored", "expires_at", claims.ExpiresAt)
			m.publishSession(true, false)
			return
		}
	}
	if strings.TrimSpace(refresh) == "" {
		if hasAccess {
			// A stale token that cannot be renewed ends the session like a failed refresh.
			m.logger.Info("persisted session expired without a refresh token")
			m.endSessionLocked()
		} else {
			for _, key := range store.SessionKeys() {
				m.store.Remove(key)
			}
			m.state = StateUnauthenticated
		}
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()
	newAccess, err := m.auth.Refresh(ctx, refresh)
	var claims usertoken.Claims
	if err == nil {
		claims, err = usertoken.Decode(newAccess)
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Warn("restore session failed", "err", err)
		m.endSessionLocked()
		m.mu.Unlock()
		m.publishSession(false, false)
		return
	}
	m.store.Set(store.KeyAccessToken, newAccess)
	m.adoptLocked(newAccess, refresh, first, last, claims.ExpiresAt)
	m.mu.Unlock()
	m.logger.Info("session restored with refreshed token", "expires_at", claims.ExpiresAt)
	m.publishSession(true, false)
}

// Login authenticates with the auth service and persists the new session.
// Nothing is persisted unless the whole response is usable.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if m.limiter != nil && !m.limiter.Allow(ctx, email) {
		m.setLastError(ErrTooManyAttempts)
		return ErrTooManyAttempts
	}
	res, err := m.auth.Login(ctx, email, password)
	if err != nil {
		err = classifyLoginError(err)
		m.logger.Warn("login failed", "err", err)
		m.setLastError(err)
		return err
	}
	claims, err := usertoken.Decode(res.AccessToken)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		m.logger.Warn("login returned unusable access token", "err", err)
		m.setLastError(err)
		return err
	}

	m.mu.Lock()
	m.epoch++
	// The access token goes last: other contexts adopt the session when it
	// changes, so everything else must already be in place.
	m.store.Set(store.KeyRefreshToken, res.RefreshToken)
	m.store.Set(store.KeyFirstName, res.FirstName)
	m.store.Set(store.KeyLastName, res.LastName)
	m.store.Set(store.KeyAccessToken, res.AccessToken)
	m.lastErr = ""
	m.adoptLocked(res.AccessToken, res.RefreshToken, res.FirstName, res.LastName, claims.ExpiresAt)
	m.mu.Unlock()

	m.logger.Info("login succeeded", "subject", claims.Subject, "expires_at", claims.ExpiresAt)
	m.publishSession(true, false)
	return nil
}

// ScheduleRefresh re-arms the refresh timer for the held access token,
// replacing any timer already armed. It does nothing when signed out.
func (m *Manager) ScheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.IsLoggedIn {
		return
	}
	m.scheduleRefreshLocked()
}

// Refresh renews the access token. Any failure ends the session; there is no
// automatic retry.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRefreshPending {
		m.mu.Unlock()
		return ErrRefreshInProgress
	}
	if !m.session.IsLoggedIn {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	refresh, ok := m.store.Get(store.KeyRefreshToken)
	if !ok || strings.TrimSpace(refresh) == "" {
		refresh = m.session.RefreshToken
	}
	if strings.TrimSpace(refresh) == "" {
		m.logger.Warn("no refresh token held, ending session")
		m.endSessionLocked()
		m.mu.Unlock()
		m.publishSession(false, false)
		return fmt.Errorf("refresh: %w", ErrNotAuthenticated)
	}
	m.state = StateRefreshPending
	epoch := m.epoch
	m.mu.Unlock()

	access, err := m.auth.Refresh(ctx, refresh)
	var claims usertoken.Claims
	if err == nil {
		claims, err = usertoken.Decode(access)
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return ErrSessionEnded
	}
	if err != nil {
		m.logger.Warn("token refresh failed, ending session", "err", err)
		m.endSessionLocked()
		m.mu.Unlock()
		m.publishSession(false, false)
		return fmt.Errorf("refresh: %w", err)
	}
	m.store.Set(store.KeyAccessToken, access)
	m.session.AccessToken = access
	m.session.RefreshToken = refresh
	m.session.ExpiresAt = claims.ExpiresAt
	m.state = StateAuthenticated
	m.scheduleRefreshLocked()
	m.mu.Unlock()
	m.logger.Info("access token refreshed", "expires_at", claims.ExpiresAt)
	return nil
}

// Logout clears the session keys and the cart from the durable store and
// cancels the refresh timer.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.endSessionLocked()
	m.mu.Unlock()
	m.logger.Info("logged out")
	m.publishSession(false, false)
}

// State returns the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLoggedIn reports whether a session is held (including while it refreshes).
func (m *Manager) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.IsLoggedIn
}

// Session returns a copy of the held session.
func (m *Manager) Session() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// AccessToken returns the bearer token for outgoing calls, or "".
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccessToken
}

// LastError returns the human-readable message of the last failed login.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = UserMessage(err)
	m.mu.Unlock()
}

func (m *Manager) adoptLocked(access, refresh, first, last string, expiresAt time.Time) {
	m.session = domain.Session{
		IsLoggedIn:   true,
		FirstName:    first,
		LastName:     last,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
	m.state = StateAuthenticated
	m.scheduleRefreshLocked()
}

func (m *Manager) scheduleRefreshLocked() {
	m.stopTimerLocked()
	delay := m.session.ExpiresAt.Sub(m.clock.Now()) - m.margin
	if delay < 0 {
		delay = 0
	}
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(seq) })
	m.logger.Debug("token refresh scheduled", "delay_ms", delay.Milliseconds())
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) onTimer(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()
	if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInProgress) {
		m.logger.Warn("scheduled refresh did not complete", "err", err)
	}
}

// endSessionLocked clears every session key plus the cart, so the next shopper
// on this device never inherits a previous cart.
func (m *Manager) endSessionLocked() {
	m.stopTimerLocked()
	m.epoch++
	for _, key := range store.SessionKeys() {
		m.store.Remove(key)
	}
	m.store.Remove(store.KeyCart)
	m.session = domain.Session{}
	m.state = StateUnauthenticated
}

// onStorageChange follows session changes made by other contexts without
// writing to the shared store.
func (m *Manager) onStorageChange(ev events.Event) {
	change, ok := ev.Payload.(events.StorageChange)
	if !ok || !ev.Remote || change.Key != store.KeyAccessToken {
		return
	}
	m.mu.Lock()
	access, ok := m.store.Get(store.KeyAccessToken)
	if !ok || strings.TrimSpace(access) == "" {
		if !m.session.IsLoggedIn {
			m.mu.Unlock()
			return
		}
		m.stopTimerLocked()
		m.epoch++
		m.session = domain.Session{}
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.logger.Info("session ended in another context")
		m.publishSession(false, true)
		return
	}
	if access == m.session.AccessToken {
		m.mu.Unlock()
		return
	}
	claims, err := usertoken.Decode(access)
	if err != nil || claims.Remaining(m.clock.Now()) <= 0 {
		m.mu.Unlock()
		return
	}
	refresh, _ := m.store.Get(store.KeyRefreshToken)
	first, _ := m.store.Get(store.KeyFirstName)
	last, _ := m.store.Get(store.KeyLastName)
	wasLoggedIn := m.session.IsLoggedIn
	m.epoch++
	m.adoptLocked(access, refresh, first, last, claims.ExpiresAt)
	m.mu.Unlock()
	if !wasLoggedIn {
		m.logger.Info("session adopted from another context")
		m.publishSession(true, true)
	}
}

func (m *Manager) publishSession(loggedIn, remote bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.TopicSessionChanged, events.SessionChange{LoggedIn: loggedIn, Remote: remote})
}

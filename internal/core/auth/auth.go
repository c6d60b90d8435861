// Package auth owns the Catlink session token: it restores it from a Store,
// logs in when needed and transparently re-logs-in once when the server
// reports the token as illegal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/signing"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

// Server return codes with auth meaning.
const (
	CodeIllegalToken   = 1002
	CodeBadCredentials = 2002
)

const (
	// DefaultLoginPath is the password login endpoint.
	DefaultLoginPath = "login/password"
	// DefaultCountryCode is the international dialling code sent on login.
	DefaultCountryCode = "86"

	loginPlatform = "ANDROID"
)

var (
	// ErrAuth means the server rejected the phone/password pair. It is terminal:
	// nothing retries it automatically.
	ErrAuth = errors.New("auth: username or password is incorrect")
	// ErrLoginFailed means the login response carried no token.
	ErrLoginFailed = errors.New("auth: login returned no token")
)

// State is the session lifecycle.
type State int

const (
	StateNoSession State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "no_session"
	}
}

// Credentials identify the account.
type Credentials struct {
	Phone       string
	Password    string
	CountryCode string
}

// Manager owns the in-memory token for one account.
type Manager struct {
	doer      transport.Doer
	store     Store
	enc       *signing.Encrypter
	loginPath string
	now       func() time.Time
	log       *slog.Logger

	mu    sync.RWMutex
	creds Credentials
	token string
	state State

	logins singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoginPath overrides DefaultLoginPath.
func WithLoginPath(p string) Option {
	return func(m *Manager) {
		if p != "" {
			m.loginPath = p
		}
	}
}

// WithEncrypter overrides the password encrypter.
func WithEncrypter(e *signing.Encrypter) Option {
	return func(m *Manager) {
		m.enc = e
	}
}

// WithClock overrides the clock used to stamp sessions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an auth manager.
func NewManager(doer transport.Doer, store Store, creds Credentials, log *slog.Logger, opts ...Option) *Manager {
	if creds.CountryCode == "" {
		creds.CountryCode = DefaultCountryCode
	}
	m := &Manager{
		doer:      doer,
		store:     store,
		loginPath: DefaultLoginPath,
		now:       time.Now,
		log:       log,
		creds:     creds,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.enc == nil {
		m.enc = signing.DefaultEncrypter()
	}
	return m
}

// Phone returns the account phone number.
func (m *Manager) Phone() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Phone
}

// Token returns the current in-memory token, possibly empty.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// State returns the session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetPassword replaces the password and drops the in-memory token so the
// next call logs in again.
func (m *Manager) SetPassword(password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.Password = password
	m.token = ""
	m.state = StateNoSession
}

// EnsureSession makes sure a token is available: memory first, then the
// Store, then a fresh login.
func (m *Manager) EnsureSession(ctx context.Context) error {
	if m.Token() != "" {
		return nil
	}

	phone := m.Phone()
	s, err := m.store.Load(ctx, phone)
	switch {
	case err == nil && s.Token != "":
		m.mu.Lock()
		if m.token == "" {
			m.token = s.Token
			m.state = StateAuthenticated
		}
		m.mu.Unlock()
		m.log.Debug("session restored from store", "phone", phone, "updated_at", s.UpdatedAt)
		return nil
	case err != nil && !errors.Is(err, ErrNoSession):
		m.log.Warn("failed to load stored session, logging in", "phone", phone, "error", err)
	}

	ok, err := m.Login(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLoginFailed
	}
	return nil
}

// Login performs a password login. It returns ErrAuth on bad credentials,
// (false, nil) when the response has no token and (true, nil) on success.
// Concurrent callers share a single in-flight login.
func (m *Manager) Login(ctx context.Context) (bool, error) {
	v, err, _ := m.logins.Do("login", func() (any, error) {
		return m.login(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (m *Manager) login(ctx context.Context) (bool, error) {
	m.mu.Lock()
	creds := m.creds
	m.token = ""
	m.state = StateAuthenticating
	m.mu.Unlock()

	password, err := m.enc.LoginPassword(creds.Password)
	if err != nil {
		m.setState(StateNoSession)
		return false, fmt.Errorf("auth: login: %w", err)
	}

	params := transport.Params{
		"platform":          loginPlatform,
		"internationalCode": creds.CountryCode,
		"mobile":            creds.Phone,
		"password":          password,
	}
	resp, err := m.doer.Request(ctx, m.loginPath, params, transport.MethodPost, "")
	if err != nil {
		m.setState(StateNoSession)
		return false, fmt.Errorf("auth: login: %w", err)
	}

	if resp.ReturnCode() == CodeBadCredentials {
		m.setState(StateNoSession)
		return false, fmt.Errorf("%w: %s", ErrAuth, resp.Message())
	}

	v, _ := resp.Lookup("data", "token")
	token, _ := v.(string)
	if token == "" {
		m.setState(StateNoSession)
		m.log.Error("login failed", "phone", creds.Phone, "return_code", resp.ReturnCode(), "msg", resp.Message())
		return false, nil
	}

	m.persist(ctx, creds.Phone, token)

	m.mu.Lock()
	m.token = token
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.log.Info("logged in", "phone", creds.Phone)
	return true, nil
}

// persist saves the session, keeping the previous timestamp when the token did not change.
func (m *Manager) persist(ctx context.Context, phone, token string) {
	updated := m.now()
	if old, err := m.store.Load(ctx, phone); err == nil && old.Token == token && !old.UpdatedAt.IsZero() {
		updated = old.UpdatedAt
	}
	s := &Session{Phone: phone, Token: token, UpdatedAt: updated}
	if err := m.store.Save(ctx, s); err != nil {
		m.log.Warn("failed to persist session", "phone", phone, "error", err)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Do ensures a session and sends an authenticated request. On an illegal
// token response it re-logs-in at most once and retries the request once;
// a second illegal-token answer yields an empty Response.
func (m *Manager) Do(ctx context.Context, path string, params transport.Params, method transport.Method) (transport.Response, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}

	used := m.Token()
	resp, err := m.doer.Request(ctx, path, params, method, used)
	if err != nil {
		return nil, err
	}
	if resp.ReturnCode() != CodeIllegalToken {
		return resp, nil
	}

	// Another caller may already have replaced the token.
	if current := m.Token(); current == "" || current == used {
		m.log.Info("token rejected, logging in again", "path", path)
		ok, err := m.Login(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return transport.Response{}, nil
		}
	}

	resp, err = m.doer.Request(ctx, path, params, method, m.Token())
	if err != nil {
		return nil, err
	}
	if resp.ReturnCode() == CodeIllegalToken {
		m.log.Warn("token rejected again after login", "path", path)
		return transport.Response{}, nil
	}
	return resp, nil
}

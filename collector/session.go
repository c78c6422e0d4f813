package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gofish "github.com/stmcginnis/gofish"
	gofishcommon "github.com/stmcginnis/gofish/common"
	"golang.org/x/sync/singleflight"

	"github.com/sykim1009/redfish-exporter/config"
)

// ErrAuthenticationFailed marks an authentication failure that persisted
// through one transparent re-login. It is terminal for the collection cycle
// that observed it.
var ErrAuthenticationFailed = errors.New("redfish authentication failed")

// APIClient is the slice of a Redfish client the session layer needs:
// an authenticated GET plus logout.
type APIClient interface {
	Get(url string) (*http.Response, error)
	Logout()
}

// DialFunc performs a login against a BMC and returns a live client.
// Production dialing goes through gofish; tests substitute fakes.
type DialFunc func(ctx context.Context, host string, auth config.AuthConfig, rfConfig config.RedfishClientConfig) (APIClient, error)

type sessionKey struct {
	profile string
	target  string
}

func (k sessionKey) String() string {
	return k.profile + "\x00" + k.target
}

// Session is one live authenticated client bound to a (profile, target)
// pair. Its validity is only ever confirmed lazily, by the outcome of the
// next request issued with it.
type Session struct {
	key    sessionKey
	client APIClient
}

// SessionManager owns at most one live session per (profile, target) pair.
// Concurrent acquisitions for the same pair collapse onto a single login;
// BMC session quotas are small and duplicate logins waste them.
type SessionManager struct {
	dial   DialFunc
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewSessionManager returns a SessionManager using the given dialer.
func NewSessionManager(dial DialFunc, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		dial:     dial,
		logger:   logger,
		sessions: make(map[sessionKey]*Session),
	}
}

// Acquire returns the live session for (profile, target), logging in first
// if none exists. Callers racing on the same pair block on the in-flight
// login instead of starting their own.
func (m *SessionManager) Acquire(ctx context.Context, profileName, target string, profile *config.Profile) (*Session, error) {
	key := sessionKey{profile: profileName, target: target}

	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do(key.String(), func() (any, error) {
		m.mu.Lock()
		if session, ok := m.sessions[key]; ok {
			m.mu.Unlock()
			return session, nil
		}
		m.mu.Unlock()

		client, err := m.dial(ctx, target, profile.Auth, profile.RedfishClient)
		if err != nil {
			return nil, fmt.Errorf("login to %s failed: %w", target, err)
		}
		session := &Session{key: key, client: client}

		m.mu.Lock()
		m.sessions[key] = session
		m.mu.Unlock()

		m.logger.Debug("redfish session established",
			slog.String("profile", profileName), slog.String("target", target))
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

// Execute issues one GET through the session for (profile, target). When
// the BMC signals that the session expired or was invalidated, the stale
// session is dropped and a fresh login is attempted exactly once before the
// failure surfaces; a second authentication failure is terminal for this
// request.
func (m *SessionManager) Execute(ctx context.Context, profileName, target string, profile *config.Profile, path string) (*http.Response, error) {
	session, err := m.Acquire(ctx, profileName, target, profile)
	if err != nil {
		return nil, err
	}

	resp, err := session.client.Get(path)
	if err == nil {
		return resp, nil
	}
	if !isSessionInvalid(err) {
		return nil, err
	}

	m.logger.Debug("redfish session invalidated, re-authenticating",
		slog.String("profile", profileName), slog.String("target", target))
	m.drop(session)

	session, err = m.Acquire(ctx, profileName, target, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: re-login: %v", ErrAuthenticationFailed, err)
	}
	resp, err = session.client.Get(path)
	if err != nil && isSessionInvalid(err) {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return resp, err
}

// drop removes the session from the cache and logs it out best-effort. The
// entry is only removed if it is still the cached one, so a racing caller
// that already replaced it is left alone.
func (m *SessionManager) drop(session *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[session.key]; ok && current == session {
		delete(m.sessions, session.key)
	}
	m.mu.Unlock()
	session.client.Logout()
}

// Close logs out every live session. Logout failures are the BMC's problem
// at shutdown; they are logged by the client layer and never propagate.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for key, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.client.Logout()
		m.logger.Debug("redfish session closed",
			slog.String("profile", session.key.profile), slog.String("target", session.key.target))
	}
}

// isSessionInvalid reports whether an error from the Redfish API signals an
// expired or invalidated session rather than a transport or decode problem.
func isSessionInvalid(err error) bool {
	var redfishErr *gofishcommon.Error
	if errors.As(err, &redfishErr) {
		return redfishErr.HTTPReturnedStatusCode == http.StatusUnauthorized ||
			redfishErr.HTTPReturnedStatusCode == http.StatusForbidden
	}
	return false
}

// GofishDial logs in to https://{host} with session authentication.
func GofishDial(ctx context.Context, host string, auth config.AuthConfig, rfConfig config.RedfishClientConfig) (APIClient, error) {
	url := fmt.Sprintf("https://%s", host)
	dialer := &net.Dialer{
		Timeout:   rfConfig.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: rfConfig.DialTimeout,
	}

	clientConfig := gofish.ClientConfig{
		HTTPClient:            &http.Client{Transport: transport},
		MaxConcurrentRequests: int64(rfConfig.MaxConcurrentRequests),
		Endpoint:              url,
		Username:              auth.Username,
		Password:              auth.Password,
		Insecure:              true,
		ReuseConnections:      true,
	}
	client, err := gofish.ConnectContext(ctx, clientConfig)
	if err != nil {
		return nil, err
	}
	return client, nil
}

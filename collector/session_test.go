package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stmcginnis/gofish"
	gofishcommon "github.com/stmcginnis/gofish/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sykim1009/redfish-exporter/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile() *config.Profile {
	return &config.Profile{
		Auth:          config.AuthConfig{Username: "admin", Password: "secret"},
		RedfishClient: config.DefaultRedfishClient,
	}
}

// dialSequence hands out preconfigured clients one login at a time.
type dialSequence struct {
	mu      sync.Mutex
	clients []*fakeAPIClient
	count   atomic.Int64
	delay   time.Duration
	err     error
}

func (d *dialSequence) dial(_ context.Context, _ string, _ config.AuthConfig, _ config.RedfishClientConfig) (APIClient, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	n := d.count.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(d.clients) {
		idx = len(d.clients) - 1
	}
	return d.clients[idx], nil
}

func TestSessionManagerSingleFlight(t *testing.T) {
	client := newFakeAPIClient()
	dialer := &dialSequence{clients: []*fakeAPIClient{client}, delay: 50 * time.Millisecond}
	manager := NewSessionManager(dialer.dial, testLogger())

	const concurrency = 8
	sessions := make([]*Session, concurrency)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
			assert.NoError(t, err)
			sessions[i] = session
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), dialer.count.Load(), "concurrent acquires must collapse onto one login")
	for _, session := range sessions {
		assert.Same(t, sessions[0], session)
	}
}

func TestSessionManagerKeysDoNotContend(t *testing.T) {
	dialer := &dialSequence{clients: []*fakeAPIClient{newFakeAPIClient()}}
	manager := NewSessionManager(dialer.dial, testLogger())

	_, err := manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.NoError(t, err)
	_, err = manager.Acquire(context.Background(), "haein_gpu", "bmc-2", testProfile())
	require.NoError(t, err)
	_, err = manager.Acquire(context.Background(), "other", "bmc-1", testProfile())
	require.NoError(t, err)

	assert.Equal(t, int64(3), dialer.count.Load())

	// repeated acquisition reuses the cached sessions
	_, err = manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.NoError(t, err)
	assert.Equal(t, int64(3), dialer.count.Load())
}

func TestSessionManagerDialFailureSurfaces(t *testing.T) {
	dialer := &dialSequence{err: errors.New("connection refused")}
	manager := NewSessionManager(dialer.dial, testLogger())

	_, err := manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login to bmc-1 failed")

	// a failed login is not cached; the next acquire dials again
	_, err = manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.Error(t, err)
	assert.Equal(t, int64(2), dialer.count.Load())
}

func TestSessionManagerReauthenticatesOnce(t *testing.T) {
	expired := newFakeAPIClient()
	expired.fail("/redfish/v1/Systems/1", &gofishcommon.Error{HTTPReturnedStatusCode: http.StatusUnauthorized})
	fresh := newFakeAPIClient()
	fresh.respond("/redfish/v1/Systems/1", `{"Status":{"Health":"OK"}}`)

	dialer := &dialSequence{clients: []*fakeAPIClient{expired, fresh}}
	manager := NewSessionManager(dialer.dial, testLogger())

	resp, err := manager.Execute(context.Background(), "haein_gpu", "bmc-1", testProfile(), "/redfish/v1/Systems/1")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"OK"`)

	assert.Equal(t, int64(2), dialer.count.Load(), "expiry must trigger exactly one re-login")
	assert.Equal(t, 1, expired.getCount())
	assert.Equal(t, 1, fresh.getCount())
	assert.True(t, expired.wasLoggedOut(), "stale session should be logged out when dropped")
}

func TestSessionManagerReauthFailureIsTerminal(t *testing.T) {
	expired := newFakeAPIClient()
	expired.fail("/redfish/v1/Systems/1", &gofishcommon.Error{HTTPReturnedStatusCode: http.StatusUnauthorized})
	stillExpired := newFakeAPIClient()
	stillExpired.fail("/redfish/v1/Systems/1", &gofishcommon.Error{HTTPReturnedStatusCode: http.StatusUnauthorized})

	dialer := &dialSequence{clients: []*fakeAPIClient{expired, stillExpired}}
	manager := NewSessionManager(dialer.dial, testLogger())

	_, err := manager.Execute(context.Background(), "haein_gpu", "bmc-1", testProfile(), "/redfish/v1/Systems/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, int64(2), dialer.count.Load(), "at most one automatic re-login per request")
}

func TestSessionManagerNetworkErrorsAreNotRetried(t *testing.T) {
	client := newFakeAPIClient()
	client.fail("/redfish/v1/Systems/1", errors.New("connection reset by peer"))

	dialer := &dialSequence{clients: []*fakeAPIClient{client}}
	manager := NewSessionManager(dialer.dial, testLogger())

	_, err := manager.Execute(context.Background(), "haein_gpu", "bmc-1", testProfile(), "/redfish/v1/Systems/1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, int64(1), dialer.count.Load(), "network failures must not trigger re-login")
	assert.False(t, client.wasLoggedOut())
}

func TestSessionManagerClose(t *testing.T) {
	first := newFakeAPIClient()
	second := newFakeAPIClient()
	dialer := &dialSequence{clients: []*fakeAPIClient{first, second}}
	manager := NewSessionManager(dialer.dial, testLogger())

	_, err := manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.NoError(t, err)
	_, err = manager.Acquire(context.Background(), "haein_gpu", "bmc-2", testProfile())
	require.NoError(t, err)

	manager.Close()
	assert.True(t, first.wasLoggedOut())
	assert.True(t, second.wasLoggedOut())

	// closed sessions are gone; the next acquire logs in again
	_, err = manager.Acquire(context.Background(), "haein_gpu", "bmc-1", testProfile())
	require.NoError(t, err)
	assert.Equal(t, int64(3), dialer.count.Load())
}

// End to end against a mock BMC through real gofish session handling:
// login once, survive a server-side session invalidation, log out.
func TestSessionManagerAgainstMockBMC(t *testing.T) {
	bmc := newMockBMC(t)
	bmc.setFixture("/redfish/v1/Systems/1", map[string]any{
		"Status": map[string]string{"Health": "OK"},
	})

	dial := func(ctx context.Context, _ string, auth config.AuthConfig, _ config.RedfishClientConfig) (APIClient, error) {
		return gofish.ConnectContext(ctx, gofish.ClientConfig{
			Endpoint: bmc.URL,
			Username: auth.Username,
			Password: auth.Password,
			Insecure: true,
		})
	}
	manager := NewSessionManager(dial, testLogger())
	defer manager.Close()

	resp, err := manager.Execute(context.Background(), "haein_gpu", "bmc-1", testProfile(), "/redfish/v1/Systems/1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"OK"`))
	assert.Equal(t, 1, bmc.loginCount())

	// The BMC expires the session behind our back; the next request must
	// transparently log in again.
	bmc.invalidateSessions()
	resp, err = manager.Execute(context.Background(), "haein_gpu", "bmc-1", testProfile(), "/redfish/v1/Systems/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, bmc.loginCount())
}

package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockBMC is a test server speaking just enough Redfish: session login and
// logout plus token-guarded GETs against configurable JSON fixtures.
type mockBMC struct {
	*httptest.Server
	t *testing.T

	mu        sync.Mutex
	fixtures  map[string]any
	sessions  map[string]bool
	nextToken int
	logins    int
	requests  []string // Track requests for debugging
}

func newMockBMC(t *testing.T) *mockBMC {
	t.Helper()

	bmc := &mockBMC{
		t:        t,
		fixtures: make(map[string]any),
		sessions: make(map[string]bool),
	}
	bmc.Server = httptest.NewServer(http.HandlerFunc(bmc.handler))
	t.Cleanup(bmc.Close)

	bmc.fixtures["/redfish/v1/"] = map[string]any{
		"@odata.type":    "#ServiceRoot.v1_15_0.ServiceRoot",
		"@odata.id":      "/redfish/v1/",
		"Id":             "RootService",
		"Name":           "Root Service",
		"RedfishVersion": "1.15.0",
		"Links": map[string]any{
			"Sessions": map[string]string{"@odata.id": "/redfish/v1/SessionService/Sessions"},
		},
	}
	return bmc
}

func (m *mockBMC) setFixture(path string, document any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixtures[path] = document
}

func (m *mockBMC) loginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

// invalidateSessions drops every issued token, simulating BMC-side session
// expiry. The next authenticated request gets a 401.
func (m *mockBMC) invalidateSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]bool)
}

func (m *mockBMC) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.Method+" "+r.URL.Path)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/redfish/v1/SessionService/Sessions":
		m.handleLogin(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/redfish/v1/SessionService/Sessions/"):
		m.mu.Lock()
		delete(m.sessions, r.Header.Get("X-Auth-Token"))
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet:
		m.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mockBMC) handleLogin(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		UserName string
		Password string
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &credentials); err != nil || credentials.UserName != "admin" || credentials.Password != "secret" {
		writeRedfishError(w, http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	m.logins++
	m.nextToken++
	token := fmt.Sprintf("token-%d", m.nextToken)
	m.sessions[token] = true
	sessionID := m.nextToken
	m.mu.Unlock()

	w.Header().Set("X-Auth-Token", token)
	w.Header().Set("Location", fmt.Sprintf("/redfish/v1/SessionService/Sessions/%d", sessionID))
	w.WriteHeader(http.StatusCreated)
	// nolint
	json.NewEncoder(w).Encode(map[string]any{
		"@odata.id": fmt.Sprintf("/redfish/v1/SessionService/Sessions/%d", sessionID),
		"Id":        fmt.Sprintf("%d", sessionID),
		"Name":      "Session",
		"UserName":  credentials.UserName,
	})
}

func (m *mockBMC) handleGet(w http.ResponseWriter, r *http.Request) {
	// The service root is readable without authentication.
	if r.URL.Path != "/redfish/v1/" {
		m.mu.Lock()
		authenticated := m.sessions[r.Header.Get("X-Auth-Token")]
		m.mu.Unlock()
		if !authenticated {
			writeRedfishError(w, http.StatusUnauthorized)
			return
		}
	}

	m.mu.Lock()
	document, ok := m.fixtures[r.URL.Path]
	m.mu.Unlock()
	if !ok {
		writeRedfishError(w, http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(document); err != nil {
		m.t.Errorf("failed to encode fixture for %s: %v", r.URL.Path, err)
	}
}

func writeRedfishError(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
	// nolint
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "Base.1.0.GeneralError",
			"message": http.StatusText(status),
		},
	})
}

// fakeAPIClient is an in-memory APIClient for session manager tests that
// do not need a real HTTP round trip.
type fakeAPIClient struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	gets      []string
	loggedOut bool
}

type fakeResponse struct {
	body  string
	err   error
	delay time.Duration
}

func newFakeAPIClient() *fakeAPIClient {
	return &fakeAPIClient{responses: make(map[string]fakeResponse)}
}

func (c *fakeAPIClient) respond(path, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[path] = fakeResponse{body: body}
}

func (c *fakeAPIClient) fail(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[path] = fakeResponse{err: err}
}

func (c *fakeAPIClient) delay(path, body string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[path] = fakeResponse{body: body, delay: delay}
}

func (c *fakeAPIClient) Get(url string) (*http.Response, error) {
	c.mu.Lock()
	c.gets = append(c.gets, url)
	response, ok := c.responses[url]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no response configured for %s", url)
	}
	if response.delay > 0 {
		time.Sleep(response.delay)
	}
	if response.err != nil {
		return nil, response.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(response.body)),
	}, nil
}

func (c *fakeAPIClient) Logout() {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
}

func (c *fakeAPIClient) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gets)
}

func (c *fakeAPIClient) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// mock-server is a fake Redfish BMC for exercising the exporter locally.
// It serves YAML-declared endpoint fixtures behind Redfish session
// authentication, so session login, expiry, and logout paths can be tested
// without real hardware.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const sessionsPath = "/redfish/v1/SessionService/Sessions"

var (
	listenAddress = flag.String("listen-address", ":8443", "Address to listen on.")
	dataFile      = flag.String("data-file", "fixtures.yml", "Path to the fixture file.")
	responseDelay = flag.Duration("response-delay", 0, "Artificial delay before each response.")
	sessionTTL    = flag.Duration("session-ttl", 10*time.Minute, "Lifetime of issued sessions.")
)

// Fixtures is the fixture file: user accounts plus endpoint documents.
type Fixtures struct {
	Users     []User         `yaml:"users"`
	Endpoints map[string]any `yaml:"endpoints"`
}

// User is one account accepted at the session endpoint.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type session struct {
	username string
	created  time.Time
}

type mockServer struct {
	fixtures *Fixtures
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]session
}

func loadFixtures(path string) (*Fixtures, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fixtures := &Fixtures{}
	if err := yaml.NewDecoder(file).Decode(fixtures); err != nil {
		return nil, fmt.Errorf("failed to parse fixture file: %w", err)
	}
	if fixtures.Endpoints == nil {
		fixtures.Endpoints = map[string]any{}
	}
	if _, ok := fixtures.Endpoints["/redfish/v1/"]; !ok {
		fixtures.Endpoints["/redfish/v1/"] = map[string]any{
			"@odata.id":      "/redfish/v1/",
			"Id":             "RootService",
			"Name":           "Mock Root Service",
			"RedfishVersion": "1.15.0",
			"Links": map[string]any{
				"Sessions": map[string]string{"@odata.id": sessionsPath},
			},
		}
	}
	return fixtures, nil
}

func newToken() string {
	buf := make([]byte, 24)
	// nolint
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (m *mockServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		UserName string
		Password string
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		m.writeError(w, http.StatusBadRequest)
		return
	}

	authenticated := false
	for _, user := range m.fixtures.Users {
		if user.Username == credentials.UserName && user.Password == credentials.Password {
			authenticated = true
			break
		}
	}
	if !authenticated {
		m.logger.Warn("rejected login", slog.String("username", credentials.UserName))
		m.writeError(w, http.StatusUnauthorized)
		return
	}

	token := newToken()
	m.mu.Lock()
	m.sessions[token] = session{username: credentials.UserName, created: time.Now()}
	m.mu.Unlock()

	location := sessionsPath + "/" + token
	w.Header().Set("X-Auth-Token", token)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	// nolint
	json.NewEncoder(w).Encode(map[string]any{
		"@odata.id": location,
		"Id":        token,
		"Name":      "Session",
		"UserName":  credentials.UserName,
	})
	m.logger.Info("session created", slog.String("username", credentials.UserName))
}

func (m *mockServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, sessionsPath+"/")
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
	m.logger.Info("session deleted")
}

func (m *mockServer) authenticated(r *http.Request) bool {
	token := r.Header.Get("X-Auth-Token")
	m.mu.RLock()
	active, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Since(active.created) > *sessionTTL {
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
		return false
	}
	return true
}

func (m *mockServer) handler(w http.ResponseWriter, r *http.Request) {
	if *responseDelay > 0 {
		time.Sleep(*responseDelay)
	}
	m.logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path))

	switch {
	case r.Method == http.MethodPost && r.URL.Path == sessionsPath:
		m.handleLogin(w, r)
		return
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, sessionsPath+"/"):
		m.handleLogout(w, r)
		return
	case r.Method != http.MethodGet:
		m.writeError(w, http.StatusMethodNotAllowed)
		return
	}

	// The service root stays readable without a session, like a real BMC.
	if r.URL.Path != "/redfish/v1/" && len(m.fixtures.Users) > 0 && !m.authenticated(r) {
		m.writeError(w, http.StatusUnauthorized)
		return
	}

	document, ok := m.fixtures.Endpoints[r.URL.Path]
	if !ok {
		m.writeError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(document); err != nil {
		m.logger.Error("failed to encode fixture", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

func (m *mockServer) writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nolint
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "Base.1.0.GeneralError",
			"message": http.StatusText(status),
		},
	})
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	fixtures, err := loadFixtures(*dataFile)
	if err != nil {
		logger.Error("failed to load fixtures", slog.Any("error", err))
		os.Exit(1)
	}

	server := &mockServer{
		fixtures: fixtures,
		logger:   logger,
		sessions: make(map[string]session),
	}

	logger.Info("mock Redfish server listening",
		slog.String("address", *listenAddress),
		slog.Int("endpoints", len(fixtures.Endpoints)),
		slog.Int("users", len(fixtures.Users)))
	if err := http.ListenAndServe(*listenAddress, http.HandlerFunc(server.handler)); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

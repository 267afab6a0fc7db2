package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": streams}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

// MockRankServer fakes the rank lookup and subscription backends on one
// server: GET /api/ranks/lol/{name}, POST /metrics/{counter} and
// POST /subscription/verify.
type MockRankServer struct {
	*httptest.Server

	mu       sync.Mutex
	ranks    map[string]map[string]interface{}
	enrolled map[string]bool
	legacy   bool
	failing  bool
	delay    time.Duration
	lookups  map[string]int
	counters map[string]int
}

// NewMockRankServer starts the server; it is closed on test cleanup.
func NewMockRankServer(t *testing.T) *MockRankServer {
	t.Helper()
	m := &MockRankServer{
		ranks:    make(map[string]map[string]interface{}),
		enrolled: make(map[string]bool),
		lookups:  make(map[string]int),
		counters: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ranks/lol/{name}", m.handleRank)
	mux.HandleFunc("POST /metrics/{counter}", m.handleCounter)
	mux.HandleFunc("POST /subscription/verify", m.handleVerify)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// RankURL is the base for rank lookups.
func (m *MockRankServer) RankURL() string { return m.URL + "/api/ranks/lol" }

// SubscriptionURL is the base for counters and enrollment.
func (m *MockRankServer) SubscriptionURL() string { return m.URL }

// SetRank registers the JSON body returned for name.
func (m *MockRankServer) SetRank(name string, body map[string]interface{}) {
	m.mu.Lock()
	m.ranks[strings.ToLower(name)] = body
	m.mu.Unlock()
}

// SetEnrolled marks a channel enrolled or not.
func (m *MockRankServer) SetEnrolled(channel string, enrolled bool) {
	m.mu.Lock()
	m.enrolled[strings.ToLower(channel)] = enrolled
	m.mu.Unlock()
}

// SetLegacy switches enrollment answers to the {"subscribed": bool} shape.
func (m *MockRankServer) SetLegacy(legacy bool) {
	m.mu.Lock()
	m.legacy = legacy
	m.mu.Unlock()
}

// SetFailing makes every endpoint answer 500.
func (m *MockRankServer) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// SetDelay delays every rank lookup.
func (m *MockRankServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Lookups is how many times name was requested.
func (m *MockRankServer) Lookups(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[strings.ToLower(name)]
}

// Counter is how many times counter/channel was posted.
func (m *MockRankServer) Counter(counter, channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counter+"/"+channel]
}

func (m *MockRankServer) handleRank(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("name"))
	m.mu.Lock()
	m.lookups[name]++
	body, ok := m.ranks[name]
	failing, delay := m.failing, m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	switch {
	case failing:
		http.Error(w, "backend down", http.StatusInternalServerError)
	case !ok:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

type channelRequest struct {
	ChannelName string `json:"channel_name"`
}

func (m *MockRankServer) handleCounter(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	failing := m.failing
	if !failing {
		m.counters[r.PathValue("counter")+"/"+req.ChannelName]++
	}
	m.mu.Unlock()
	if failing {
		http.Error(w, "backend down", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true}) //nolint:errcheck // test mock response
}

func (m *MockRankServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	enrolled := m.enrolled[strings.ToLower(req.ChannelName)]
	legacy, failing := m.legacy, m.failing
	m.mu.Unlock()
	if failing {
		http.Error(w, "backend down", http.StatusInternalServerError)
		return
	}
	key := "active"
	if legacy {
		key = "subscribed"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{key: enrolled}) //nolint:errcheck // test mock response
}

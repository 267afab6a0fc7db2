package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *atomic.Int32, tokens func(n int32) (string, int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "test-client" {
			t.Errorf("unexpected token form: %v", r.Form)
		}
		tok, exp := tokens(n)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": tok,
			"expires_in":   exp,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_GetCached(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(int32) (string, int) { return "test-token-123", 3600 })
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}

	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if tok != "test-token-123" {
			t.Errorf("Get() = %s, want test-token-123", tok)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 token request, got %d", calls.Load())
	}
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(n int32) (string, int) {
		if n == 1 {
			return "short-lived", 30
		}
		return "fresh", 3600
	})
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}

	first, err := ts.Get(context.Background())
	if err != nil || first != "short-lived" {
		t.Fatalf("first Get() = %q, %v", first, err)
	}
	// inside the one minute buffer, so the next call refreshes
	second, err := ts.Get(context.Background())
	if err != nil || second != "fresh" {
		t.Fatalf("second Get() = %q, %v", second, err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 token requests, got %d", calls.Load())
	}
}

func TestTokenSource_Errors(t *testing.T) {
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer unauthorized.Close()
	var calls atomic.Int32
	empty := tokenServer(t, &calls, func(int32) (string, int) { return "", 3600 })

	tests := []struct {
		name        string
		ts          *TokenSource
		errContains string
	}{
		{"missing credentials", &TokenSource{}, "missing client id/secret"},
		{"server rejects", &TokenSource{ClientID: "test-client", ClientSecret: "bad", TokenURL: unauthorized.URL}, "twitch token request failed"},
		{"empty token", &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: empty.URL}, "twitch token request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.ts.Get(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("Get() error = %v, want containing %q", err, tt.errContains)
			}
		})
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "test-token", "expires_in": 3600, "token_type": "bearer"})
	}))
	defer srv.Close()
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := ts.Get(context.Background()); err != nil || tok != "test-token" {
				t.Errorf("Get() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("expected 1 token request with concurrent access, got %d", calls.Load())
	}
}

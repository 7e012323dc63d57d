package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testCredentials() Credentials {
	return Credentials{
		Email:        "sleeper@example.com",
		Password:     "hunter2",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
}

// newTokenEndpoint fakes the vendor's password-grant endpoint and counts
// how many logins it served.
func newTokenEndpoint(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q, want password", got)
		}
		if got := r.PostForm.Get("username"); got != "sleeper@example.com" {
			t.Errorf("username = %q", got)
		}
		logins.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"access_token": "tok-1",
			"token_type": "Bearer",
			"expires_in": 86400,
			"userId": "user-1"
		}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenLogsInOnceAndCaches(t *testing.T) {
	var logins atomic.Int32
	server := newTokenEndpoint(t, &logins)
	statePath := filepath.Join(t.TempDir(), "session.json")

	manager, err := NewManager(testCredentials(), server.URL, statePath, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	token, err := manager.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want tok-1", token)
	}
	if manager.UserID() != "user-1" {
		t.Fatalf("user id = %q, want user-1", manager.UserID())
	}

	if _, err := manager.Token(ctx); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("login count = %d, want 1", n)
	}

	info, err := os.Stat(statePath)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	var logins atomic.Int32
	server := newTokenEndpoint(t, &logins)
	statePath := filepath.Join(t.TempDir(), "session.json")

	first, err := NewManager(testCredentials(), server.URL, statePath, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := first.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}

	second, err := NewManager(testCredentials(), server.URL, statePath, nil)
	if err != nil {
		t.Fatalf("restarted manager: %v", err)
	}
	token, err := second.Token(context.Background())
	if err != nil {
		t.Fatalf("token after restart: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want persisted tok-1", token)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("restart logged in again: %d logins", n)
	}
}

func TestExpiredSessionIsDiscarded(t *testing.T) {
	var logins atomic.Int32
	server := newTokenEndpoint(t, &logins)
	statePath := filepath.Join(t.TempDir(), "session.json")

	stale := Session{
		SchemaVersion: SchemaVersion,
		AccessToken:   "tok-old",
		ExpiresAt:     time.Now().Add(time.Minute),
		UserID:        "user-1",
	}
	if err := WriteSession(statePath, stale); err != nil {
		t.Fatalf("write stale session: %v", err)
	}

	manager, err := NewManager(testCredentials(), server.URL, statePath, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := manager.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want a fresh login over a near-expiry session", token)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("login count = %d, want 1", n)
	}
}

func TestLoginFailureIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	manager, err := NewManager(testCredentials(), server.URL, filepath.Join(t.TempDir(), "session.json"), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = manager.Token(context.Background())
	var authErr AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want AuthError", err)
	}
}

type memoryBlobStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memoryBlobStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memoryBlobStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func TestBlobMirrorRecoversSession(t *testing.T) {
	var logins atomic.Int32
	server := newTokenEndpoint(t, &logins)
	blob := &memoryBlobStore{}

	first, err := NewManager(testCredentials(), server.URL, filepath.Join(t.TempDir(), "session.json"), blob)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := first.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if blob.data == nil {
		t.Fatalf("session not mirrored to blob storage")
	}

	// A fresh host has no local session file; the blob mirror avoids a
	// throttled login.
	second, err := NewManager(testCredentials(), server.URL, filepath.Join(t.TempDir(), "session.json"), blob)
	if err != nil {
		t.Fatalf("new manager on fresh host: %v", err)
	}
	token, err := second.Token(context.Background())
	if err != nil {
		t.Fatalf("token from mirror: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want mirrored tok-1", token)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("fresh host logged in despite mirror: %d logins", n)
	}
}

func TestTriggerRefreshCollapsesConcurrentLogins(t *testing.T) {
	var logins atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		logins.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-2","token_type":"Bearer","expires_in":86400,"userId":"user-1"}`)
	}))
	t.Cleanup(server.Close)

	manager, err := NewManager(testCredentials(), server.URL, filepath.Join(t.TempDir(), "session.json"), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	manager.TriggerRefresh(ctx)
	manager.TriggerRefresh(ctx)
	manager.TriggerRefresh(ctx)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for manager.UserID() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("refresh never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("concurrent triggers ran %d logins, want 1", n)
	}

	token, err := manager.Token(ctx)
	if err != nil {
		t.Fatalf("token after refresh: %v", err)
	}
	if token != "tok-2" {
		t.Fatalf("token = %q, want refreshed tok-2", token)
	}
}

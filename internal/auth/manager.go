package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL = "https://auth-api.8slp.net/v1/tokens"

	// expiryBuffer renews tokens this long before the cloud invalidates
	// them, so in-flight requests never race the expiry.
	expiryBuffer = 120 * time.Second

	DefaultRenewInterval = 10 * time.Minute
)

// AuthError marks a failed login. It is fatal to all API operations
// until credentials are fixed or the throttle clears; callers must not
// retry in a tight loop.
type AuthError struct {
	Err error
}

func (e AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e AuthError) Unwrap() error { return e.Err }

// Manager performs the password-grant login and caches the resulting
// access token. The session is persisted locally and mirrored to blob
// storage because the vendor throttles logins; a still-valid token is
// always preferred over a fresh login.
type Manager struct {
	creds      Credentials
	tokenURL   string
	statePath  string
	blobStore  BlobStore
	httpClient *http.Client
	config     *oauth2.Config

	mu            sync.Mutex
	accessToken   string
	expiresAt     time.Time
	userID        string
	loginInFlight bool
}

// NewManager builds a manager and loads any persisted session, local
// file first, then the blob mirror. No login happens here; the first
// Token call logs in if nothing usable was recovered.
func NewManager(creds Credentials, tokenURL, statePath string, blobStore BlobStore) (*Manager, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if statePath == "" {
		return nil, fmt.Errorf("state path is required")
	}

	m := &Manager{
		creds:      creds,
		tokenURL:   tokenURL,
		statePath:  statePath,
		blobStore:  blobStore,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
	m.loadInitialSession()
	return m, nil
}

func (m *Manager) loadInitialSession() {
	session, err := LoadSession(m.statePath)
	if err != nil && m.blobStore != nil {
		data, blobErr := m.blobStore.Load(context.Background())
		if blobErr == nil {
			if decoded, decErr := DecodeSession(data); decErr == nil {
				session, err = decoded, nil
				if writeErr := WriteSession(m.statePath, session); writeErr == nil {
					remotePersistOK.Set(1)
				}
			}
		}
	}
	if err != nil {
		return
	}
	if time.Until(session.ExpiresAt) <= expiryBuffer {
		return
	}
	m.accessToken = session.AccessToken
	m.expiresAt = session.ExpiresAt
	m.userID = session.UserID
	tokenValid.Set(1)
}

// Start renews the token in the background so API calls rarely pay the
// login latency. interval <= 0 disables the ticker.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				need := m.accessToken == "" || time.Until(m.expiresAt) <= interval+expiryBuffer
				m.mu.Unlock()
				if need {
					if _, err := m.Token(ctx); err != nil {
						// Token already counted the failure; the next tick
						// retries, which keeps the rate well under the
						// vendor's throttle.
						continue
					}
				}
			}
		}
	}()
}

// Token returns a valid access token, logging in if the cached one is
// missing or near expiry. Implements the API client's token source.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.accessToken != "" && time.Until(m.expiresAt) > expiryBuffer {
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	if err := m.login(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken, nil
}

// UserID returns the account user id from the current session, empty
// until the first successful login.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// TriggerRefresh starts an async login after the API rejected a token.
// Concurrent triggers collapse into one attempt.
func (m *Manager) TriggerRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.loginInFlight {
		m.mu.Unlock()
		return
	}
	m.loginInFlight = true
	m.accessToken = ""
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.loginInFlight = false
			m.mu.Unlock()
		}()
		_ = m.login(context.WithoutCancel(ctx))
	}()
}

func (m *Manager) login(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	token, err := m.config.PasswordCredentialsToken(ctx, m.creds.Email, m.creds.Password)
	if err != nil {
		loginFailure.Inc()
		tokenValid.Set(0)
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			body := strings.TrimSpace(string(retrieveErr.Body))
			return AuthError{Err: fmt.Errorf("login failed %d: %s", retrieveErr.Response.StatusCode, body)}
		}
		return AuthError{Err: err}
	}

	userID, _ := token.Extra("userId").(string)

	m.mu.Lock()
	m.accessToken = token.AccessToken
	m.expiresAt = token.Expiry
	if userID != "" {
		m.userID = userID
	}
	session := Session{
		SchemaVersion: SchemaVersion,
		AccessToken:   m.accessToken,
		ExpiresAt:     m.expiresAt,
		UserID:        m.userID,
	}
	m.mu.Unlock()

	loginSuccess.Inc()
	tokenValid.Set(1)

	if err := WriteSession(m.statePath, session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if m.blobStore != nil {
		if err := m.persistBlob(ctx, session); err != nil {
			remotePersistOK.Set(0)
			return nil
		}
		remotePersistOK.Set(1)
	}
	return nil
}

func (m *Manager) persistBlob(ctx context.Context, session Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return m.blobStore.Save(ctx, data)
}

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const SchemaVersion = 1

var ErrSessionNotFound = errors.New("auth session not found")

// Credentials holds the account login and the app's API client pair.
// There are no baked-in defaults; the client pair ships with the vendor
// app and must be supplied by the operator.
type Credentials struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (c Credentials) Validate() error {
	if c.Email == "" {
		return fmt.Errorf("credentials missing email")
	}
	if c.Password == "" {
		return fmt.Errorf("credentials missing password")
	}
	if c.ClientID == "" {
		return fmt.Errorf("credentials missing client_id")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("credentials missing client_secret")
	}
	return nil
}

// Session is the persisted login state. The vendor throttles logins
// aggressively, so reusing a still-valid token across restarts matters.
type Session struct {
	SchemaVersion int       `json:"schema_version"`
	AccessToken   string    `json:"access_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	UserID        string    `json:"user_id"`
}

func (s Session) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", s.SchemaVersion)
	}
	if s.AccessToken == "" {
		return fmt.Errorf("session missing access_token")
	}
	if s.UserID == "" {
		return fmt.Errorf("session missing user_id")
	}
	return nil
}

func LoadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	if err := checkSessionFile(path); err != nil {
		return Session{}, err
	}
	return DecodeSession(data)
}

func DecodeSession(data []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := session.Validate(); err != nil {
		return Session{}, err
	}
	return session, nil
}

func WriteSession(path string, session Session) error {
	if session.SchemaVersion == 0 {
		session.SchemaVersion = SchemaVersion
	}
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	return nil
}

func checkSessionFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("session file %s must have 0600 permissions", path)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Geteuid() {
			return fmt.Errorf("session file %s must be owned by uid %d", path, os.Geteuid())
		}
	}
	return nil
}

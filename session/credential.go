// Package session holds upstream mail credentials for logged-in users.
//
// A CredentialSession lives only in process memory. Its secret is stored as a
// byte slice that is overwritten when the session is revoked or expires, and
// the String, MarshalJSON and LogValue methods never include it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrTooManySessions  = errors.New("too many active sessions")
	ErrSessionDestroyed = errors.New("session credentials have been destroyed")
)

// Endpoint is an upstream host and port.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// CredentialSession is one authenticated user's upstream credentials.
type CredentialSession struct {
	Username  string
	UserID    int64 // cache user id, 0 when no cache user was resolved
	IMAP      Endpoint
	SMTP      Endpoint
	CreatedAt time.Time
	ExpiresAt time.Time

	mu       sync.Mutex
	secret   []byte
	lastSeen atomic.Int64 // unix nanoseconds
}

// NewCredentialSession returns a session valid for ttl from now. Sessions are
// normally created by Registry.Create.
func NewCredentialSession(username, secret string, userID int64, imap, smtp Endpoint, now time.Time, ttl time.Duration) *CredentialSession {
	s := &CredentialSession{
		Username:  username,
		UserID:    userID,
		IMAP:      imap,
		SMTP:      smtp,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		secret:    []byte(secret),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Secret returns the secret for an upstream login. It fails once the
// session has been destroyed.
func (s *CredentialSession) Secret() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == nil {
		return "", ErrSessionDestroyed
	}
	return string(s.secret), nil
}

// Destroy overwrites the secret. Safe to call more than once.
func (s *CredentialSession) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}

// Destroyed reports whether Destroy has been called.
func (s *CredentialSession) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret == nil
}

func (s *CredentialSession) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *CredentialSession) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// expiry returns why the session is no longer valid at now, or "" when it
// still is. idle of zero disables the idle check.
func (s *CredentialSession) expiry(now time.Time, idle time.Duration) string {
	if !now.Before(s.ExpiresAt) {
		return "ttl"
	}
	if idle > 0 && now.Sub(s.LastSeen()) >= idle {
		return "idle"
	}
	return ""
}

func (s *CredentialSession) String() string {
	return fmt.Sprintf("session(user=%s, expires=%s)", s.Username, s.ExpiresAt.Format(time.RFC3339))
}

// Info is the public view of a session.
type Info struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (s *CredentialSession) Info() Info {
	return Info{
		Username:  s.Username,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		LastSeen:  s.LastSeen(),
	}
}

func (s *CredentialSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Info())
}

func (s *CredentialSession) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", s.Username))
}

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

// tokenBytes is the amount of randomness in a session token.
const tokenBytes = 32

// Authenticator checks credentials against the upstream mail server.
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret string) error
}

// UserResolver maps a login name to the cache's user id.
type UserResolver interface {
	EnsureUser(ctx context.Context, email string) (int64, error)
}

type Options struct {
	TTL         time.Duration // absolute session lifetime, defaults to 24h
	IdleTimeout time.Duration // zero disables
	MaxSessions int           // zero means unlimited
	IMAP        Endpoint
	SMTP        Endpoint
	Users       UserResolver // optional
	Now         func() time.Time
}

// Registry maps opaque tokens to credential sessions. Expiry is enforced
// lazily on Resolve; Sweep and StartSweeper reclaim expired entries under the
// same lock.
type Registry struct {
	auth  Authenticator
	users UserResolver
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*CredentialSession

	sweepMu      sync.Mutex
	stopSweep    chan struct{}
	sweepStopped chan struct{}
}

func NewRegistry(auth Authenticator, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		auth:     auth,
		users:    opts.Users,
		opts:     opts,
		now:      now,
		sessions: make(map[string]*CredentialSession),
	}
}

// Create authenticates username against the upstream and, on success,
// stores a new session and returns its token. Upstream rejection is returned
// as the authenticator's error.
func (r *Registry) Create(ctx context.Context, username, secret string) (string, *CredentialSession, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", nil, consts.NewValidationError("username", "must not be empty")
	}
	if secret == "" {
		return "", nil, consts.NewValidationError("password", "must not be empty")
	}

	if r.opts.MaxSessions > 0 && r.Len() >= r.opts.MaxSessions {
		r.Sweep()
		if r.Len() >= r.opts.MaxSessions {
			return "", nil, ErrTooManySessions
		}
	}

	if err := r.auth.Authenticate(ctx, username, secret); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		return "", nil, err
	}
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()

	var userID int64
	if r.users != nil {
		id, err := r.users.EnsureUser(ctx, username)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve cache user: %w", err)
		}
		userID = id
	}

	token, err := newToken()
	if err != nil {
		return "", nil, err
	}
	s := NewCredentialSession(username, secret, userID, r.opts.IMAP, r.opts.SMTP, r.now(), r.opts.TTL)

	r.mu.Lock()
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		s.Destroy()
		return "", nil, ErrTooManySessions
	}
	r.sessions[token] = s
	r.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	logger.InfoContext(ctx, "Session registry: session created", "session", s, "expires_at", s.ExpiresAt)
	return token, s, nil
}

// Resolve returns the session for token. An expired session is removed and
// destroyed before ErrSessionExpired is returned.
func (r *Registry) Resolve(token string) (*CredentialSession, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if reason := s.expiry(now, r.opts.IdleTimeout); reason != "" {
		r.removeLocked(token, s)
		metrics.SessionsExpired.WithLabelValues(reason).Inc()
		logger.Info("Session registry: session expired", "session", s, "reason", reason)
		return nil, ErrSessionExpired
	}
	s.touch(now)
	return s, nil
}

// Revoke removes the session for token. It reports whether a session was
// removed; revoking an unknown token is not an error.
func (r *Registry) Revoke(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return false
	}
	r.removeLocked(token, s)
	metrics.SessionsRevoked.Inc()
	logger.Info("Session registry: session revoked", "session", s)
	return true
}

// Sweep removes every expired session and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, s := range r.sessions {
		if reason := s.expiry(now, r.opts.IdleTimeout); reason != "" {
			r.removeLocked(token, s)
			metrics.SessionsExpired.WithLabelValues(reason).Inc()
			removed++
		}
	}
	if removed > 0 {
		logger.Info("Session registry: sweep removed expired sessions", "removed", removed, "remaining", len(r.sessions))
	}
	return removed
}

// removeLocked deletes and destroys a session. Callers hold r.mu.
func (r *Registry) removeLocked(token string, s *CredentialSession) {
	delete(r.sessions, token)
	s.Destroy()
	metrics.SessionsActive.Dec()
}

// StartSweeper runs Sweep every interval until Stop is called or ctx ends.
// Calling it again while a sweeper runs does nothing.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.stopSweep != nil {
		return
	}
	r.stopSweep = make(chan struct{})
	r.sweepStopped = make(chan struct{})

	go func(stop <-chan struct{}, stopped chan<- struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}(r.stopSweep, r.sweepStopped)
}

// Stop stops the sweeper, if running, and destroys every session.
func (r *Registry) Stop(ctx context.Context) error {
	r.sweepMu.Lock()
	stop, stopped := r.stopSweep, r.sweepStopped
	r.stopSweep, r.sweepStopped = nil, nil
	r.sweepMu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for token, s := range r.sessions {
		r.removeLocked(token, s)
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions lists the public view of every live session, oldest first.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/health"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/workpool"
	"github.com/marcuscabrera/simple-webmail-imap/server/mailsync"
	"github.com/marcuscabrera/simple-webmail-imap/session"
	"github.com/marcuscabrera/simple-webmail-imap/testutils"
)

const (
	testUser     = "alice@example.com"
	testPassword = "secret"
)

// fakeUpstream stands in for the protocol gateway.
type fakeUpstream struct {
	mu       sync.Mutex
	uids     []int
	fetchErr error
	sendErr  error
	sent     []mailsync.SendRequest
	stored   int
}

func (f *fakeUpstream) Authenticate(ctx context.Context, username, secret string) error {
	if username != testUser || secret != testPassword {
		return &gateway.AuthError{Err: errors.New("NO LOGIN failed")}
	}
	return nil
}

func (f *fakeUpstream) ListFolders(ctx context.Context, s *session.CredentialSession) ([]cache.Folder, error) {
	return []cache.Folder{{Name: "INBOX", Delimiter: "/"}, {Name: "Archive/2024", Delimiter: "/"}}, nil
}

func (f *fakeUpstream) FetchHeaders(ctx context.Context, s *session.CredentialSession, folder string, limit int) (*gateway.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if folder == "Missing" {
		return nil, &gateway.GatewayError{Kind: gateway.KindProtocol, Op: "select", Err: consts.ErrFolderNotFound}
	}
	res := &gateway.FetchResult{Folder: folder, UIDValidity: 1, UpstreamIDs: []string{}, Messages: []cache.CachedMessage{}}
	for _, uid := range f.uids {
		res.UpstreamIDs = append(res.UpstreamIDs, strconv.Itoa(uid))
	}
	window := f.uids[max(0, len(f.uids)-limit):]
	for i := len(window) - 1; i >= 0; i-- {
		uid := window[i]
		res.Messages = append(res.Messages, cache.CachedMessage{
			ID:         strconv.Itoa(uid),
			UID:        uint32(uid),
			Subject:    "Message " + strconv.Itoa(uid),
			Sender:     "bob@example.com",
			ReceivedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		})
	}
	return res, nil
}

func (f *fakeUpstream) StoreFlags(ctx context.Context, s *session.CredentialSession, folder, id string, read, starred *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored++
	return nil
}

func (f *fakeUpstream) Send(ctx context.Context, s *session.CredentialSession, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, mailsync.SendRequest{To: to, Subject: subject, Body: body})
	return nil
}

type testEnv struct {
	handler  http.Handler
	upstream *fakeUpstream
	registry *session.Registry
}

func newTestEnv(t *testing.T, opts ServerOptions) *testEnv {
	t.Helper()
	mc := testutils.NewSQLiteCache(t)

	pool := workpool.New(4)
	t.Cleanup(func() { pool.Close(context.Background()) })

	up := &fakeUpstream{uids: []int{10, 11, 12}}
	registry := session.NewRegistry(up, session.Options{TTL: time.Hour, Users: mc})
	t.Cleanup(func() { registry.Stop(context.Background()) })

	svc := mailsync.New(up, mc, pool, mailsync.Options{DefaultLimit: 50, MaxLimit: 100, RefreshInterval: time.Hour})
	srv, err := New(registry, svc, opts)
	require.NoError(t, err)
	return &testEnv{handler: srv.SetupRoutes(), upstream: up, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: testUser, Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLoginAndSession(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/session", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[session.Info](t, rec)
	assert.Equal(t, testUser, info.Username)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: testUser, Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid credentials", resp.Error)
	assert.Equal(t, 0, env.registry.Len())

	rec = env.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: testUser})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, ServerOptions{LoginRateLimit: 0.001, LoginBurst: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: testUser, Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, "POST", "/api/auth/login", "", LoginRequest{Username: testUser, Password: testPassword})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.True(t, decode[errorResponse](t, rec).Retryable)
}

// loginFrom posts a login as if relayed by remote with the given
// X-Forwarded-For header.
func (e *testEnv) loginFrom(t *testing.T, remote, xff, username string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(LoginRequest{Username: username, Password: "wrong"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginRateLimitIgnoresUntrustedForwardedFor(t *testing.T) {
	env := newTestEnv(t, ServerOptions{LoginRateLimit: 0.001, LoginBurst: 1})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		xff := fmt.Sprintf("203.0.113.%d", i+1)
		user := fmt.Sprintf("user%d@example.com", i)
		codes = append(codes, env.loginFrom(t, "198.51.100.7:40000", xff, user).Code)
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized, http.StatusTooManyRequests,
		http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)
}

func TestLoginRateLimitTrustedProxy(t *testing.T) {
	env := newTestEnv(t, ServerOptions{LoginRateLimit: 0.001, LoginBurst: 1, TrustedProxies: []string{"10.0.0.0/8"}})

	// Distinct clients behind the proxy get their own buckets.
	for i := 0; i < 3; i++ {
		xff := fmt.Sprintf("203.0.113.%d", i+1)
		user := fmt.Sprintf("user%d@example.com", i)
		assert.Equal(t, http.StatusUnauthorized, env.loginFrom(t, "10.0.0.5:40000", xff, user).Code)
	}

	// A client cannot dodge its bucket by prepending hops.
	rec := env.loginFrom(t, "10.0.0.5:40000", "192.0.2.99, 203.0.113.1", "other@example.com")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP(t *testing.T) {
	trusted, err := helpers.ParseTrustedNetworks([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	srv := &Server{trustedProxies: trusted}

	cases := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct peer", "198.51.100.7:1000", "", "", "198.51.100.7"},
		{"untrusted forwarded for", "198.51.100.7:1000", "203.0.113.1", "203.0.113.2", "198.51.100.7"},
		{"trusted proxy", "10.0.0.5:1000", "203.0.113.1", "", "203.0.113.1"},
		{"rightmost untrusted hop", "10.0.0.5:1000", "192.0.2.99, 203.0.113.1, 10.0.0.9", "", "203.0.113.1"},
		{"real ip from trusted proxy", "10.0.0.5:1000", "", "203.0.113.3", "203.0.113.3"},
		{"garbage hop", "10.0.0.5:1000", "nonsense", "", "10.0.0.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}
			assert.Equal(t, tc.want, srv.clientIP(req))
		})
	}
}

func TestNewRejectsBadTrustedProxies(t *testing.T) {
	_, err := New(&session.Registry{}, &mailsync.Service{}, ServerOptions{TrustedProxies: []string{"proxy.local"}})
	assert.Error(t, err)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "POST", "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/folders", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Session expired, please log in again", decode[errorResponse](t, rec).Error)

	rec = env.do(t, "POST", "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "logging out twice succeeds")
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, "GET", "/api/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "GET", "/api/messages", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListFolders(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/folders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[FolderListResponse](t, rec)
	assert.Equal(t, []string{"INBOX", "Archive/2024"}, resp.Folders)
	assert.Len(t, resp.Details, 2)

	rec = env.do(t, "GET", "/api/folders?refresh=maybe", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/messages?folder=INBOX&limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[MessageListResponse](t, rec)
	assert.Equal(t, "INBOX", resp.Folder)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "12", resp.Messages[0].ID)
	assert.Equal(t, "11", resp.Messages[1].ID)
	assert.NotNil(t, resp.Failed)

	rec = env.do(t, "GET", "/api/emails/INBOX", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	legacy := decode[LegacyEmailsResponse](t, rec)
	assert.Len(t, legacy.Emails, 3)

	rec = env.do(t, "GET", "/api/messages?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "GET", "/api/messages?limit=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "GET", "/api/messages?folder=INBOX&limit=100000", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "limit")
}

func TestListMessagesErrors(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/messages?folder=Missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.upstream.mu.Lock()
	env.upstream.fetchErr = &gateway.GatewayError{Kind: gateway.KindTimeout, Op: "fetch_headers", Err: context.DeadlineExceeded}
	env.upstream.mu.Unlock()

	rec = env.do(t, "GET", "/api/messages?folder=INBOX", token, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.True(t, decode[errorResponse](t, rec).Retryable)
}

func TestUpdateMessage(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/messages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	read := true
	rec = env.do(t, "PATCH", "/api/messages/INBOX/11", token, UpdateMessageRequest{IsRead: &read, Sync: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.upstream.stored)

	rec = env.do(t, "GET", "/api/messages", token, nil)
	resp := decode[MessageListResponse](t, rec)
	require.Len(t, resp.Messages, 3)
	assert.True(t, resp.Messages[1].IsRead)
	assert.False(t, resp.Messages[0].IsRead)

	rec = env.do(t, "PATCH", "/api/messages/INBOX/99", token, UpdateMessageRequest{IsRead: &read})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "PATCH", "/api/messages/INBOX/11", token, UpdateMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateMessageEncodedFolder(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	rec := env.do(t, "GET", "/api/messages?folder=Archive%2F2024", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	starred := true
	rec = env.do(t, "PATCH", "/api/messages/Archive%2F2024/10", token, UpdateMessageRequest{IsStarred: &starred})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSend(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	token := env.login(t)

	req := mailsync.SendRequest{To: "bob@example.com", Subject: "Hi", Body: "Hello"}
	rec := env.do(t, "POST", "/api/send", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "POST", "/api/emails/send", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.upstream.sent, 2)

	env.upstream.mu.Lock()
	env.upstream.sendErr = &gateway.SendError{Temporary: false, Err: errors.New("550 no such user")}
	env.upstream.mu.Unlock()
	rec = env.do(t, "POST", "/api/send", token, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, decode[errorResponse](t, rec).Retryable)

	env.upstream.mu.Lock()
	env.upstream.sendErr = &gateway.SendError{Temporary: true, Err: errors.New("451 try later")}
	env.upstream.mu.Unlock()
	rec = env.do(t, "POST", "/api/send", token, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[errorResponse](t, rec).Retryable)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, ServerOptions{AllowedOrigins: []string{"https://mail.example.com"}})

	req := httptest.NewRequest("OPTIONS", "/api/messages", nil)
	req.Header.Set("Origin", "https://mail.example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://mail.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/messages", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec := env.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusHealthy, decode[HealthResponse](t, rec).Status)

	hm := health.NewHealthMonitor()
	hm.RegisterCheck(health.PingCheck("database", true, func(context.Context) error { return errors.New("down") }))
	hm.CheckNow(context.Background())
	env = newTestEnv(t, ServerOptions{Health: hm})

	rec = env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, health.StatusUnhealthy, resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "down", resp.Checks[0].Error)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, "GET", "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "GET", "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = env.do(t, "GET", "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = env.do(t, "DELETE", "/api/folders", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = env.do(t, "GET", "/api/send", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = env.do(t, "GET", "/api/messages/INBOX/1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := &Server{}
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		retryable bool
	}{
		{consts.NewValidationError("folder", "empty"), http.StatusBadRequest, false},
		{session.ErrSessionExpired, http.StatusUnauthorized, false},
		{session.ErrSessionDestroyed, http.StatusUnauthorized, false},
		{&gateway.AuthError{Err: errors.New("no")}, http.StatusUnauthorized, false},
		{&gateway.GatewayError{Kind: gateway.KindTimeout}, http.StatusGatewayTimeout, true},
		{&gateway.GatewayError{Kind: gateway.KindTransient}, http.StatusServiceUnavailable, true},
		{&gateway.GatewayError{Kind: gateway.KindProtocol}, http.StatusBadGateway, false},
		{&gateway.SendError{Temporary: true, Err: &gateway.GatewayError{Kind: gateway.KindTransient}}, http.StatusServiceUnavailable, true},
		{consts.ErrMessageNotFound, http.StatusNotFound, false},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		status, _, retryable := classifyError(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
		assert.Equal(t, tc.retryable, retryable, "%v", tc.err)
	}
}

package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/logger"
)

// maxAuthBody bounds login request bodies.
const maxAuthBody = 16 << 10

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

// handleLogin authenticates against the upstream IMAP server and opens a
// credential session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", false)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Username and password are required", false)
		return
	}

	clientIP := s.clientIP(r)
	if ok, wait := s.limiter.allow(clientIP, req.Username); !ok {
		logger.InfoContext(r.Context(), "HTTP API: login rate limited", "username", req.Username, "remote", clientIP)
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(wait.Round(time.Second).Seconds()))))
		s.writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later", true)
		return
	}

	token, sess, err := s.registry.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, LoginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		Username:  sess.Username,
	})
}

// handleLogout revokes the bearer token. Unknown or already revoked tokens
// succeed too.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := bearerToken(r); ok {
		s.registry.Revoke(token)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	s.writeJSON(w, http.StatusOK, sess.Info())
}

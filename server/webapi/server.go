// Package webapi serves the JSON API used by the webmail front end.
package webapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/health"
	"github.com/marcuscabrera/simple-webmail-imap/server/mailsync"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

const serviceName = "webmail"

// Server represents the HTTP API server
type Server struct {
	addr           string
	allowedOrigins []string
	registry       *session.Registry
	mail           *mailsync.Service
	health         *health.HealthMonitor
	limiter        *loginLimiter
	trustedProxies []*net.IPNet
	server         *http.Server
	tls            bool
	tlsCertFile    string
	tlsKeyFile     string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	AllowedOrigins []string
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	// LoginRateLimit is the sustained login rate per client IP and per
	// username, in attempts per second. Zero disables limiting.
	LoginRateLimit float64
	LoginBurst     int
	// TrustedProxies are the CIDRs allowed to set X-Forwarded-For and
	// X-Real-IP.
	TrustedProxies []string
	Health         *health.HealthMonitor
}

// New creates a new HTTP API server
func New(registry *session.Registry, mail *mailsync.Service, options ServerOptions) (*Server, error) {
	if registry == nil || mail == nil {
		return nil, fmt.Errorf("session registry and mail service are required")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	trusted, err := helpers.ParseTrustedNetworks(options.TrustedProxies)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:           options.Addr,
		allowedOrigins: options.AllowedOrigins,
		registry:       registry,
		mail:           mail,
		health:         options.Health,
		limiter:        newLoginLimiter(options.LoginRateLimit, options.LoginBurst),
		trustedProxies: trusted,
		tls:            options.TLS,
		tlsCertFile:    options.TLSCertFile,
		tlsKeyFile:     options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx ends. Failures other than a normal
// shutdown are sent to errChan.
func Start(ctx context.Context, registry *session.Registry, mail *mailsync.Service, options ServerOptions, errChan chan error) {
	server, err := New(registry, mail, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Upstream operations may take up to the gateway's operation
		// timeout.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go s.limiter.run(ctx, time.Minute)

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// SetupRoutes configures all HTTP routes and middleware
func (s *Server) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	// Folder names may contain an encoded "/".
	router.UseEncodedPath()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Routes sit on the root router with full paths. In a PathPrefix
	// subrouter every later route whose prefix matches clears a method
	// mismatch, turning 405 into 404.
	router.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	router.HandleFunc("/api/auth/logout", s.handleLogout).Methods("POST")

	authed := func(h http.HandlerFunc) http.Handler { return s.authMiddleware(h) }
	router.Handle("/api/session", authed(s.handleSession)).Methods("GET")
	router.Handle("/api/folders", authed(s.handleListFolders)).Methods("GET")
	router.Handle("/api/messages", authed(s.handleListMessages)).Methods("GET")
	router.Handle("/api/messages/{folder}/{id}", authed(s.handleUpdateMessage)).Methods("PATCH")
	router.Handle("/api/send", authed(s.handleSend)).Methods("POST")
	router.Handle("/api/emails/send", authed(s.handleSend)).Methods("POST")
	router.Handle("/api/emails/{folder}", authed(s.handleLegacyEmails)).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found", false)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", false)
	})

	// Wrap with middleware (in reverse order - last applied is outermost)
	var handler http.Handler = router
	handler = s.corsMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	s.writeJSON(w, status, errorResponse{Error: message, Retryable: retryable})
}

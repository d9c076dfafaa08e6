// Package gateway talks to the upstream IMAP and SMTP servers on behalf of a
// credential session. Every call opens its own connection, bounded by the
// connect and operation timeouts, and closes it before returning. Nothing is
// retried here; errors are classified so callers can decide.
package gateway

import (
	"fmt"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/config"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/circuitbreaker"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

const (
	protocolIMAP = "imap"
	protocolSMTP = "smtp"
)

// previewRunes is the length of the text preview kept per message.
const previewRunes = 200

type ServerConfig struct {
	Host      string
	Port      int
	TLS       bool
	StartTLS  bool
	TLSVerify bool
}

func (s ServerConfig) Endpoint() session.Endpoint {
	return session.Endpoint{Host: s.Host, Port: s.Port}
}

type Config struct {
	IMAP ServerConfig
	SMTP ServerConfig

	// SentFolder receives a copy of each sent message; empty disables.
	SentFolder string
	HelloName  string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	// PreviewBytes is how much of the body is fetched for previews; zero
	// disables previews.
	PreviewBytes int

	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// ConfigFromSettings builds a gateway Config from the file configuration.
func ConfigFromSettings(up config.UpstreamConfig, gw config.GatewayConfig) (Config, error) {
	connectTimeout, err := gw.GetConnectTimeout()
	if err != nil {
		return Config{}, fmt.Errorf("invalid gateway.connect_timeout: %w", err)
	}
	opTimeout, err := gw.GetOperationTimeout()
	if err != nil {
		return Config{}, fmt.Errorf("invalid gateway.operation_timeout: %w", err)
	}
	breakerTimeout, err := gw.GetCircuitBreakerTimeout()
	if err != nil {
		return Config{}, fmt.Errorf("invalid gateway.circuit_breaker_timeout: %w", err)
	}
	return Config{
		IMAP: ServerConfig{
			Host: up.IMAP.Host, Port: up.IMAP.Port,
			TLS: up.IMAP.TLS, StartTLS: up.IMAP.StartTLS, TLSVerify: up.IMAP.TLSVerify,
		},
		SMTP: ServerConfig{
			Host: up.SMTP.Host, Port: up.SMTP.Port,
			TLS: up.SMTP.TLS, StartTLS: up.SMTP.StartTLS, TLSVerify: up.SMTP.TLSVerify,
		},
		SentFolder:       up.SMTP.SentFolder,
		HelloName:        up.SMTP.HelloName,
		ConnectTimeout:   connectTimeout,
		OperationTimeout: opTimeout,
		PreviewBytes:     gw.PreviewBytes,
		BreakerThreshold: gw.CircuitBreakerThreshold,
		BreakerTimeout:   breakerTimeout,
	}, nil
}

type Gateway struct {
	cfg      Config
	breakers map[string]*circuitbreaker.CircuitBreaker
}

var _ session.Authenticator = (*Gateway)(nil)

func New(cfg Config) *Gateway {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 60 * time.Second
	}
	if cfg.HelloName == "" {
		cfg.HelloName = "localhost"
	}
	return &Gateway{
		cfg: cfg,
		breakers: map[string]*circuitbreaker.CircuitBreaker{
			protocolIMAP: newBreaker(protocolIMAP, cfg.BreakerThreshold, cfg.BreakerTimeout),
			protocolSMTP: newBreaker(protocolSMTP, cfg.BreakerThreshold, cfg.BreakerTimeout),
		},
	}
}

// Breaker returns the circuit breaker of protocol ("imap" or "smtp"), for
// health reporting.
func (g *Gateway) Breaker(protocol string) *circuitbreaker.CircuitBreaker {
	return g.breakers[protocol]
}

// observe records an operation's outcome and duration.
func observe(protocol, op string, start time.Time, err error) {
	metrics.GatewayOperations.WithLabelValues(protocol, op, resultLabel(err)).Inc()
	metrics.GatewayDuration.WithLabelValues(protocol, op).Observe(time.Since(start).Seconds())
}

// endpointOf picks the session's endpoint, falling back to the configured
// server when the session carries none.
func endpointOf(ep session.Endpoint, srv ServerConfig) string {
	if ep.Host == "" {
		ep = srv.Endpoint()
	}
	return ep.Addr()
}

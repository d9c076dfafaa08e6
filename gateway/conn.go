package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/circuitbreaker"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

// logoutTimeout bounds the polite goodbye on an otherwise finished
// connection.
const logoutTimeout = 2 * time.Second

// trackedConn remembers the first I/O error so that a timeout can be told
// apart from a protocol error after the client library has wrapped it.
//
// It also caps every deadline at limit. The IMAP and SMTP clients set their
// own per-command deadlines (and clear them when idle); those are clamped so
// the connect and operation timeouts always hold.
type trackedConn struct {
	net.Conn

	mu    sync.Mutex
	err   error
	limit time.Time
}

// setLimit moves the hard deadline to t and applies it to the socket.
func (c *trackedConn) setLimit(t time.Time) {
	c.mu.Lock()
	c.limit = t
	c.mu.Unlock()
	c.Conn.SetDeadline(t)
}

func (c *trackedConn) clamp(t time.Time) time.Time {
	c.mu.Lock()
	limit := c.limit
	c.mu.Unlock()
	if limit.IsZero() {
		return t
	}
	if t.IsZero() || t.After(limit) {
		return limit
	}
	return t
}

func (c *trackedConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.clamp(t))
}

func (c *trackedConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.clamp(t))
}

func (c *trackedConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.clamp(t))
}

func (c *trackedConn) record(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.record(err)
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.record(err)
	return n, err
}

func (c *trackedConn) timedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil && isTimeout(c.err)
}

// upstream is one short-lived connection owned by a single gateway call.
type upstream struct {
	conn      *trackedConn
	stopWatch func() bool
	closeOnce sync.Once
}

// release detaches the cancellation watch and closes the socket. Safe to
// call more than once.
func (u *upstream) release() {
	u.closeOnce.Do(func() {
		u.stopWatch()
		u.conn.Close()
	})
}

// extendDeadline replaces the connect deadline with the operation deadline,
// never later than the caller's own deadline.
func (u *upstream) extendDeadline(ctx context.Context, d time.Duration) {
	u.conn.setLimit(deadline(ctx, d))
}

// finish gives the connection logoutTimeout for a closing command.
func (u *upstream) finish() {
	u.conn.setLimit(time.Now().Add(logoutTimeout))
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	dl := time.Now().Add(d)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		dl = ctxDL
	}
	return dl
}

// tlsMode says how a connection is secured.
type tlsMode int

const (
	tlsNone tlsMode = iota
	tlsImplicit
	tlsStartTLS
)

func (s ServerConfig) mode() tlsMode {
	switch {
	case s.TLS:
		return tlsImplicit
	case s.StartTLS:
		return tlsStartTLS
	default:
		return tlsNone
	}
}

func (s ServerConfig) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.TLSVerify,
	}
}

// dial connects to addr within the connect timeout. For implicit TLS the
// handshake is part of the dial. Cancelling ctx closes the connection.
func (g *Gateway) dial(ctx context.Context, addr string, srv ServerConfig) (*upstream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()

	d := net.Dialer{Timeout: g.cfg.ConnectTimeout}
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	var conn net.Conn = raw
	if srv.mode() == tlsImplicit {
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.Client(raw, srv.tlsConfig(host))
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}

	tc := &trackedConn{Conn: conn}
	tc.setLimit(deadline(ctx, g.cfg.ConnectTimeout))

	return &upstream{
		conn:      tc,
		stopWatch: context.AfterFunc(ctx, func() { tc.Close() }),
	}, nil
}

// connect runs dial plus the protocol greeting through the breaker for
// protocol, so that a down upstream fails fast.
func (g *Gateway) connect(ctx context.Context, protocol string, greet func() error) error {
	cb := g.breakers[protocol]
	err := cb.Do(greet)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.WarnContext(ctx, "Gateway: circuit breaker rejected connection", "protocol", protocol, "state", cb.State())
	}
	return err
}

func newBreaker(protocol string, threshold int, timeout time.Duration) *circuitbreaker.CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        protocol,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(uint32(threshold)),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Gateway: circuit breaker changed state", "protocol", name, "from", from, "to", to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			// Only failures to reach the upstream count against it.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

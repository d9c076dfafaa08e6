package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"github.com/marcuscabrera/simple-webmail-imap/session"
)

const (
	testUser     = "alice@example.com"
	testPassword = "correct horse"
)

// testIMAP is an in-memory IMAP server with one user.
type testIMAP struct {
	addr string
	user *imapmemserver.User
}

func startIMAPServer(t *testing.T, folders ...string) *testIMAP {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	for _, f := range folders {
		require.NoError(t, user.Create(f, nil))
	}
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testIMAP{addr: ln.Addr().String(), user: user}
}

// appendMessage stores a simple text message and returns nothing; UIDs are
// assigned in append order starting at 1.
func (s *testIMAP) appendMessage(t *testing.T, folder string, n int, flags ...imap.Flag) {
	t.Helper()
	raw := fmt.Sprintf("From: Bob <bob@example.com>\r\n"+
		"To: %s\r\n"+
		"Subject: Message %d\r\n"+
		"Date: Mon, %02d Jan 2024 10:00:00 +0000\r\n"+
		"Message-ID: <msg-%d@example.com>\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Body of message %d\r\n", testUser, n, n, n, n)
	_, err := s.user.Append(folder, bytes.NewReader([]byte(raw)), &imap.AppendOptions{
		Flags: flags,
		Time:  time.Date(2024, 1, n, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

// expunge deletes a message through a regular client connection.
func (s *testIMAP) expunge(t *testing.T, folder string, uid imap.UID) {
	t.Helper()
	conn, err := net.Dial("tcp", s.addr)
	require.NoError(t, err)
	c := imapclient.New(conn, nil)
	defer c.Close()

	require.NoError(t, c.Login(testUser, testPassword).Wait())
	_, err = c.Select(folder, nil).Wait()
	require.NoError(t, err)
	require.NoError(t, c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Close())
	require.NoError(t, c.Expunge().Close())
	require.NoError(t, c.Logout().Wait())
}

// silentListener accepts connections and never writes to them.
func silentListener(t *testing.T) string {
	t.Helper()
	return stallingListener(t, "")
}

// stallingListener accepts connections, writes greeting and then stays
// silent.
func stallingListener(t *testing.T, greeting string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if greeting != "" {
				_, _ = c.Write([]byte(greeting))
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func endpoint(t *testing.T, addr string) ServerConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)
	return ServerConfig{Host: host, Port: p}
}

func newTestGateway(t *testing.T, imapAddr, smtpAddr string) *Gateway {
	t.Helper()
	cfg := Config{
		ConnectTimeout:   2 * time.Second,
		OperationTimeout: 5 * time.Second,
		PreviewBytes:     512,
		BreakerThreshold: 5,
		BreakerTimeout:   time.Minute,
	}
	if imapAddr != "" {
		cfg.IMAP = endpoint(t, imapAddr)
	}
	if smtpAddr != "" {
		cfg.SMTP = endpoint(t, smtpAddr)
	}
	return New(cfg)
}

func newTestSession(g *Gateway, password string) *session.CredentialSession {
	return session.NewCredentialSession(testUser, password, 1,
		g.cfg.IMAP.Endpoint(), g.cfg.SMTP.Endpoint(), time.Now(), time.Hour)
}

// testSMTP records messages submitted by authenticated clients. Recipients
// with local part "reject" get a 550, "busy" a 451.
type testSMTP struct {
	mu       sync.Mutex
	messages []receivedMail
}

type receivedMail struct {
	From string
	To   []string
	Data []byte
}

func (b *testSMTP) received() []receivedMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMail(nil), b.messages...)
}

func (b *testSMTP) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &testSMTPSession{backend: b}, nil
}

type testSMTPSession struct {
	backend *testSMTP
	authed  bool
	from    string
	to      []string
}

func (s *testSMTPSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSMTPSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != testUser || password != testPassword {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *testSMTPSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *testSMTPSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "reject@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	case strings.HasPrefix(to, "busy@"):
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Try again later"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSMTPSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(s.to) == 0 {
		return errors.New("no recipients")
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, receivedMail{From: s.from, To: s.to, Data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSMTPSession) Logout() error {
	return nil
}

func startSMTPServer(t *testing.T) (string, *testSMTP) {
	t.Helper()
	backend := &testSMTP{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String(), backend
}

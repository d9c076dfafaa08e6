package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

// maxSubjectLength bounds the subject of outgoing mail.
const maxSubjectLength = 998

// Send submits a plain text message from the session's user to the
// comma-separated recipients in to. Failures are *SendError, or a
// *consts.ValidationError for bad input.
func (g *Gateway) Send(ctx context.Context, s *session.CredentialSession, to, subject, body string) (err error) {
	start := time.Now()
	defer func() { observe(protocolSMTP, "send", start, err) }()

	recipients, err := helpers.ParseRecipients(to)
	if err != nil {
		return err
	}
	if strings.ContainsAny(subject, "\r\n") {
		return consts.NewValidationError("subject", "must be a single line")
	}
	if len(subject) > maxSubjectLength {
		return consts.NewValidationError("subject", "too long")
	}

	from, err := mail.ParseAddress(s.Username)
	if err != nil {
		from = &mail.Address{Address: s.Username}
	}

	var msg bytes.Buffer
	if err := helpers.BuildMessage(&msg, from, recipients, subject, body, time.Now(), newMessageID(from.Address)); err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	password, err := s.Secret()
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := g.submit(ctx, endpointOf(s.SMTP, g.cfg.SMTP), s.Username, password, from.Address, recipients, msg.Bytes()); err != nil {
		return err
	}
	logger.InfoContext(ctx, "Gateway: message sent", "username", s.Username, "recipients", len(recipients), "size", msg.Len())

	if g.cfg.SentFolder != "" {
		if err := g.appendSent(ctx, s, msg.Bytes()); err != nil {
			logger.WarnContext(ctx, "Gateway: failed to store copy in sent folder", "folder", g.cfg.SentFolder, "error", err)
		}
	}
	return nil
}

// newMessageID returns a Message-ID in the sender's domain.
func newMessageID(sender string) string {
	domain := "localhost"
	if _, d, err := helpers.SplitEmailAddress(sender); err == nil {
		domain = d
	}
	return uuid.NewString() + "@" + domain
}

// submit runs one SMTP transaction on a transient connection.
func (g *Gateway) submit(ctx context.Context, addr, username, password, from string, to []*mail.Address, raw []byte) error {
	var (
		up *upstream
		c  *smtp.Client
		tc *trackedConn
	)
	host, _, _ := net.SplitHostPort(addr)

	err := g.connect(ctx, protocolSMTP, func() error {
		u, err := g.dial(ctx, addr, g.cfg.SMTP)
		if err != nil {
			return err
		}
		tc = u.conn

		var cl *smtp.Client
		if g.cfg.SMTP.mode() == tlsStartTLS {
			cl, err = smtp.NewClientStartTLS(u.conn, g.cfg.SMTP.tlsConfig(host))
			if err != nil {
				u.release()
				return fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
			}
		} else {
			cl = smtp.NewClient(u.conn)
		}
		if err := cl.Hello(g.cfg.HelloName); err != nil {
			cl.Close()
			u.release()
			return fmt.Errorf("no greeting from %s: %w", addr, err)
		}
		up, c = u, cl
		return nil
	})
	if err != nil {
		return sendError(ctx, "connect", tc, err)
	}
	defer up.release()
	defer c.Close()

	up.extendDeadline(ctx, g.cfg.OperationTimeout)

	if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && !smtpErr.Temporary() {
			return &SendError{Temporary: false, Err: &AuthError{Err: err}}
		}
		return sendError(ctx, "auth", up.conn, err)
	}
	if err := c.Mail(from, nil); err != nil {
		return sendError(ctx, "mail from", up.conn, err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt.Address, nil); err != nil {
			return sendError(ctx, "rcpt to "+rcpt.Address, up.conn, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return sendError(ctx, "data", up.conn, err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return sendError(ctx, "write message", up.conn, err)
	}
	if err := wc.Close(); err != nil {
		return sendError(ctx, "end data", up.conn, err)
	}

	// The message is accepted at this point; a failed QUIT does not change
	// that.
	up.finish()
	if err := c.Quit(); err != nil {
		logger.WarnContext(ctx, "Gateway: failed to send QUIT", "error", err)
	}
	return nil
}

// sendError wraps an SMTP transaction failure. Reply codes decide
// permanence; connection problems are temporary.
func sendError(ctx context.Context, step string, tc *trackedConn, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && ctx.Err() == nil {
		return &SendError{Temporary: smtpErr.Temporary(), Err: fmt.Errorf("%s: %w", step, err)}
	}
	gerr := classify(ctx, step, tc, err)
	return &SendError{Temporary: IsRetryable(gerr), Err: gerr}
}

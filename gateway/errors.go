package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/circuitbreaker"
)

// ErrorKind classifies an upstream failure for the caller.
type ErrorKind int

const (
	// KindTimeout: the upstream did not answer within the connect or
	// operation deadline.
	KindTimeout ErrorKind = iota + 1
	// KindTransient: the connection failed or was dropped, or the circuit
	// breaker is open. Trying again later may succeed.
	KindTransient
	// KindProtocol: the upstream answered with an error or with something
	// that could not be understood.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// GatewayError is an upstream failure other than rejected credentials.
type GatewayError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// AuthError means the upstream rejected the credentials. It does not say
// whether the user or the password was wrong.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// SendError is a failed submission. Temporary is true for 4xx replies and
// for connection problems, false for 5xx replies.
type SendError struct {
	Temporary bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Temporary {
		return fmt.Sprintf("temporary send failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent send failure: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a gateway failure worth retrying.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable()
}

// classify turns any error of an upstream call into one of the gateway's
// error types. tc may be nil when no connection was made.
func classify(ctx context.Context, op string, tc *trackedConn, err error) error {
	if err == nil {
		return nil
	}

	var ge *GatewayError
	var ae *AuthError
	var se *SendError
	if errors.As(err, &ge) || errors.As(err, &ae) || errors.As(err, &se) || consts.IsValidationError(err) {
		return err
	}

	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &GatewayError{Kind: KindTimeout, Op: op, Err: fmt.Errorf("%w: %v", context.DeadlineExceeded, err)}
	case context.Canceled:
		return &GatewayError{Kind: KindTransient, Op: op, Err: fmt.Errorf("%w: %v", context.Canceled, err)}
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return &GatewayError{Kind: KindTransient, Op: op, Err: err}
	}
	if isTimeout(err) || (tc != nil && tc.timedOut()) {
		return &GatewayError{Kind: KindTimeout, Op: op, Err: err}
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		if imapErr.Code == imap.ResponseCodeNonExistent {
			return &GatewayError{Kind: KindProtocol, Op: op, Err: fmt.Errorf("%w: %w", consts.ErrFolderNotFound, imapErr)}
		}
		return &GatewayError{Kind: KindProtocol, Op: op, Err: err}
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &GatewayError{Kind: KindProtocol, Op: op, Err: err}
	}

	return &GatewayError{Kind: KindTransient, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// resultLabel is the metrics label of an operation outcome.
func resultLabel(err error) string {
	var ge *GatewayError
	var ae *AuthError
	var se *SendError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ae):
		return "auth_failed"
	case errors.As(err, &se):
		if se.Temporary {
			return "send_temporary"
		}
		return "send_permanent"
	case errors.As(err, &ge):
		return ge.Kind.String()
	default:
		return "error"
	}
}

package webapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/workpool"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

const (
	msgInvalidCredentials = "Invalid credentials"
	msgSessionExpired     = "Session expired, please log in again"
)

// writeServiceError maps an error from the session, sync or gateway layers
// to a status code and a message safe to show the user.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message, retryable := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.WarnContext(r.Context(), "HTTP API: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeError(w, status, message, retryable)
}

func classifyError(err error) (status int, message string, retryable bool) {
	var ve *consts.ValidationError
	var se *gateway.SendError
	var ae *gateway.AuthError
	var ge *gateway.GatewayError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error(), false
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrSessionDestroyed):
		return http.StatusUnauthorized, msgSessionExpired, false
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "Too many active sessions, try again later", true
	case errors.As(err, &se):
		if se.Temporary {
			return http.StatusServiceUnavailable, "The mail server could not accept the message right now, try again later", true
		}
		return http.StatusBadGateway, "The mail server rejected the message", false
	case errors.As(err, &ae):
		return http.StatusUnauthorized, msgInvalidCredentials, false
	case errors.Is(err, consts.ErrFolderNotFound):
		return http.StatusNotFound, "Folder not found", false
	case errors.Is(err, consts.ErrMessageNotFound):
		return http.StatusNotFound, "Message not found", false
	case errors.As(err, &ge):
		switch ge.Kind {
		case gateway.KindTimeout:
			return http.StatusGatewayTimeout, "The mail server did not respond in time", true
		case gateway.KindTransient:
			return http.StatusServiceUnavailable, "The mail server is unavailable, try again later", true
		default:
			return http.StatusBadGateway, "The mail server returned an error", false
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "The request timed out", true
	case errors.Is(err, context.Canceled), errors.Is(err, workpool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "The request was interrupted, try again", true
	default:
		return http.StatusInternalServerError, "Internal server error", false
	}
}

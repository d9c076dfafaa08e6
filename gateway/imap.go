package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

// imapConn is a logged-in IMAP client on its own connection.
type imapConn struct {
	up *upstream
	c  *imapclient.Client
}

// close logs out within logoutTimeout and releases the connection.
func (ic *imapConn) close(ctx context.Context) {
	ic.up.finish()
	if err := ic.c.Logout().Wait(); err != nil {
		logger.DebugContext(ctx, "Gateway: IMAP logout failed", "error", err)
	}
	ic.c.Close()
	ic.up.release()
}

// openIMAP connects to addr and logs in. On any error the connection is
// already released.
func (g *Gateway) openIMAP(ctx context.Context, addr, username, password string) (*imapConn, error) {
	var (
		up *upstream
		c  *imapclient.Client
		tc *trackedConn
	)
	host, _, _ := net.SplitHostPort(addr)

	err := g.connect(ctx, protocolIMAP, func() error {
		u, err := g.dial(ctx, addr, g.cfg.IMAP)
		if err != nil {
			return err
		}
		tc = u.conn

		opts := &imapclient.Options{TLSConfig: g.cfg.IMAP.tlsConfig(host)}
		var cl *imapclient.Client
		if g.cfg.IMAP.mode() == tlsStartTLS {
			cl, err = imapclient.NewStartTLS(u.conn, opts)
			if err != nil {
				u.release()
				return fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
			}
		} else {
			cl = imapclient.New(u.conn, opts)
			if err := cl.WaitGreeting(); err != nil {
				cl.Close()
				u.release()
				return fmt.Errorf("no greeting from %s: %w", addr, err)
			}
		}
		up, c = u, cl
		return nil
	})
	if err != nil {
		return nil, classify(ctx, "connect", tc, err)
	}

	up.extendDeadline(ctx, g.cfg.OperationTimeout)

	if err := c.Login(username, password).Wait(); err != nil {
		c.Close()
		up.release()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
			return nil, &AuthError{Err: err}
		}
		return nil, classify(ctx, "login", up.conn, err)
	}
	return &imapConn{up: up, c: c}, nil
}

// withIMAP runs fn on a fresh logged-in connection for the session and
// classifies whatever fn returns.
func (g *Gateway) withIMAP(ctx context.Context, op string, s *session.CredentialSession, fn func(*imapclient.Client) error) (err error) {
	start := time.Now()
	defer func() { observe(protocolIMAP, op, start, err) }()

	password, err := s.Secret()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ic, err := g.openIMAP(ctx, endpointOf(s.IMAP, g.cfg.IMAP), s.Username, password)
	if err != nil {
		return err
	}
	defer ic.close(ctx)

	if err := fn(ic.c); err != nil {
		return classify(ctx, op, ic.up.conn, err)
	}
	return nil
}

// Authenticate checks username and secret with a LOGIN on a transient
// connection. Rejected credentials give an *AuthError.
func (g *Gateway) Authenticate(ctx context.Context, username, secret string) (err error) {
	start := time.Now()
	defer func() { observe(protocolIMAP, "authenticate", start, err) }()

	ic, err := g.openIMAP(ctx, g.cfg.IMAP.Endpoint().Addr(), username, secret)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			logger.InfoContext(ctx, "Gateway: upstream rejected login", "username", username)
		}
		return err
	}
	ic.close(ctx)
	return nil
}

// ListFolders returns the user's folders in upstream order. Message counts
// are filled in when the server supports LIST-STATUS.
func (g *Gateway) ListFolders(ctx context.Context, s *session.CredentialSession) ([]cache.Folder, error) {
	var folders []cache.Folder
	err := g.withIMAP(ctx, "list_folders", s, func(c *imapclient.Client) error {
		opts := &imap.ListOptions{}
		if c.Caps().Has(imap.CapListStatus) {
			opts.ReturnStatus = &imap.StatusOptions{NumMessages: true, NumUnseen: true}
		}
		list, err := c.List("", "*", opts).Collect()
		if err != nil {
			return err
		}

		folders = make([]cache.Folder, 0, len(list))
		for _, l := range list {
			f := cache.Folder{Name: l.Mailbox}
			if l.Delim != 0 {
				f.Delimiter = string(l.Delim)
			}
			for _, attr := range l.Attrs {
				f.Attributes = append(f.Attributes, string(attr))
			}
			if l.Status != nil {
				f.MessageCount = l.Status.NumMessages
				f.UnseenCount = l.Status.NumUnseen
			}
			folders = append(folders, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// FetchFailure is a message that could not be fetched or parsed.
type FetchFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type FetchResult struct {
	Folder      string
	UIDValidity uint32
	// UpstreamIDs holds every message id in the folder at fetch time, in
	// ascending order. It is nil when the folder was never selected.
	UpstreamIDs []string
	// Messages are newest first.
	Messages []cache.CachedMessage
	Failures []FetchFailure
}

// FetchHeaders fetches the headers of the newest limit messages of folder.
// Each message is a separate FETCH; a message that fails is reported in
// Failures and the batch goes on. If the connection itself fails, the
// messages fetched so far are returned together with the error.
func (g *Gateway) FetchHeaders(ctx context.Context, s *session.CredentialSession, folder string, limit int) (*FetchResult, error) {
	if err := helpers.ValidateFolderName(folder); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, consts.NewValidationError("limit", "must not be negative")
	}
	result := &FetchResult{Folder: folder, Messages: []cache.CachedMessage{}}
	if limit == 0 {
		return result, nil
	}

	err := g.withIMAP(ctx, "fetch_headers", s, func(c *imapclient.Client) error {
		sel, err := c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			var imapErr *imap.Error
			if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
				return &GatewayError{Kind: KindProtocol, Op: "select", Err: fmt.Errorf("%w: %s: %w", consts.ErrFolderNotFound, folder, imapErr)}
			}
			return err
		}
		result.UIDValidity = sel.UIDValidity
		result.UpstreamIDs = []string{}
		if sel.NumMessages == 0 {
			return nil
		}

		data, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return err
		}
		uids := data.AllUIDs()
		slices.Sort(uids)
		for _, uid := range uids {
			result.UpstreamIDs = append(result.UpstreamIDs, formatUID(uid))
		}

		window := uids[max(0, len(uids)-limit):]
		for i := len(window) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				return err
			}
			msg, failure, err := g.fetchOne(c, s.UserID, folder, window[i])
			if err != nil {
				return err
			}
			if failure != nil {
				metrics.GatewayFetchFailures.Inc()
				logger.DebugContext(ctx, "Gateway: message fetch failed", "folder", folder, "id", failure.ID, "reason", failure.Reason)
				result.Failures = append(result.Failures, *failure)
				continue
			}
			result.Messages = append(result.Messages, *msg)
		}
		return nil
	})
	return result, err
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// ParseID converts a message id back to its upstream UID.
func ParseID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, consts.NewValidationError("id", fmt.Sprintf("invalid message id %q", id))
	}
	return imap.UID(n), nil
}

// fetchOne fetches a single message. A failure confined to this message is
// returned as a FetchFailure; an error means the connection is unusable.
func (g *Gateway) fetchOne(c *imapclient.Client, userID int64, folder string, uid imap.UID) (*cache.CachedMessage, *FetchFailure, error) {
	id := formatUID(uid)
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		},
	}
	if g.cfg.PreviewBytes > 0 {
		opts.BodySection = append(opts.BodySection, &imap.FetchItemBodySection{
			Specifier: imap.PartSpecifierText,
			Peek:      true,
			Partial:   &imap.SectionPartial{Offset: 0, Size: int64(g.cfg.PreviewBytes)},
		})
	}

	bufs, err := c.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &FetchFailure{ID: id, Reason: imapErr.Text}, nil
		}
		return nil, nil, err
	}

	var buf *imapclient.FetchMessageBuffer
	for _, b := range bufs {
		if b.UID == uid || (b.UID == 0 && len(bufs) == 1) {
			buf = b
			break
		}
	}
	if buf == nil {
		return nil, &FetchFailure{ID: id, Reason: "message no longer exists"}, nil
	}

	var header, text []byte
	for _, sec := range buf.BodySection {
		if sec.Section == nil {
			continue
		}
		switch sec.Section.Specifier {
		case imap.PartSpecifierHeader:
			header = sec.Bytes
		case imap.PartSpecifierText:
			text = sec.Bytes
		}
	}
	if len(bytes.TrimSpace(header)) == 0 {
		return nil, &FetchFailure{ID: id, Reason: "empty header"}, nil
	}

	h, err := helpers.ParseMessageHeaders(header)
	if err != nil {
		return nil, &FetchFailure{ID: id, Reason: err.Error()}, nil
	}

	received := h.Date
	if received.IsZero() {
		received = buf.InternalDate.UTC()
	}

	msg := &cache.CachedMessage{
		UserID:     userID,
		Folder:     folder,
		ID:         id,
		UID:        uint32(uid),
		MessageID:  h.MessageID,
		Subject:    h.Subject,
		Sender:     h.From,
		Recipient:  h.To,
		ReceivedAt: received,
		IsRead:     slices.Contains(buf.Flags, imap.FlagSeen),
		IsStarred:  slices.Contains(buf.Flags, imap.FlagFlagged),
	}
	if len(text) > 0 {
		msg.Preview = helpers.ExtractPreview(header, text, previewRunes)
	}
	return msg, nil, nil
}

// StoreFlags pushes the read and starred state of one message upstream. A
// nil value leaves that flag alone.
func (g *Gateway) StoreFlags(ctx context.Context, s *session.CredentialSession, folder, id string, read, starred *bool) error {
	if err := helpers.ValidateFolderName(folder); err != nil {
		return err
	}
	uid, err := ParseID(id)
	if err != nil {
		return err
	}
	if read == nil && starred == nil {
		return nil
	}

	return g.withIMAP(ctx, "store_flags", s, func(c *imapclient.Client) error {
		if _, err := c.Select(folder, nil).Wait(); err != nil {
			var imapErr *imap.Error
			if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
				return &GatewayError{Kind: KindProtocol, Op: "select", Err: fmt.Errorf("%w: %s: %w", consts.ErrFolderNotFound, folder, imapErr)}
			}
			return err
		}

		var add, del []imap.Flag
		for _, f := range []struct {
			value *bool
			flag  imap.Flag
		}{{read, imap.FlagSeen}, {starred, imap.FlagFlagged}} {
			switch {
			case f.value == nil:
			case *f.value:
				add = append(add, f.flag)
			default:
				del = append(del, f.flag)
			}
		}

		set := imap.UIDSetNum(uid)
		if len(add) > 0 {
			if err := c.Store(set, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: add}, nil).Close(); err != nil {
				return err
			}
		}
		if len(del) > 0 {
			if err := c.Store(set, &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: del}, nil).Close(); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendSent stores a copy of a sent message in the configured Sent folder.
func (g *Gateway) appendSent(ctx context.Context, s *session.CredentialSession, raw []byte) error {
	return g.withIMAP(ctx, "append_sent", s, func(c *imapclient.Client) error {
		cmd := c.Append(g.cfg.SentFolder, int64(len(raw)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagSeen},
			Time:  time.Now(),
		})
		if _, err := cmd.Write(raw); err != nil {
			cmd.Close()
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		_, err := cmd.Wait()
		return err
	})
}

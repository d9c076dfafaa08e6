// Package mailsync keeps the message cache in step with the upstream
// mailbox. It runs gateway calls on the shared work pool, coalesces
// identical folder syncs and decides when the cache is fresh enough to be
// served without going upstream.
package mailsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/workpool"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

// Gateway is the part of the protocol gateway the service needs.
type Gateway interface {
	ListFolders(ctx context.Context, s *session.CredentialSession) ([]cache.Folder, error)
	FetchHeaders(ctx context.Context, s *session.CredentialSession, folder string, limit int) (*gateway.FetchResult, error)
	StoreFlags(ctx context.Context, s *session.CredentialSession, folder, id string, read, starred *bool) error
	Send(ctx context.Context, s *session.CredentialSession, to, subject, body string) error
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	// RefreshInterval is how long a synced folder is served from the cache
	// alone.
	RefreshInterval time.Duration
	// SyncTimeout bounds a shared folder sync, which outlives any single
	// caller's request.
	SyncTimeout time.Duration
}

type Service struct {
	gw    Gateway
	cache *cache.MessageCache
	pool  *workpool.Pool
	opts  Options
	group singleflight.Group
}

func New(gw Gateway, mc *cache.MessageCache, pool *workpool.Pool, opts Options) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 500
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Minute
	}
	return &Service{gw: gw, cache: mc, pool: pool, opts: opts}
}

func (s *Service) Cache() *cache.MessageCache {
	return s.cache
}

// SyncResult describes one folder sync.
type SyncResult struct {
	Folder   string
	Fetched  int
	Removed  int
	Reset    bool
	Failures []gateway.FetchFailure
}

// Limit applies the default to a client supplied limit. Zero means the
// default; negative values and values above the maximum are rejected.
func (s *Service) Limit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, consts.NewValidationError("limit", "must not be negative")
	case limit == 0:
		return s.opts.DefaultLimit, nil
	case limit > s.opts.MaxLimit:
		return 0, consts.NewValidationError("limit", fmt.Sprintf("must not exceed %d", s.opts.MaxLimit))
	}
	return limit, nil
}

// SyncFolder fetches the newest limit messages of folder and merges them
// into the cache. A changed UIDVALIDITY drops the cached folder first.
// Messages that no longer exist upstream are removed from the cache. Syncs
// of the same user, folder and limit already in flight are joined rather
// than repeated. The shared sync runs to completion even when the caller
// that started it goes away.
func (s *Service) SyncFolder(ctx context.Context, sess *session.CredentialSession, folder string, limit int) (*SyncResult, error) {
	folder = helpers.NormalizeFolderName(folder)
	if err := helpers.ValidateFolderName(folder); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, consts.NewValidationError("limit", "must not be negative")
	}
	if limit > s.opts.MaxLimit {
		return nil, consts.NewValidationError("limit", fmt.Sprintf("must not exceed %d", s.opts.MaxLimit))
	}

	key := strconv.FormatInt(sess.UserID, 10) + "\x00" + folder + "\x00" + strconv.Itoa(limit)
	ch := s.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SyncTimeout)
		defer cancel()
		return s.syncFolder(flightCtx, sess, folder, limit)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.SyncsCoalesced.Inc()
		}
		if res.Err != nil {
			if r, ok := res.Val.(*SyncResult); ok && r != nil {
				return r, res.Err
			}
			return nil, res.Err
		}
		return res.Val.(*SyncResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) syncFolder(ctx context.Context, sess *session.CredentialSession, folder string, limit int) (*SyncResult, error) {
	start := time.Now()
	fetched, fetchErr := workpool.Run(ctx, s.pool, func(ctx context.Context) (*gateway.FetchResult, error) {
		return s.gw.FetchHeaders(ctx, sess, folder, limit)
	})
	if fetched == nil {
		return nil, fetchErr
	}

	result := &SyncResult{Folder: folder, Failures: fetched.Failures}

	if fetched.UpstreamIDs != nil {
		prev, err := s.cache.FolderState(ctx, sess.UserID, folder)
		if err != nil {
			return nil, fmt.Errorf("failed to read sync state of %s: %w", folder, err)
		}
		if prev != nil && prev.UIDValidity != fetched.UIDValidity {
			logger.InfoContext(ctx, "Mail sync: UIDVALIDITY changed, dropping cached folder",
				"user_id", sess.UserID, "folder", folder, "old", prev.UIDValidity, "new", fetched.UIDValidity)
			if _, err := s.cache.ResetFolder(ctx, sess.UserID, folder); err != nil {
				return nil, err
			}
			result.Reset = true
		}
	}

	if err := s.cache.Upsert(ctx, sess.UserID, folder, fetched.Messages); err != nil {
		return nil, err
	}
	result.Fetched = len(fetched.Messages)

	// A failed fetch still leaves the messages it got in the cache, but the
	// folder is not marked as synced.
	if fetchErr != nil {
		return result, fetchErr
	}
	if fetched.UpstreamIDs == nil {
		return result, nil
	}

	removed, err := s.cache.Reconcile(ctx, sess.UserID, folder, fetched.UpstreamIDs)
	if err != nil {
		return result, err
	}
	result.Removed = removed

	if err := s.cache.SetFolderState(ctx, cache.FolderState{
		UserID:      sess.UserID,
		Folder:      folder,
		UIDValidity: fetched.UIDValidity,
	}); err != nil {
		return result, fmt.Errorf("failed to record sync state of %s: %w", folder, err)
	}

	logger.DebugContext(ctx, "Mail sync: folder synced", "user_id", sess.UserID, "folder", folder,
		"fetched", result.Fetched, "removed", removed, "failed", len(result.Failures), "duration", time.Since(start))
	return result, nil
}

// Folders returns the user's folders, from the cache while it is fresh and
// from upstream when it is stale or refresh is set.
func (s *Service) Folders(ctx context.Context, sess *session.CredentialSession, refresh bool) ([]cache.Folder, error) {
	if !refresh {
		cached, err := s.cache.ListFolders(ctx, sess.UserID)
		if err != nil {
			logger.WarnContext(ctx, "Mail sync: failed to read cached folders", "user_id", sess.UserID, "error", err)
		} else if !s.cache.FoldersStale(cached, s.opts.RefreshInterval) {
			return cached, nil
		}
	}

	folders, err := workpool.Run(ctx, s.pool, func(ctx context.Context) ([]cache.Folder, error) {
		return s.gw.ListFolders(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if err := s.cache.ReplaceFolders(ctx, sess.UserID, folders); err != nil {
		logger.WarnContext(ctx, "Mail sync: failed to cache folder list", "user_id", sess.UserID, "error", err)
	}
	return folders, nil
}

// MessagesResult is one page of a folder.
type MessagesResult struct {
	Folder   string
	Messages []cache.CachedMessage
	Failed   []gateway.FetchFailure
	Total    int
	Limit    int
	Offset   int
	Synced   bool
}

// Messages returns a page of folder newest first. The folder is synced
// first when its cache is stale or refresh is set; the sync fetches enough
// messages to fill the requested page.
func (s *Service) Messages(ctx context.Context, sess *session.CredentialSession, folder string, page cache.Page, refresh bool) (*MessagesResult, error) {
	folder = helpers.NormalizeFolderName(folder)
	if err := helpers.ValidateFolderName(folder); err != nil {
		return nil, err
	}
	if page.Offset < 0 {
		return nil, consts.NewValidationError("offset", "must not be negative")
	}
	limit, err := s.Limit(page.Limit)
	if err != nil {
		return nil, err
	}
	page.Limit = limit

	result := &MessagesResult{Folder: folder, Limit: page.Limit, Offset: page.Offset}

	stale := refresh
	if !stale {
		stale, err = s.cache.IsStale(ctx, sess.UserID, folder, s.opts.RefreshInterval)
		if err != nil {
			logger.WarnContext(ctx, "Mail sync: failed to read sync state", "user_id", sess.UserID, "folder", folder, "error", err)
		}
	}
	if stale {
		want := min(max(page.Offset+page.Limit, s.opts.DefaultLimit), s.opts.MaxLimit)
		synced, err := s.SyncFolder(ctx, sess, folder, want)
		if err != nil {
			return nil, err
		}
		result.Synced = true
		result.Failed = synced.Failures
	}

	result.Messages, err = s.cache.List(ctx, sess.UserID, folder, page)
	if err != nil {
		return nil, err
	}
	result.Total, err = s.cache.Count(ctx, sess.UserID, folder)
	if err != nil {
		return nil, err
	}
	if result.Failed == nil {
		result.Failed = []gateway.FetchFailure{}
	}
	return result, nil
}

// MarkFlag sets the read and starred state of a cached message. A nil value
// leaves that flag alone. With push the change is also stored upstream;
// the cached value is kept even when the push fails.
func (s *Service) MarkFlag(ctx context.Context, sess *session.CredentialSession, folder, id string, read, starred *bool, push bool) error {
	folder = helpers.NormalizeFolderName(folder)
	if read == nil && starred == nil {
		return consts.NewValidationError("flags", "nothing to change")
	}
	if read != nil {
		if err := s.cache.MarkFlag(ctx, sess.UserID, folder, id, cache.FlagRead, *read); err != nil {
			return err
		}
	}
	if starred != nil {
		if err := s.cache.MarkFlag(ctx, sess.UserID, folder, id, cache.FlagStarred, *starred); err != nil {
			return err
		}
	}
	if !push {
		return nil
	}
	_, err := workpool.Run(ctx, s.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.gw.StoreFlags(ctx, sess, folder, id, read, starred)
	})
	return err
}

// SendRequest is an outgoing plain text message.
type SendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Service) Send(ctx context.Context, sess *session.CredentialSession, req SendRequest) error {
	_, err := workpool.Run(ctx, s.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.gw.Send(ctx, sess, req.To, req.Subject, req.Body)
	})
	return err
}

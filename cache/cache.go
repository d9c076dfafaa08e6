// Package cache keeps normalized message metadata per (user, folder) so the
// API can answer list requests without an upstream round trip.
//
// Writes to one (user, folder) are serialized in-process; reads go straight
// to the Store and rely on its transactions for row atomicity.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/helpers"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

// deleteBatchSize bounds the id list of one DeleteMessages call.
const deleteBatchSize = 500

type MessageCache struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
}

func New(store Store) *MessageCache {
	return &MessageCache{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// Store returns the backing store.
func (c *MessageCache) Store() Store {
	return c.store
}

func lockKey(userID int64, folder string) string {
	return strconv.FormatInt(userID, 10) + "\x00" + folder
}

func checkKey(userID int64, folder string) error {
	if userID <= 0 {
		return consts.NewValidationError("user", "unknown user")
	}
	return helpers.ValidateFolderName(folder)
}

func observe(op string, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, consts.ErrMessageNotFound), errors.Is(err, consts.ErrDBNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.CacheOperations.WithLabelValues(op, status).Inc()
}

// Upsert merges msgs into the folder. Upstream fields of existing rows are
// overwritten; their read and starred flags are kept unless the incoming
// record sets OverrideFlags. msgs is not modified.
func (c *MessageCache) Upsert(ctx context.Context, userID int64, folder string, msgs []CachedMessage) (err error) {
	defer func() { observe("upsert", err) }()
	if err := checkKey(userID, folder); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]CachedMessage, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			return consts.NewValidationError("id", "empty message id")
		}
		m.UserID = userID
		m.Folder = folder
		rows[i] = m
	}

	unlock := c.locks.Lock(lockKey(userID, folder))
	defer unlock()

	if err := c.store.UpsertMessages(ctx, userID, folder, rows); err != nil {
		return fmt.Errorf("failed to upsert %d messages into %s: %w", len(msgs), folder, err)
	}
	return nil
}

// List returns cached messages newest first (received_at, then uid).
func (c *MessageCache) List(ctx context.Context, userID int64, folder string, page Page) (msgs []CachedMessage, err error) {
	defer func() { observe("list", err) }()
	if err := checkKey(userID, folder); err != nil {
		return nil, err
	}
	if page.Limit < 0 || page.Offset < 0 {
		return nil, consts.NewValidationError("page", "negative limit or offset")
	}
	if page.Limit == 0 {
		return []CachedMessage{}, nil
	}
	return c.store.ListMessages(ctx, userID, folder, page)
}

func (c *MessageCache) Count(ctx context.Context, userID int64, folder string) (int, error) {
	if err := checkKey(userID, folder); err != nil {
		return 0, err
	}
	return c.store.CountMessages(ctx, userID, folder)
}

// MarkFlag changes a flag on the cached copy only. It returns
// consts.ErrMessageNotFound when the message is not cached.
func (c *MessageCache) MarkFlag(ctx context.Context, userID int64, folder, id string, flag Flag, value bool) (err error) {
	defer func() { observe("mark_flag", err) }()
	if err := checkKey(userID, folder); err != nil {
		return err
	}
	if !flag.Valid() {
		return consts.NewValidationError("flag", fmt.Sprintf("unknown flag %q", flag))
	}
	if strings.TrimSpace(id) == "" {
		return consts.NewValidationError("id", "empty message id")
	}

	unlock := c.locks.Lock(lockKey(userID, folder))
	defer unlock()

	return c.store.SetFlag(ctx, userID, folder, id, flag, value)
}

// Reconcile deletes cached rows whose id is not in upstreamIDs and returns
// how many were removed. Rows present upstream are left untouched.
func (c *MessageCache) Reconcile(ctx context.Context, userID int64, folder string, upstreamIDs []string) (removed int, err error) {
	defer func() { observe("reconcile", err) }()
	if err := checkKey(userID, folder); err != nil {
		return 0, err
	}

	unlock := c.locks.Lock(lockKey(userID, folder))
	defer unlock()

	cached, err := c.store.MessageIDs(ctx, userID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to list cached ids of %s: %w", folder, err)
	}

	upstream := make(map[string]struct{}, len(upstreamIDs))
	for _, id := range upstreamIDs {
		upstream[id] = struct{}{}
	}
	var stale []string
	for _, id := range cached {
		if _, ok := upstream[id]; !ok {
			stale = append(stale, id)
		}
	}

	for start := 0; start < len(stale); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(stale))
		n, err := c.store.DeleteMessages(ctx, userID, folder, stale[start:end])
		removed += n
		if err != nil {
			metrics.CacheRowsRemoved.WithLabelValues("reconcile").Add(float64(removed))
			return removed, fmt.Errorf("failed to delete stale messages from %s: %w", folder, err)
		}
	}
	if removed > 0 {
		metrics.CacheRowsRemoved.WithLabelValues("reconcile").Add(float64(removed))
		logger.DebugContext(ctx, "Cache: reconciled folder", "user_id", userID, "folder", folder, "removed", removed)
	}
	return removed, nil
}

// ResetFolder drops every cached message of the folder and its sync state,
// used when the upstream UIDVALIDITY changed.
func (c *MessageCache) ResetFolder(ctx context.Context, userID int64, folder string) (int, error) {
	if err := checkKey(userID, folder); err != nil {
		return 0, err
	}

	unlock := c.locks.Lock(lockKey(userID, folder))
	defer unlock()

	n, err := c.store.DeleteFolder(ctx, userID, folder)
	observe("reset", err)
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s: %w", folder, err)
	}
	metrics.CacheRowsRemoved.WithLabelValues("uidvalidity").Add(float64(n))
	logger.InfoContext(ctx, "Cache: folder reset", "user_id", userID, "folder", folder, "removed", n)
	return n, nil
}

// FolderState returns the last sync state, or nil when the folder was never
// synced.
func (c *MessageCache) FolderState(ctx context.Context, userID int64, folder string) (*FolderState, error) {
	st, err := c.store.GetFolderState(ctx, userID, folder)
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, nil
	}
	return st, err
}

func (c *MessageCache) SetFolderState(ctx context.Context, st FolderState) error {
	if err := checkKey(st.UserID, st.Folder); err != nil {
		return err
	}
	if st.LastSyncedAt.IsZero() {
		st.LastSyncedAt = c.now()
	}
	unlock := c.locks.Lock(lockKey(st.UserID, st.Folder))
	defer unlock()
	return c.store.PutFolderState(ctx, st)
}

// IsStale reports whether the folder was never synced or was last synced
// more than maxAge ago.
func (c *MessageCache) IsStale(ctx context.Context, userID int64, folder string, maxAge time.Duration) (bool, error) {
	st, err := c.FolderState(ctx, userID, folder)
	if err != nil {
		return true, err
	}
	if st == nil {
		return true, nil
	}
	return c.now().Sub(st.LastSyncedAt) > maxAge, nil
}

// ReplaceFolders stores the user's folder list as returned upstream.
func (c *MessageCache) ReplaceFolders(ctx context.Context, userID int64, folders []Folder) error {
	if userID <= 0 {
		return consts.NewValidationError("user", "unknown user")
	}
	unlock := c.locks.Lock(lockKey(userID, ""))
	defer unlock()
	err := c.store.ReplaceFolders(ctx, userID, folders, c.now())
	observe("replace_folders", err)
	return err
}

// ListFolders returns the cached folder list in upstream order.
func (c *MessageCache) ListFolders(ctx context.Context, userID int64) ([]Folder, error) {
	return c.store.ListFolders(ctx, userID)
}

// FoldersStale reports whether the cached folder list is missing or older
// than maxAge.
func (c *MessageCache) FoldersStale(folders []Folder, maxAge time.Duration) bool {
	if len(folders) == 0 {
		return true
	}
	return c.now().Sub(folders[0].RefreshedAt) > maxAge
}

// EnsureUser returns the id of the user for email, creating the row on first
// login and updating last_login otherwise.
func (c *MessageCache) EnsureUser(ctx context.Context, email string) (int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, consts.NewValidationError("username", "empty")
	}
	id, err := c.store.EnsureUser(ctx, email, helpers.DisplayUsername(email), c.now())
	observe("ensure_user", err)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure user %s: %w", email, err)
	}
	return id, nil
}

// Purge removes everything cached for the user with the given email.
func (c *MessageCache) Purge(ctx context.Context, email string) (int, error) {
	u, err := c.store.GetUser(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return 0, err
	}
	n, err := c.store.PurgeUser(ctx, u.ID)
	observe("purge", err)
	if err != nil {
		return 0, fmt.Errorf("failed to purge user %s: %w", email, err)
	}
	metrics.CacheRowsRemoved.WithLabelValues("purge").Add(float64(n))
	return n, nil
}

func (c *MessageCache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

func (c *MessageCache) Close() error {
	return c.store.Close()
}

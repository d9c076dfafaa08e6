package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

func newTestCache(t *testing.T) (*MessageCache, int64) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(store)
	userID, err := c.EnsureUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	return c, userID
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(uid uint32, at time.Time, subject string) CachedMessage {
	return CachedMessage{
		ID:         fmt.Sprint(uid),
		UID:        uid,
		Subject:    subject,
		Sender:     "Bob <bob@example.com>",
		Recipient:  "alice@example.com",
		ReceivedAt: at,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	batch := []CachedMessage{msg(10, base, "Hello"), msg(11, base.Add(time.Minute), "Re: Hello")}
	require.NoError(t, c.Upsert(ctx, user, "INBOX", batch))
	require.NoError(t, c.Upsert(ctx, user, "INBOX", batch))

	n, err := c.Count(ctx, user, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertLeavesInputUntouched(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	batch := []CachedMessage{msg(10, base, "Hello")}
	require.NoError(t, c.Upsert(ctx, user, "INBOX", batch))
	assert.Zero(t, batch[0].UserID)
	assert.Empty(t, batch[0].Folder)

	cached, err := c.List(ctx, user, "INBOX", Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, user, cached[0].UserID)
	assert.Equal(t, "INBOX", cached[0].Folder)
}

func TestUpsertOverwritesUpstreamFieldsAndKeepsFlags(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(10, base, "Draft subject")}))
	require.NoError(t, c.MarkFlag(ctx, user, "INBOX", "10", FlagRead, true))
	require.NoError(t, c.MarkFlag(ctx, user, "INBOX", "10", FlagStarred, true))

	updated := msg(10, base, "Final subject")
	updated.IsRead = false
	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{updated}))

	got, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Final subject", got[0].Subject)
	assert.True(t, got[0].IsRead, "local read flag must survive a refresh")
	assert.True(t, got[0].IsStarred)
}

func TestUpsertOverrideFlags(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(10, base, "Hello")}))
	require.NoError(t, c.MarkFlag(ctx, user, "INBOX", "10", FlagRead, true))

	override := msg(10, base, "Hello")
	override.IsRead = false
	override.IsStarred = true
	override.OverrideFlags = true
	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{override}))

	got, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsRead)
	assert.True(t, got[0].IsStarred)
}

func TestNewRowsTakeIncomingFlags(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	m := msg(7, base, "Seen upstream")
	m.IsRead = true
	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{m}))

	got, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsRead)
}

func TestListOrderAndPaging(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{
		msg(1, base, "oldest"),
		msg(2, base.Add(2*time.Hour), "newest"),
		msg(3, base.Add(time.Hour), "same time, lower uid"),
		msg(4, base.Add(time.Hour), "same time, higher uid"),
	}))

	got, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"2", "4", "3", "1"}, ids)

	page, err := c.List(ctx, user, "INBOX", Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "4", page[0].ID)
	assert.Equal(t, "3", page[1].ID)
	assert.Equal(t, base.Add(time.Hour), page[0].ReceivedAt)

	empty, err := c.List(ctx, user, "INBOX", Page{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFoldersAreIsolated(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(1, base, "in inbox")}))
	require.NoError(t, c.Upsert(ctx, user, "Archive", []CachedMessage{msg(1, base, "in archive")}))

	inbox, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "in inbox", inbox[0].Subject)

	other, err := c.EnsureUser(ctx, "carol@example.com")
	require.NoError(t, err)
	none, err := c.List(ctx, other, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarkFlagUnknownMessage(t *testing.T) {
	c, user := newTestCache(t)
	err := c.MarkFlag(context.Background(), user, "INBOX", "999", FlagRead, true)
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestMarkFlagValidation(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	assert.True(t, consts.IsValidationError(c.MarkFlag(ctx, user, "INBOX", "1", Flag("deleted"), true)))
	assert.True(t, consts.IsValidationError(c.MarkFlag(ctx, user, "", "1", FlagRead, true)))
	assert.True(t, consts.IsValidationError(c.MarkFlag(ctx, user, "INBOX", " ", FlagRead, true)))
}

func TestReconcile(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{
		msg(10, base, "a"), msg(11, base, "b"), msg(12, base, "c"),
	}))
	require.NoError(t, c.MarkFlag(ctx, user, "INBOX", "10", FlagStarred, true))

	removed, err := c.Reconcile(ctx, user, "INBOX", []string{"10", "12", "13"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := c.List(ctx, user, "INBOX", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		assert.NotEqual(t, "11", m.ID)
		if m.ID == "10" {
			assert.True(t, m.IsStarred, "present rows are untouched")
		}
	}

	removed, err = c.Reconcile(ctx, user, "INBOX", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestReconcileLargeFolder(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	var batch []CachedMessage
	for uid := uint32(1); uid <= 1200; uid++ {
		batch = append(batch, msg(uid, base.Add(time.Duration(uid)*time.Second), "bulk"))
	}
	require.NoError(t, c.Upsert(ctx, user, "INBOX", batch))

	removed, err := c.Reconcile(ctx, user, "INBOX", []string{"5"})
	require.NoError(t, err)
	assert.Equal(t, 1199, removed)
}

func TestResetFolderAndState(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	stale, err := c.IsStale(ctx, user, "INBOX", time.Minute)
	require.NoError(t, err)
	assert.True(t, stale, "never-synced folders are stale")

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(1, base, "a")}))
	require.NoError(t, c.SetFolderState(ctx, FolderState{UserID: user, Folder: "INBOX", UIDValidity: 42}))

	st, err := c.FolderState(ctx, user, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, uint32(42), st.UIDValidity)

	stale, err = c.IsStale(ctx, user, "INBOX", time.Minute)
	require.NoError(t, err)
	assert.False(t, stale)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	stale, err = c.IsStale(ctx, user, "INBOX", time.Minute)
	require.NoError(t, err)
	assert.True(t, stale)

	n, err := c.ResetFolder(ctx, user, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = c.FolderState(ctx, user, "INBOX")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestFolderList(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	five := uint32(5)
	one := uint32(1)
	require.NoError(t, c.ReplaceFolders(ctx, user, []Folder{
		{Name: "INBOX", Delimiter: "/", MessageCount: &five, UnseenCount: &one},
		{Name: "Sent", Delimiter: "/", Attributes: []string{`\Sent`}},
		{Name: "Archive/2023", Delimiter: "/"},
	}))

	folders, err := c.ListFolders(ctx, user)
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, "INBOX", folders[0].Name)
	assert.Equal(t, "Archive/2023", folders[2].Name)
	require.NotNil(t, folders[0].MessageCount)
	assert.Equal(t, uint32(5), *folders[0].MessageCount)
	assert.Nil(t, folders[1].MessageCount)
	assert.Equal(t, []string{`\Sent`}, folders[1].Attributes)
	assert.False(t, c.FoldersStale(folders, time.Minute))
	assert.True(t, c.FoldersStale(nil, time.Minute))

	require.NoError(t, c.ReplaceFolders(ctx, user, []Folder{{Name: "INBOX"}}))
	folders, err = c.ListFolders(ctx, user)
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestEnsureUserIsStable(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	again, err := c.EnsureUser(ctx, "  Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, user, again)

	u, err := c.Store().GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestPurgeAndStats(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(1, base, "a"), msg(2, base, "b")}))
	require.NoError(t, c.ReplaceFolders(ctx, user, []Folder{{Name: "INBOX"}}))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Users: 1, Messages: 2, Folders: 1}, st)

	n, err := c.Purge(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	_, err = c.Purge(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestUpsertRejectsUnknownUser(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.Upsert(context.Background(), 0, "INBOX", []CachedMessage{msg(1, base, "a")})
	assert.True(t, consts.IsValidationError(err))
}

func TestConcurrentWritersSameFolder(t *testing.T) {
	c, user := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				uid := uint32(w*10 + i + 1)
				assert.NoError(t, c.Upsert(ctx, user, "INBOX", []CachedMessage{msg(uid, base, "x")}))
				if i%3 == 0 {
					_, err := c.Reconcile(ctx, user, "INBOX", []string{fmt.Sprint(uid)})
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, c.locks.size(), "keyed locks are released")
}

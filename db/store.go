package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

var _ cache.Store = (*Database)(nil)

const upsertMessageSQL = `
	INSERT INTO email_cache (user_id, folder, message_id, uid, header_message_id, subject, sender, recipient,
		preview, received_at, is_read, is_starred, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
	ON CONFLICT (user_id, folder, message_id) DO UPDATE SET
		uid = EXCLUDED.uid,
		header_message_id = EXCLUDED.header_message_id,
		subject = EXCLUDED.subject,
		sender = EXCLUDED.sender,
		recipient = EXCLUDED.recipient,
		preview = EXCLUDED.preview,
		received_at = EXCLUDED.received_at,
		is_read = CASE WHEN $13 THEN EXCLUDED.is_read ELSE email_cache.is_read END,
		is_starred = CASE WHEN $13 THEN EXCLUDED.is_starred ELSE email_cache.is_starred END,
		updated_at = now()`

func (db *Database) UpsertMessages(ctx context.Context, userID int64, folder string, msgs []cache.CachedMessage) error {
	defer observe("upsert_messages", time.Now())
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(upsertMessageSQL,
			userID, folder, m.ID, int64(m.UID), m.MessageID, m.Subject, m.Sender, m.Recipient,
			m.Preview, m.ReceivedAt, m.IsRead, m.IsStarred, m.OverrideFlags)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (db *Database) ListMessages(ctx context.Context, userID int64, folder string, page cache.Page) ([]cache.CachedMessage, error) {
	defer observe("list_messages", time.Now())
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT message_id, uid, header_message_id, subject, sender, recipient, preview, received_at, is_read, is_starred
		FROM email_cache
		WHERE user_id = $1 AND folder = $2
		ORDER BY received_at DESC, uid DESC
		LIMIT $3 OFFSET $4`, userID, folder, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []cache.CachedMessage{}
	for rows.Next() {
		m := cache.CachedMessage{UserID: userID, Folder: folder}
		var uid int64
		if err := rows.Scan(&m.ID, &uid, &m.MessageID, &m.Subject, &m.Sender, &m.Recipient,
			&m.Preview, &m.ReceivedAt, &m.IsRead, &m.IsStarred); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.UID = uint32(uid)
		m.ReceivedAt = m.ReceivedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *Database) CountMessages(ctx context.Context, userID int64, folder string) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var n int
	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM email_cache WHERE user_id = $1 AND folder = $2", userID, folder).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (db *Database) MessageIDs(ctx context.Context, userID int64, folder string) ([]string, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, "SELECT message_id FROM email_cache WHERE user_id = $1 AND folder = $2", userID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	return ids, nil
}

func (db *Database) SetFlag(ctx context.Context, userID int64, folder, id string, flag cache.Flag, value bool) error {
	defer observe("set_flag", time.Now())
	var column string
	switch flag {
	case cache.FlagRead:
		column = "is_read"
	case cache.FlagStarred:
		column = "is_starred"
	default:
		return consts.NewValidationError("flag", fmt.Sprintf("unknown flag %q", flag))
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		"UPDATE email_cache SET "+column+" = $1, updated_at = now() WHERE user_id = $2 AND folder = $3 AND message_id = $4",
		value, userID, folder, id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

func (db *Database) DeleteMessages(ctx context.Context, userID int64, folder string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer observe("delete_messages", time.Now())
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM email_cache WHERE user_id = $1 AND folder = $2 AND message_id = ANY($3)",
		userID, folder, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *Database) DeleteFolder(ctx context.Context, userID int64, folder string) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM email_cache WHERE user_id = $1 AND folder = $2", userID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to delete folder messages: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM folder_state WHERE user_id = $1 AND folder = $2", userID, folder); err != nil {
		return 0, fmt.Errorf("failed to delete folder state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *Database) GetFolderState(ctx context.Context, userID int64, folder string) (*cache.FolderState, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	st := &cache.FolderState{UserID: userID, Folder: folder}
	var uidValidity int64
	err := db.Pool.QueryRow(ctx,
		"SELECT uid_validity, last_synced_at FROM folder_state WHERE user_id = $1 AND folder = $2",
		userID, folder).Scan(&uidValidity, &st.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read folder state: %w", err)
	}
	st.UIDValidity = uint32(uidValidity)
	return st, nil
}

func (db *Database) PutFolderState(ctx context.Context, st cache.FolderState) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO folder_state (user_id, folder, uid_validity, last_synced_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, folder) DO UPDATE SET
			uid_validity = EXCLUDED.uid_validity,
			last_synced_at = EXCLUDED.last_synced_at`,
		st.UserID, st.Folder, int64(st.UIDValidity), st.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to write folder state: %w", err)
	}
	return nil
}

func (db *Database) ReplaceFolders(ctx context.Context, userID int64, folders []cache.Folder, at time.Time) error {
	defer observe("replace_folders", time.Now())
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM folder_cache WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}

	batch := &pgx.Batch{}
	for i, f := range folders {
		attrs := f.Attributes
		if attrs == nil {
			attrs = []string{}
		}
		batch.Queue(`
			INSERT INTO folder_cache (user_id, position, name, delimiter, attributes, message_count, unseen_count, refreshed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, name) DO NOTHING`,
			userID, i, f.Name, f.Delimiter, attrs, nullableCount(f.MessageCount), nullableCount(f.UnseenCount), at)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert folders: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (db *Database) ListFolders(ctx context.Context, userID int64) ([]cache.Folder, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT name, delimiter, attributes, message_count, unseen_count, refreshed_at
		FROM folder_cache WHERE user_id = $1 ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	out := []cache.Folder{}
	for rows.Next() {
		var f cache.Folder
		var count, unseen *int64
		if err := rows.Scan(&f.Name, &f.Delimiter, &f.Attributes, &count, &unseen, &f.RefreshedAt); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.MessageCount = countFromNullable(count)
		f.UnseenCount = countFromNullable(unseen)
		if len(f.Attributes) == 0 {
			f.Attributes = nil
		}
		f.RefreshedAt = f.RefreshedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (db *Database) EnsureUser(ctx context.Context, email, username string, at time.Time) (int64, error) {
	defer observe("ensure_user", time.Now())
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users (email, username, created_at, last_login) VALUES ($1, $2, $3, $3)
		ON CONFLICT (email) DO UPDATE SET last_login = EXCLUDED.last_login
		RETURNING id`, email, username, at).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user: %w", err)
	}
	return id, nil
}

func (db *Database) GetUser(ctx context.Context, email string) (*cache.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var u cache.User
	err := db.Pool.QueryRow(ctx,
		"SELECT id, email, username, created_at, last_login FROM users WHERE email = $1", email).
		Scan(&u.ID, &u.Email, &u.Username, &u.CreatedAt, &u.LastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

// PurgeUser deletes the user row and, through the foreign keys, everything
// cached for it. It returns the number of cached messages removed.
func (db *Database) PurgeUser(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var n int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM email_cache WHERE user_id = $1", userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM users WHERE id = $1", userID); err != nil {
		return 0, fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return n, nil
}

func (db *Database) Stats(ctx context.Context) (cache.Stats, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var st cache.Stats
	err := db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM email_cache),
			(SELECT COUNT(*) FROM folder_cache)`).Scan(&st.Users, &st.Messages, &st.Folders)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

func nullableCount(c *uint32) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func countFromNullable(n *int64) *uint32 {
	if n == nil {
		return nil
	}
	v := uint32(*n)
	return &v
}

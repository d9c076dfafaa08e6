package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
)

// SQLiteStore is a Store on a local SQLite file, used for development and
// single-node deployments. Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

type sqliteMigration struct {
	version int
	sql     string
}

var sqliteMigrations = []sqliteMigration{
	{1, `
CREATE TABLE users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT NOT NULL UNIQUE,
	username   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_login INTEGER NOT NULL
);

CREATE TABLE email_cache (
	user_id           INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	folder            TEXT NOT NULL,
	message_id        TEXT NOT NULL,
	uid               INTEGER NOT NULL,
	header_message_id TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	sender            TEXT NOT NULL DEFAULT '',
	recipient         TEXT NOT NULL DEFAULT '',
	preview           TEXT NOT NULL DEFAULT '',
	received_at       INTEGER NOT NULL,
	is_read           INTEGER NOT NULL DEFAULT 0,
	is_starred        INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (user_id, folder, message_id)
);
CREATE INDEX idx_email_cache_listing ON email_cache (user_id, folder, received_at DESC, uid DESC);

CREATE TABLE folder_state (
	user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	folder         TEXT NOT NULL,
	uid_validity   INTEGER NOT NULL,
	last_synced_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, folder)
);

CREATE TABLE folder_cache (
	user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	name          TEXT NOT NULL,
	delimiter     TEXT NOT NULL DEFAULT '',
	attributes    TEXT NOT NULL DEFAULT '',
	message_count INTEGER,
	unseen_count  INTEGER,
	refreshed_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, name)
);
`},
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL mode
// and applies pending schema migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": {"busy_timeout(5000)", "foreign_keys(1)"},
	}.Encode()

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("Cache: SQLite store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}
	var current int
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
		}
	}
	return nil
}

type sqliteMessage struct {
	UserID          int64  `db:"user_id"`
	Folder          string `db:"folder"`
	MessageID       string `db:"message_id"`
	UID             int64  `db:"uid"`
	HeaderMessageID string `db:"header_message_id"`
	Subject         string `db:"subject"`
	Sender          string `db:"sender"`
	Recipient       string `db:"recipient"`
	Preview         string `db:"preview"`
	ReceivedAt      int64  `db:"received_at"`
	IsRead          bool   `db:"is_read"`
	IsStarred       bool   `db:"is_starred"`
	UpdatedAt       int64  `db:"updated_at"`
	Override        bool   `db:"override"`
}

func (m sqliteMessage) toCached() CachedMessage {
	return CachedMessage{
		UserID:     m.UserID,
		Folder:     m.Folder,
		ID:         m.MessageID,
		UID:        uint32(m.UID),
		MessageID:  m.HeaderMessageID,
		Subject:    m.Subject,
		Sender:     m.Sender,
		Recipient:  m.Recipient,
		Preview:    m.Preview,
		ReceivedAt: time.Unix(0, m.ReceivedAt).UTC(),
		IsRead:     m.IsRead,
		IsStarred:  m.IsStarred,
	}
}

const sqliteUpsertMessage = `
INSERT INTO email_cache (user_id, folder, message_id, uid, header_message_id, subject, sender, recipient,
	preview, received_at, is_read, is_starred, updated_at)
VALUES (:user_id, :folder, :message_id, :uid, :header_message_id, :subject, :sender, :recipient,
	:preview, :received_at, :is_read, :is_starred, :updated_at)
ON CONFLICT (user_id, folder, message_id) DO UPDATE SET
	uid = excluded.uid,
	header_message_id = excluded.header_message_id,
	subject = excluded.subject,
	sender = excluded.sender,
	recipient = excluded.recipient,
	preview = excluded.preview,
	received_at = excluded.received_at,
	is_read = CASE WHEN :override THEN excluded.is_read ELSE email_cache.is_read END,
	is_starred = CASE WHEN :override THEN excluded.is_starred ELSE email_cache.is_starred END,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertMessages(ctx context.Context, userID int64, folder string, msgs []CachedMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, sqliteUpsertMessage)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, m := range msgs {
		row := sqliteMessage{
			UserID:          userID,
			Folder:          folder,
			MessageID:       m.ID,
			UID:             int64(m.UID),
			HeaderMessageID: m.MessageID,
			Subject:         m.Subject,
			Sender:          m.Sender,
			Recipient:       m.Recipient,
			Preview:         m.Preview,
			ReceivedAt:      m.ReceivedAt.UnixNano(),
			IsRead:          m.IsRead,
			IsStarred:       m.IsStarred,
			UpdatedAt:       now,
			Override:        m.OverrideFlags,
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, userID int64, folder string, page Page) ([]CachedMessage, error) {
	var rows []sqliteMessage
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, folder, message_id, uid, header_message_id, subject, sender, recipient,
			preview, received_at, is_read, is_starred, updated_at
		FROM email_cache
		WHERE user_id = ? AND folder = ?
		ORDER BY received_at DESC, uid DESC
		LIMIT ? OFFSET ?`, userID, folder, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]CachedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCached())
	}
	return out, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, userID int64, folder string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM email_cache WHERE user_id = ? AND folder = ?", userID, folder)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MessageIDs(ctx context.Context, userID int64, folder string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, "SELECT message_id FROM email_cache WHERE user_id = ? AND folder = ?", userID, folder)
	if err != nil {
		return nil, fmt.Errorf("listing message ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) SetFlag(ctx context.Context, userID int64, folder, id string, flag Flag, value bool) error {
	var column string
	switch flag {
	case FlagRead:
		column = "is_read"
	case FlagStarred:
		column = "is_starred"
	default:
		return consts.NewValidationError("flag", fmt.Sprintf("unknown flag %q", flag))
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE email_cache SET "+column+" = ?, updated_at = ? WHERE user_id = ? AND folder = ? AND message_id = ?",
		value, time.Now().UnixNano(), userID, folder, id)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, userID int64, folder string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM email_cache WHERE user_id = ? AND folder = ? AND message_id IN (?)", userID, folder, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteFolder(ctx context.Context, userID int64, folder string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM email_cache WHERE user_id = ? AND folder = ?", userID, folder)
	if err != nil {
		return 0, fmt.Errorf("deleting folder messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM folder_state WHERE user_id = ? AND folder = ?", userID, folder); err != nil {
		return 0, fmt.Errorf("deleting folder state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) GetFolderState(ctx context.Context, userID int64, folder string) (*FolderState, error) {
	var row struct {
		UIDValidity  int64 `db:"uid_validity"`
		LastSyncedAt int64 `db:"last_synced_at"`
	}
	err := s.db.GetContext(ctx, &row, "SELECT uid_validity, last_synced_at FROM folder_state WHERE user_id = ? AND folder = ?", userID, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading folder state: %w", err)
	}
	return &FolderState{
		UserID:       userID,
		Folder:       folder,
		UIDValidity:  uint32(row.UIDValidity),
		LastSyncedAt: time.Unix(0, row.LastSyncedAt).UTC(),
	}, nil
}

func (s *SQLiteStore) PutFolderState(ctx context.Context, st FolderState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_state (user_id, folder, uid_validity, last_synced_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_synced_at = excluded.last_synced_at`,
		st.UserID, st.Folder, int64(st.UIDValidity), st.LastSyncedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing folder state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceFolders(ctx context.Context, userID int64, folders []Folder, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM folder_cache WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing folders: %w", err)
	}
	for i, f := range folders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folder_cache (user_id, position, name, delimiter, attributes, message_count, unseen_count, refreshed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, name) DO NOTHING`,
			userID, i, f.Name, f.Delimiter, strings.Join(f.Attributes, " "),
			nullableCount(f.MessageCount), nullableCount(f.UnseenCount), at.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting folder %s: %w", f.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (s *SQLiteStore) ListFolders(ctx context.Context, userID int64) ([]Folder, error) {
	var rows []struct {
		Name         string        `db:"name"`
		Delimiter    string        `db:"delimiter"`
		Attributes   string        `db:"attributes"`
		MessageCount sql.NullInt64 `db:"message_count"`
		UnseenCount  sql.NullInt64 `db:"unseen_count"`
		RefreshedAt  int64         `db:"refreshed_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT name, delimiter, attributes, message_count, unseen_count, refreshed_at
		FROM folder_cache WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	out := make([]Folder, 0, len(rows))
	for _, r := range rows {
		out = append(out, Folder{
			Name:         r.Name,
			Delimiter:    r.Delimiter,
			Attributes:   strings.Fields(r.Attributes),
			MessageCount: countFromNull(r.MessageCount),
			UnseenCount:  countFromNull(r.UnseenCount),
			RefreshedAt:  time.Unix(0, r.RefreshedAt).UTC(),
		})
	}
	return out, nil
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, email, username string, at time.Time) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO users (email, username, created_at, last_login) VALUES (?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET last_login = excluded.last_login
		RETURNING id`, email, username, at.UnixNano(), at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("upserting user: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, email string) (*User, error) {
	var row struct {
		ID        int64  `db:"id"`
		Email     string `db:"email"`
		Username  string `db:"username"`
		CreatedAt int64  `db:"created_at"`
		LastLogin int64  `db:"last_login"`
	}
	err := s.db.GetContext(ctx, &row, "SELECT id, email, username, created_at, last_login FROM users WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading user: %w", err)
	}
	return &User{
		ID:        row.ID,
		Email:     row.Email,
		Username:  row.Username,
		CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
		LastLogin: time.Unix(0, row.LastLogin).UTC(),
	}, nil
}

// PurgeUser deletes the user row; cached rows go with it through the
// foreign keys. It returns the number of cached messages removed.
func (s *SQLiteStore) PurgeUser(ctx context.Context, userID int64) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM email_cache WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID); err != nil {
		return 0, fmt.Errorf("deleting user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st.Users, "SELECT COUNT(*) FROM users")
	if err == nil {
		err = s.db.GetContext(ctx, &st.Messages, "SELECT COUNT(*) FROM email_cache")
	}
	if err == nil {
		err = s.db.GetContext(ctx, &st.Folders, "SELECT COUNT(*) FROM folder_cache")
	}
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	return st, nil
}

func nullableCount(c *uint32) any {
	if c == nil {
		return nil
	}
	return int64(*c)
}

func countFromNull(n sql.NullInt64) *uint32 {
	if !n.Valid {
		return nil
	}
	v := uint32(n.Int64)
	return &v
}

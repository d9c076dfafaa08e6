package cache

import (
	"context"
	"time"
)

// Store is the persistence behind a MessageCache. Each method is atomic on
// its own; MessageCache serializes writers of the same (user, folder).
type Store interface {
	UpsertMessages(ctx context.Context, userID int64, folder string, msgs []CachedMessage) error
	ListMessages(ctx context.Context, userID int64, folder string, page Page) ([]CachedMessage, error)
	CountMessages(ctx context.Context, userID int64, folder string) (int, error)
	MessageIDs(ctx context.Context, userID int64, folder string) ([]string, error)
	// SetFlag returns consts.ErrMessageNotFound for an unknown message.
	SetFlag(ctx context.Context, userID int64, folder, id string, flag Flag, value bool) error
	DeleteMessages(ctx context.Context, userID int64, folder string, ids []string) (int, error)
	DeleteFolder(ctx context.Context, userID int64, folder string) (int, error)

	// GetFolderState returns consts.ErrDBNotFound when the folder was never
	// synced.
	GetFolderState(ctx context.Context, userID int64, folder string) (*FolderState, error)
	PutFolderState(ctx context.Context, st FolderState) error

	ReplaceFolders(ctx context.Context, userID int64, folders []Folder, at time.Time) error
	ListFolders(ctx context.Context, userID int64) ([]Folder, error)

	EnsureUser(ctx context.Context, email, username string, at time.Time) (int64, error)
	// GetUser returns consts.ErrUserNotFound for an unknown email.
	GetUser(ctx context.Context, email string) (*User, error)
	PurgeUser(ctx context.Context, userID int64) (int, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

package cache

import "time"

// Flag is a locally mutable message flag.
type Flag string

const (
	FlagRead    Flag = "read"
	FlagStarred Flag = "starred"
)

func (f Flag) Valid() bool {
	return f == FlagRead || f == FlagStarred
}

// CachedMessage is the normalized metadata of one upstream message.
// (UserID, Folder, ID) is unique.
type CachedMessage struct {
	UserID     int64     `json:"-" db:"user_id"`
	Folder     string    `json:"folder" db:"folder"`
	ID         string    `json:"id" db:"message_id"` // upstream UID in decimal
	UID        uint32    `json:"-" db:"uid"`
	MessageID  string    `json:"messageId,omitempty" db:"header_message_id"`
	Subject    string    `json:"subject" db:"subject"`
	Sender     string    `json:"sender" db:"sender"`
	Recipient  string    `json:"recipient" db:"recipient"`
	Preview    string    `json:"preview" db:"preview"`
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
	IsRead     bool      `json:"isRead" db:"is_read"`
	IsStarred  bool      `json:"isStarred" db:"is_starred"`

	// OverrideFlags makes Upsert write IsRead and IsStarred over the cached
	// values. Without it an existing row keeps its local flags.
	OverrideFlags bool `json:"-" db:"-"`
}

// Folder is an upstream mailbox as last listed.
type Folder struct {
	Name         string    `json:"name"`
	Delimiter    string    `json:"delimiter"`
	Attributes   []string  `json:"attributes,omitempty"`
	MessageCount *uint32   `json:"count,omitempty"`
	UnseenCount  *uint32   `json:"unread,omitempty"`
	RefreshedAt  time.Time `json:"refreshedAt"`
}

// FolderState records the last successful sync of a folder.
type FolderState struct {
	UserID       int64
	Folder       string
	UIDValidity  uint32
	LastSyncedAt time.Time
}

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin"`
}

// Page selects a window of a folder listing.
type Page struct {
	Limit  int
	Offset int
}

type Stats struct {
	Users    int64 `json:"users"`
	Messages int64 `json:"messages"`
	Folders  int64 `json:"folders"`
}

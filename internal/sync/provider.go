package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// ProviderName represents remote mailbox types
type ProviderName string

const (
	ProviderGmail ProviderName = "GMAIL"
	ProviderIMAP  ProviderName = "IMAP"
)

// ErrCursorInvalid is returned by ListChanges when the remote no longer
// recognizes the cursor (expired or out of range).
var ErrCursorInvalid = errors.New("sync cursor no longer valid")

// Profile is the remote mailbox status.
type Profile struct {
	Cursor string // current change-feed position
}

// ChangeKind classifies change-feed events.
type ChangeKind string

const (
	ChangeMessageAdded ChangeKind = "messageAdded"
)

// ChangeEvent is one entry of the change feed.
type ChangeEvent struct {
	Kind      ChangeKind
	MessageID string
}

// ChangeFeed is the list of changes since a cursor.
type ChangeFeed struct {
	Events     []ChangeEvent
	NextCursor string
}

// MessagePage is one page of a full mailbox listing.
type MessagePage struct {
	IDs           []string
	NextPageToken string
	// Cursor is the change-feed position observed while listing, if the
	// remote reports one.
	Cursor string
}

// RemoteMessage is a full-fidelity remote message. Top level headers live in
// Payload.Headers.
type RemoteMessage struct {
	ID       string
	ThreadID string
	Payload  *mime.Part
}

// Mailbox is the remote mailbox API consumed by the sync engine
type Mailbox interface {
	GetProfile(ctx context.Context) (Profile, error)
	// ListChanges returns message-added events since fromCursor, or
	// ErrCursorInvalid.
	ListChanges(ctx context.Context, fromCursor string) (ChangeFeed, error)
	ListMessages(ctx context.Context, pageToken string, pageSize int) (MessagePage, error)
	GetMessage(ctx context.Context, id string) (RemoteMessage, error)
	// GetAttachment returns the base64url payload behind an attachment handle.
	GetAttachment(ctx context.Context, messageID, handle string) (string, error)
}

// BlobMeta describes an uploaded object.
type BlobMeta struct {
	Name     string
	MimeType string
}

// BlobStore stores bytes and returns a stable reference
type BlobStore interface {
	Upload(ctx context.Context, container string, data []byte, meta BlobMeta) (string, error)
}

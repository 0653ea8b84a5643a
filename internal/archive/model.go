package archive

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no archived message matches a lookup.
var ErrNotFound = errors.New("archived message not found")

// AttachmentRef points at an attachment that was offloaded to blob storage.
type AttachmentRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	BlobRef  string `json:"blobRef"`
}

// ArchivedMessage is one remote email as stored in the archive.
// Structural fields are write-once: re-archiving an ExternalID is a no-op.
type ArchivedMessage struct {
	ID          string            `json:"id"`
	ExternalID  string            `json:"messageId"`
	ThreadID    string            `json:"threadId"`
	Subject     string            `json:"subject"`
	Sender      string            `json:"sender"`
	Recipients  []string          `json:"recipients"`
	Cc          []string          `json:"cc"`
	Bcc         []string          `json:"bcc"`
	InReplyTo   *string           `json:"inReplyTo"`
	References  []string          `json:"references"`
	ThreadIndex *string           `json:"threadIndex"`
	ThreadTopic *string           `json:"threadTopic"`
	Body        string            `json:"body"`
	Attachments []AttachmentRef   `json:"attachments"`
	Headers     map[string]string `json:"headers"`
	EmailDate   *time.Time        `json:"emailDate"`
	ReceivedAt  time.Time         `json:"receivedAt"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// HasAttachments reports whether at least one attachment was offloaded.
func (m *ArchivedMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Criteria filters and paginates archive queries.
type Criteria struct {
	Search         string     // case-insensitive substring of subject, sender or body
	StartDate      *time.Time // inclusive
	EndDate        *time.Time // inclusive
	HasAttachments *bool
	Sender         string
	ThreadID       string
	Offset         int `validate:"gte=0"`
	Limit          int `validate:"gte=1,lte=500"`
}

// Page is one page of query results plus the unpaginated match count.
type Page struct {
	Messages []ArchivedMessage `json:"emails"`
	Total    int               `json:"total"`
}

// SenderCount is one row of the top senders ranking.
type SenderCount struct {
	Sender string `json:"sender" db:"sender"`
	Count  int    `json:"count" db:"count"`
}

// Stats summarizes the archive.
type Stats struct {
	TotalCount           int           `json:"totalEmails"`
	CountWithAttachments int           `json:"emailsWithAttachments"`
	TopSenders           []SenderCount `json:"topSenders"`
}

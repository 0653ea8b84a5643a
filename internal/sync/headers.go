package sync

import (
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// Envelope is the typed view of a message's top level headers. Absent
// headers yield empty strings, empty lists and nil pointers.
type Envelope struct {
	Headers     map[string]string // lower-cased name -> value, later duplicates win
	Subject     string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	MessageID   string
	InReplyTo   *string
	References  []string
	ThreadIndex *string
	ThreadTopic *string
	Date        *time.Time
}

// ParseEnvelope normalizes raw headers. It never fails.
func ParseEnvelope(headers []mime.Header) Envelope {
	h := make(map[string]string, len(headers))
	for _, hdr := range headers {
		name := strings.ToLower(strings.TrimSpace(hdr.Name))
		if name == "" {
			continue
		}
		h[name] = hdr.Value
	}

	return Envelope{
		Headers:     h,
		Subject:     h["subject"],
		From:        h["from"],
		To:          splitAddrs(h["to"]),
		Cc:          splitAddrs(h["cc"]),
		Bcc:         splitAddrs(h["bcc"]),
		MessageID:   strings.TrimSpace(h["message-id"]),
		InReplyTo:   optional(h["in-reply-to"]),
		References:  strings.Fields(h["references"]),
		ThreadIndex: optional(h["thread-index"]),
		ThreadTopic: optional(h["thread-topic"]),
		Date:        parseDate(h["date"]),
	}
}

// splitAddrs splits a comma-separated address header into trimmed entries.
func splitAddrs(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// parseDate accepts RFC 5322 dates and, failing that, RFC 3339.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var h mail.Header
	h.Set("Date", s)
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}

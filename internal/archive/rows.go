package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `id, external_id, thread_id, subject, sender,
	recipients, cc, bcc, in_reply_to, refs,
	thread_index, thread_topic, body, attachments, attachment_count,
	headers, email_date, received_at, created_at, updated_at`

// messageRow is the column layout of the messages table. List and map
// fields are stored as JSON text, timestamps as unix milliseconds.
type messageRow struct {
	ID              string         `db:"id"`
	ExternalID      string         `db:"external_id"`
	ThreadID        string         `db:"thread_id"`
	Subject         string         `db:"subject"`
	Sender          string         `db:"sender"`
	Recipients      string         `db:"recipients"`
	Cc              string         `db:"cc"`
	Bcc             string         `db:"bcc"`
	InReplyTo       sql.NullString `db:"in_reply_to"`
	Refs            string         `db:"refs"`
	ThreadIndex     sql.NullString `db:"thread_index"`
	ThreadTopic     sql.NullString `db:"thread_topic"`
	Body            string         `db:"body"`
	Attachments     string         `db:"attachments"`
	AttachmentCount int            `db:"attachment_count"`
	Headers         string         `db:"headers"`
	EmailDate       sql.NullInt64  `db:"email_date"`
	ReceivedAt      int64          `db:"received_at"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

func toRow(m *ArchivedMessage) (messageRow, error) {
	row := messageRow{
		ID:              m.ID,
		ExternalID:      m.ExternalID,
		ThreadID:        m.ThreadID,
		Subject:         m.Subject,
		Sender:          m.Sender,
		InReplyTo:       nullString(m.InReplyTo),
		ThreadIndex:     nullString(m.ThreadIndex),
		ThreadTopic:     nullString(m.ThreadTopic),
		Body:            m.Body,
		AttachmentCount: len(m.Attachments),
		ReceivedAt:      m.ReceivedAt.UnixMilli(),
		CreatedAt:       m.CreatedAt.UnixMilli(),
		UpdatedAt:       m.UpdatedAt.UnixMilli(),
	}
	if m.EmailDate != nil {
		row.EmailDate = sql.NullInt64{Int64: m.EmailDate.UnixMilli(), Valid: true}
	}

	fields := []struct {
		dst  *string
		v    interface{}
		name string
	}{
		{&row.Recipients, nonNilStrings(m.Recipients), "recipients"},
		{&row.Cc, nonNilStrings(m.Cc), "cc"},
		{&row.Bcc, nonNilStrings(m.Bcc), "bcc"},
		{&row.Refs, nonNilStrings(m.References), "references"},
		{&row.Attachments, nonNilAttachments(m.Attachments), "attachments"},
		{&row.Headers, nonNilHeaders(m.Headers), "headers"},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return messageRow{}, fmt.Errorf("marshaling %s: %w", f.name, err)
		}
		*f.dst = string(b)
	}
	return row, nil
}

func (r messageRow) toMessage() (ArchivedMessage, error) {
	m := ArchivedMessage{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		ThreadID:    r.ThreadID,
		Subject:     r.Subject,
		Sender:      r.Sender,
		InReplyTo:   stringPtr(r.InReplyTo),
		ThreadIndex: stringPtr(r.ThreadIndex),
		ThreadTopic: stringPtr(r.ThreadTopic),
		Body:        r.Body,
		ReceivedAt:  time.UnixMilli(r.ReceivedAt).UTC(),
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.EmailDate.Valid {
		d := time.UnixMilli(r.EmailDate.Int64).UTC()
		m.EmailDate = &d
	}

	fields := []struct {
		src  string
		dst  interface{}
		name string
	}{
		{r.Recipients, &m.Recipients, "recipients"},
		{r.Cc, &m.Cc, "cc"},
		{r.Bcc, &m.Bcc, "bcc"},
		{r.Refs, &m.References, "references"},
		{r.Attachments, &m.Attachments, "attachments"},
		{r.Headers, &m.Headers, "headers"},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return ArchivedMessage{}, fmt.Errorf("unmarshaling %s of %s: %w", f.name, r.ExternalID, err)
		}
	}
	return m, nil
}

func toMessages(rows []messageRow) ([]ArchivedMessage, error) {
	out := make([]ArchivedMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilAttachments(v []AttachmentRef) []AttachmentRef {
	if v == nil {
		return []AttachmentRef{}
	}
	return v
}

func nonNilHeaders(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// MessageStore is the part of the archive the processor writes to.
type MessageStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*archive.ArchivedMessage, error)
	InsertIfAbsent(ctx context.Context, m *archive.ArchivedMessage) (bool, error)
}

// Outcome of processing one remote message.
type Outcome string

const (
	OutcomeArchived Outcome = "archived"
	OutcomeSkipped  Outcome = "skipped"
)

// ProcessResult describes what happened to one remote message. Message is
// nil when the message was skipped before fetching.
type ProcessResult struct {
	Outcome     Outcome
	Message     *archive.ArchivedMessage
	Attachments OffloadResult
}

// Processor archives remote messages one at a time.
type Processor struct {
	Mailbox   Mailbox
	Store     MessageStore
	Offloader *Offloader
	Log       logrus.FieldLogger
}

// Process archives the remote message externalID unless it is already in the
// archive. Fetch and store failures are returned; attachment failures are
// not, they show up in the result.
func (p *Processor) Process(ctx context.Context, externalID string) (ProcessResult, error) {
	_, err := p.Store.FindByExternalID(ctx, externalID)
	switch {
	case err == nil:
		return ProcessResult{Outcome: OutcomeSkipped}, nil
	case !errors.Is(err, archive.ErrNotFound):
		return ProcessResult{}, fmt.Errorf("dedup check %s: %w", externalID, err)
	}

	remote, err := p.Mailbox.GetMessage(ctx, externalID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("fetch message %s: %w", externalID, err)
	}
	root := remote.Payload
	if root == nil {
		root = &mime.Part{}
	}

	env := ParseEnvelope(root.Headers)
	ext := mime.Extract(root)
	attachments := p.Offloader.Offload(ctx, externalID, ext.Candidates)

	msg := &archive.ArchivedMessage{
		ExternalID:  externalID,
		ThreadID:    remote.ThreadID,
		Subject:     env.Subject,
		Sender:      env.From,
		Recipients:  env.To,
		Cc:          env.Cc,
		Bcc:         env.Bcc,
		InReplyTo:   env.InReplyTo,
		References:  env.References,
		ThreadIndex: env.ThreadIndex,
		ThreadTopic: env.ThreadTopic,
		Body:        ext.Body,
		Attachments: attachments.Refs,
		Headers:     env.Headers,
		EmailDate:   env.Date,
	}

	inserted, err := p.Store.InsertIfAbsent(ctx, msg)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("store message %s: %w", externalID, err)
	}
	if !inserted {
		if len(attachments.Refs) > 0 {
			orphans := make([]string, 0, len(attachments.Refs))
			for _, ref := range attachments.Refs {
				orphans = append(orphans, ref.BlobRef)
			}
			p.Log.WithFields(logrus.Fields{
				"message_id": externalID,
				"blob_refs":  orphans,
			}).Warn("message archived concurrently, uploaded attachments orphaned")
		} else {
			p.Log.WithField("message_id", externalID).Debug("message archived concurrently")
		}
		return ProcessResult{Outcome: OutcomeSkipped, Attachments: attachments}, nil
	}

	p.Log.WithFields(logrus.Fields{
		"message_id":  externalID,
		"attachments": len(attachments.Refs),
		"dropped":     len(attachments.Dropped),
	}).Debug("message archived")
	return ProcessResult{Outcome: OutcomeArchived, Message: msg, Attachments: attachments}, nil
}

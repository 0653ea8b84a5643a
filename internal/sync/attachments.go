package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// OffloadStatus tells whether every candidate made it to blob storage.
type OffloadStatus string

const (
	OffloadComplete OffloadStatus = "complete"
	OffloadPartial  OffloadStatus = "partial"
)

// Stages at which a candidate can be dropped.
const (
	StageFetch  = "fetch"
	StageDecode = "decode"
	StageUpload = "upload"
)

// DroppedAttachment records a candidate that was left out of the archive.
type DroppedAttachment struct {
	Name  string
	Stage string
	Err   error
}

// OffloadResult lists the stored attachments, in candidate order, and the
// ones that were dropped.
type OffloadResult struct {
	Refs    []archive.AttachmentRef
	Dropped []DroppedAttachment
}

// Status is OffloadPartial when any candidate was dropped.
func (r OffloadResult) Status() OffloadStatus {
	if len(r.Dropped) > 0 {
		return OffloadPartial
	}
	return OffloadComplete
}

// Offloader moves attachment payloads from the mailbox to blob storage.
type Offloader struct {
	Mailbox   Mailbox
	Blobs     BlobStore
	Container string
	Log       logrus.FieldLogger
}

// Offload uploads each candidate independently. A failing candidate is
// logged and dropped; it never aborts the others.
func (o *Offloader) Offload(ctx context.Context, externalMessageID string, candidates []mime.Candidate) OffloadResult {
	res := OffloadResult{Refs: []archive.AttachmentRef{}}
	for _, c := range candidates {
		ref, stage, err := o.offloadOne(ctx, externalMessageID, c)
		if err != nil {
			o.Log.WithFields(logrus.Fields{
				"message_id": externalMessageID,
				"attachment": c.Name,
				"stage":      stage,
			}).WithError(err).Warn("attachment dropped")
			res.Dropped = append(res.Dropped, DroppedAttachment{Name: c.Name, Stage: stage, Err: err})
			continue
		}
		res.Refs = append(res.Refs, ref)
	}
	return res
}

func (o *Offloader) offloadOne(ctx context.Context, messageID string, c mime.Candidate) (archive.AttachmentRef, string, error) {
	payload, err := o.Mailbox.GetAttachment(ctx, messageID, c.AttachmentID)
	if err != nil {
		return archive.AttachmentRef{}, StageFetch, fmt.Errorf("fetch attachment %s: %w", c.Name, err)
	}
	data, err := mime.DecodeData(payload)
	if err != nil {
		return archive.AttachmentRef{}, StageDecode, fmt.Errorf("decode attachment %s: %w", c.Name, err)
	}
	blobRef, err := o.Blobs.Upload(ctx, o.Container, data, BlobMeta{Name: c.Name, MimeType: c.MimeType})
	if err != nil {
		return archive.AttachmentRef{}, StageUpload, fmt.Errorf("upload attachment %s: %w", c.Name, err)
	}
	return archive.AttachmentRef{
		Name:     c.Name,
		MimeType: c.MimeType,
		Size:     c.Size,
		BlobRef:  blobRef,
	}, "", nil
}

package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/logging"
)

// DefaultPageSize is the listing page size used when none is configured.
const DefaultPageSize = 100

// BackfillResult summarizes a full mailbox walk. Processed counts messages
// that were newly archived.
type BackfillResult struct {
	Processed int
	Skipped   int
	Failed    int
	Pages     int
	Cursor    string // latest change-feed position seen during the walk
}

// Backfill walks the full mailbox listing and archives every message.
type Backfill struct {
	Mailbox   Mailbox
	Processor *Processor
	PageSize  int
	Log       logrus.FieldLogger
}

// Run pages through the mailbox until the remote stops returning a page
// token. A page listing failure aborts the run and is returned along with
// the counts so far; a failing message is logged and the walk goes on.
func (b *Backfill) Run(ctx context.Context) (BackfillResult, error) {
	pageSize := b.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var res BackfillResult
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := b.Mailbox.ListMessages(ctx, pageToken, pageSize)
		if err != nil {
			return res, fmt.Errorf("list messages page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		if page.Cursor != "" {
			res.Cursor = page.Cursor
		}

		for _, id := range page.IDs {
			pr, err := b.Processor.Process(ctx, id)
			if err != nil {
				res.Failed++
				logging.CaptureError(b.Log, "backfill_message", err, logrus.Fields{"message_id": id})
				continue
			}
			if pr.Outcome == OutcomeArchived {
				res.Processed++
			} else {
				res.Skipped++
			}
		}

		b.Log.WithFields(logrus.Fields{
			"page":      res.Pages,
			"processed": res.Processed,
			"skipped":   res.Skipped,
		}).Debug("backfill page done")

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	b.Log.WithFields(logrus.Fields{
		"pages":     res.Pages,
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}).Info("backfill complete")
	return res, nil
}

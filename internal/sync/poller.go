package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/logging"
)

// PollResult summarizes one incremental cycle.
type PollResult struct {
	ColdStart   bool // cursor was initialized, nothing processed
	CursorReset bool // remote rejected the cursor, next cycle re-initializes
	Archived    int
	Skipped     int
	Failed      int
	Cursor      string
}

// Poller runs incremental sync cycles off the change feed. Poll must not be
// called concurrently.
type Poller struct {
	Mailbox   Mailbox
	Processor *Processor
	Cursor    *CursorManager
	Log       logrus.FieldLogger
}

// Poll runs one cycle. A rejected cursor is reset and is not an error; any
// other feed failure is returned and leaves the cursor where it was.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	if p.Cursor.State() == CursorUnset {
		if err := p.Cursor.Init(ctx); err != nil {
			return PollResult{}, fmt.Errorf("init cursor: %w", err)
		}
		p.Log.WithField("cursor", p.Cursor.Token()).Info("cursor initialized")
		return PollResult{ColdStart: true, Cursor: p.Cursor.Token()}, nil
	}

	from := p.Cursor.Token()
	feed, err := p.Mailbox.ListChanges(ctx, from)
	if errors.Is(err, ErrCursorInvalid) {
		p.Log.WithField("cursor", from).Warn("cursor rejected by remote, resetting")
		if err := p.Cursor.Reset(ctx); err != nil {
			p.Log.WithError(err).Warn("cursor reset not persisted")
		}
		return PollResult{CursorReset: true}, nil
	}
	if err != nil {
		return PollResult{Cursor: from}, fmt.Errorf("list changes from %s: %w", from, err)
	}

	res := PollResult{Cursor: from}
	if len(feed.Events) == 0 {
		return res, nil
	}

	seen := make(map[string]struct{}, len(feed.Events))
	for _, ev := range feed.Events {
		if ev.Kind != ChangeMessageAdded || ev.MessageID == "" {
			continue
		}
		if _, dup := seen[ev.MessageID]; dup {
			continue
		}
		seen[ev.MessageID] = struct{}{}

		pr, err := p.Processor.Process(ctx, ev.MessageID)
		if err != nil {
			res.Failed++
			logging.CaptureError(p.Log, "process_message", err, logrus.Fields{"message_id": ev.MessageID})
			continue
		}
		if pr.Outcome == OutcomeArchived {
			res.Archived++
		} else {
			res.Skipped++
		}
	}

	if err := p.Cursor.Advance(ctx, feed.NextCursor); err != nil {
		p.Log.WithError(err).Warn("cursor advance not persisted")
	}
	res.Cursor = p.Cursor.Token()

	p.Log.WithFields(logrus.Fields{
		"archived": res.Archived,
		"skipped":  res.Skipped,
		"failed":   res.Failed,
		"cursor":   res.Cursor,
	}).Info("poll cycle complete")
	return res, nil
}

// Prime activates an Unset cursor from a position observed by a backfill.
func (p *Poller) Prime(ctx context.Context, token string) error {
	return p.Cursor.Prime(ctx, token)
}

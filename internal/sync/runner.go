package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/lock"
	"github.com/Martian-dev/mail-archiver/internal/logging"
)

// DefaultPollInterval is the incremental sync period used when none is configured.
const DefaultPollInterval = 30 * time.Second

// StatusStore records sync status next to the persisted cursor
type StatusStore interface {
	UpdateSyncStatus(ctx context.Context, mailboxID, status, errorMsg string) error
}

// OutboxStore is the event outbox drained by the dispatcher
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]archive.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher publishes outbox events with a dedup id
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Runner orchestrates sync for one mailbox: a ticker driving incremental
// polls, on-demand backfills and the outbox dispatcher.
type Runner struct {
	MailboxID string
	Poller    *Poller
	Backfill  *Backfill
	Status    StatusStore
	Locker    lock.Locker
	Interval  time.Duration
	Log       logrus.FieldLogger

	// Optional; the dispatcher only runs when both are set.
	Outbox    OutboxStore
	Publisher EventPublisher
}

// Run polls on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.Outbox != nil && r.Publisher != nil {
		go r.dispatchLoop(ctx)
	}

	interval := r.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Log.WithFields(logrus.Fields{
		"mailbox":  r.MailboxID,
		"interval": interval,
	}).Info("sync started")

	for {
		if _, err := r.PollOnce(ctx); err != nil && !errors.Is(err, lock.ErrLocked) && ctx.Err() == nil {
			logging.CaptureError(r.Log, "poll", err, logrus.Fields{"mailbox": r.MailboxID})
		}

		select {
		case <-ctx.Done():
			r.Log.WithField("mailbox", r.MailboxID).Info("sync stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one incremental cycle under the mailbox lock. It returns
// lock.ErrLocked when a backfill holds the mailbox.
func (r *Runner) PollOnce(ctx context.Context) (PollResult, error) {
	l, err := r.obtain(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			r.Log.WithField("mailbox", r.MailboxID).Debug("mailbox busy, skipping poll")
		}
		return PollResult{}, err
	}
	defer r.release(l)

	if err := r.Poller.Cursor.Load(ctx); err != nil {
		return PollResult{}, fmt.Errorf("restore cursor: %w", err)
	}
	res, err := r.Poller.Poll(ctx)
	if err != nil {
		r.setStatus(ctx, archive.StatusError, err.Error())
		return res, err
	}
	return res, nil
}

// RunBackfill walks the full mailbox under the mailbox lock, then primes the
// poller's cursor if it has none yet.
func (r *Runner) RunBackfill(ctx context.Context) (BackfillResult, error) {
	l, err := r.obtain(ctx)
	if err != nil {
		return BackfillResult{}, err
	}
	defer r.release(l)

	// a stored cursor must win over the one captured by this walk
	if err := r.Poller.Cursor.Load(ctx); err != nil {
		return BackfillResult{}, fmt.Errorf("restore cursor: %w", err)
	}
	r.setStatus(ctx, archive.StatusSyncing, "")
	res, err := r.Backfill.Run(ctx)
	if err != nil {
		r.setStatus(ctx, archive.StatusError, err.Error())
		return res, err
	}

	if r.Poller.Cursor.State() == CursorUnset && res.Cursor != "" {
		if err := r.Poller.Prime(ctx, res.Cursor); err != nil {
			r.Log.WithError(err).Warn("primed cursor not persisted")
		}
	} else {
		r.setStatus(ctx, archive.StatusHooked, "")
	}
	return res, nil
}

func (r *Runner) obtain(ctx context.Context) (lock.Lock, error) {
	l, err := r.Locker.Obtain(ctx, lock.MailboxKey(r.MailboxID))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("obtain mailbox lock: %w", err)
	}
	return l, nil
}

func (r *Runner) release(l lock.Lock) {
	// the caller's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		r.Log.WithError(err).Warn("mailbox lock release failed")
	}
}

func (r *Runner) setStatus(ctx context.Context, status, msg string) {
	if r.Status == nil {
		return
	}
	if err := r.Status.UpdateSyncStatus(ctx, r.MailboxID, status, msg); err != nil {
		r.Log.WithError(err).Warn("sync status not recorded")
	}
}

// dispatchLoop continuously dispatches messages from outbox to NATS
func (r *Runner) dispatchLoop(ctx context.Context) {
	for {
		n, err := r.dispatchOnce(ctx)
		wait := 500 * time.Millisecond
		if err != nil {
			r.Log.WithError(err).Warn("outbox dequeue failed")
			wait = time.Second
		} else if n > 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// dispatchOnce publishes one batch of due outbox events and returns how many
// were attempted.
func (r *Runner) dispatchOnce(ctx context.Context) (int, error) {
	messages, err := r.Outbox.DequeueOutbox(ctx, 100)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			r.Log.WithField("outbox_id", msg.ID).WithError(err).Warn("publish failed, retrying later")
			if err := r.Outbox.MarkOutboxRetry(ctx, msg.ID, 10*time.Second); err != nil {
				r.Log.WithField("outbox_id", msg.ID).WithError(err).Warn("postponing outbox event failed")
			}
			continue
		}
		if err := r.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			r.Log.WithField("outbox_id", msg.ID).WithError(err).Warn("marking outbox event published failed")
		}
	}
	return len(messages), nil
}

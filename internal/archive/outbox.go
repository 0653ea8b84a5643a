package archive

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// DequeueOutbox fetches unpublished events that are due, oldest first.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET published_at = ? WHERE id = ?", s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and postpones the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d for retry: %w", id, err)
	}
	return nil
}

package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync statuses recorded alongside the cursor.
const (
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusReset   = "RESET"
	StatusError   = "ERROR"
)

// SyncState is the persisted sync checkpoint of one mailbox.
type SyncState struct {
	MailboxID    string     `json:"mailboxId"`
	Cursor       string     `json:"cursor"`
	Status       string     `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	RetryCount   int        `json:"retryCount"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// LoadCheckpoint loads the cursor of a mailbox, "" when none was saved.
func (s *Store) LoadCheckpoint(ctx context.Context, mailboxID string) (string, error) {
	var cursor sql.NullString
	err := s.db.GetContext(ctx, &cursor,
		"SELECT cursor FROM sync_state WHERE mailbox_id = ?", mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading checkpoint: %w", err)
	}
	return cursor.String, nil
}

// SaveCheckpoint stores the cursor and status of a mailbox and clears its error.
func (s *Store) SaveCheckpoint(ctx context.Context, mailboxID, cursor, status string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (mailbox_id, cursor, status, last_error, retry_count, last_synced_at, updated_at)
		VALUES (?, ?, ?, '', 0, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = '',
			retry_count = 0,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at`,
		mailboxID, cursor, status, now, now)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a status change, counting consecutive errors.
// The cursor is left untouched.
func (s *Store) UpdateSyncStatus(ctx context.Context, mailboxID, status, errorMsg string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (mailbox_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN sync_state.retry_count + 1 ELSE sync_state.retry_count END,
			updated_at = excluded.updated_at`,
		mailboxID, status, errorMsg, errorMsg, now)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}
	return nil
}

// GetSyncState returns the persisted checkpoint row of a mailbox.
func (s *Store) GetSyncState(ctx context.Context, mailboxID string) (*SyncState, error) {
	var row struct {
		MailboxID    string        `db:"mailbox_id"`
		Cursor       string        `db:"cursor"`
		Status       string        `db:"status"`
		LastError    string        `db:"last_error"`
		RetryCount   int           `db:"retry_count"`
		LastSyncedAt sql.NullInt64 `db:"last_synced_at"`
		UpdatedAt    int64         `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT mailbox_id, cursor, status, last_error, retry_count, last_synced_at, updated_at
		FROM sync_state WHERE mailbox_id = ?`, mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync state: %w", err)
	}

	st := &SyncState{
		MailboxID:  row.MailboxID,
		Cursor:     row.Cursor,
		Status:     row.Status,
		LastError:  row.LastError,
		RetryCount: row.RetryCount,
		UpdatedAt:  time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if row.LastSyncedAt.Valid {
		t := time.UnixMilli(row.LastSyncedAt.Int64).UTC()
		st.LastSyncedAt = &t
	}
	return st, nil
}

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mail-archiver/internal/archive"
)

// CursorState is the lifecycle state of a change-feed cursor.
type CursorState int

const (
	CursorUnset CursorState = iota
	CursorActive
)

func (s CursorState) String() string {
	if s == CursorActive {
		return "active"
	}
	return "unset"
}

// CheckpointStore persists cursors across restarts.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, mailboxID string) (string, error)
	SaveCheckpoint(ctx context.Context, mailboxID, cursor, status string) error
}

// CursorManager owns the change-feed cursor of one mailbox. It is not safe
// for concurrent use: the Poller that owns it is the only writer.
//
// Every transition is written through to the checkpoint store when one is
// set. The in-memory state is authoritative; a failed write is returned but
// does not undo the transition.
type CursorManager struct {
	mailbox     Mailbox
	checkpoints CheckpointStore
	mailboxID   string

	state CursorState
	token string
	// set once the stored cursor was read or any transition happened; the
	// store is never consulted again after that
	settled bool
}

// NewCursorManager returns an Unset cursor. checkpoints may be nil.
func NewCursorManager(mailbox Mailbox, checkpoints CheckpointStore, mailboxID string) *CursorManager {
	return &CursorManager{mailbox: mailbox, checkpoints: checkpoints, mailboxID: mailboxID}
}

// State returns the lifecycle state.
func (c *CursorManager) State() CursorState { return c.state }

// Token returns the current cursor, "" when Unset.
func (c *CursorManager) Token() string { return c.token }

// Load restores a persisted cursor once per process. After a successful load
// or any transition it is a no-op, so a reset whose write failed cannot
// bring back the rejected token.
func (c *CursorManager) Load(ctx context.Context) error {
	if c.settled || c.checkpoints == nil {
		return nil
	}
	token, err := c.checkpoints.LoadCheckpoint(ctx, c.mailboxID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	c.settled = true
	if token != "" {
		c.state, c.token = CursorActive, token
	}
	return nil
}

// Init fetches the current cursor from the mailbox profile: Unset -> Active.
func (c *CursorManager) Init(ctx context.Context) error {
	profile, err := c.mailbox.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	if profile.Cursor == "" {
		return errors.New("get profile: remote returned an empty cursor")
	}
	c.state, c.token, c.settled = CursorActive, profile.Cursor, true
	return c.persist(ctx, archive.StatusHooked)
}

// Advance replaces the token after a completed poll cycle.
func (c *CursorManager) Advance(ctx context.Context, token string) error {
	if c.state != CursorActive {
		return errors.New("advance: cursor is unset")
	}
	if token == "" || token == c.token {
		return nil
	}
	c.token, c.settled = token, true
	return c.persist(ctx, archive.StatusHooked)
}

// Reset drops the token after the remote rejected it. The next cycle
// re-initializes from the profile.
func (c *CursorManager) Reset(ctx context.Context) error {
	c.state, c.token, c.settled = CursorUnset, "", true
	return c.persist(ctx, archive.StatusReset)
}

// Prime activates the cursor from a position observed during a backfill. An
// Active cursor is left alone, it is already at or past that position.
func (c *CursorManager) Prime(ctx context.Context, token string) error {
	if c.state == CursorActive || token == "" {
		return nil
	}
	c.state, c.token, c.settled = CursorActive, token, true
	return c.persist(ctx, archive.StatusHooked)
}

func (c *CursorManager) persist(ctx context.Context, status string) error {
	if c.checkpoints == nil {
		return nil
	}
	if err := c.checkpoints.SaveCheckpoint(ctx, c.mailboxID, c.token, status); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

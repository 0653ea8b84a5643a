package lock

import (
	"context"
	"errors"
	"testing"
)

func TestLocalLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	key := MailboxKey("inbox")

	first, err := l.Obtain(ctx, key)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := l.Obtain(ctx, key); !errors.Is(err, ErrLocked) {
		t.Fatalf("second obtain err = %v, want ErrLocked", err)
	}

	other, err := l.Obtain(ctx, MailboxKey("other"))
	if err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}
	defer other.Release(ctx)

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := l.Obtain(ctx, key)
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}

	// releasing a stale handle must not free the new holder's lock
	if err := first.Release(ctx); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if _, err := l.Obtain(ctx, key); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release freed the lock: %v", err)
	}
	again.Release(ctx)
}

func TestMailboxKey(t *testing.T) {
	if got := MailboxKey("me@example.com"); got != "archiver:mailbox:me@example.com" {
		t.Fatalf("key = %q", got)
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/logging"
)

func newPoller(h *harness, cps CheckpointStore) *Poller {
	return &Poller{
		Mailbox:   h.mailbox,
		Processor: h.processor,
		Cursor:    NewCursorManager(h.mailbox, cps, "inbox"),
		Log:       logging.Discard(),
	}
}

func TestPollColdStartProcessesNothing(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{profiles: []Profile{{Cursor: "100"}}}
	cps := newFakeCheckpoints()
	p := newPoller(newHarness(t, mb), cps)

	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.ColdStart || res.Cursor != "100" {
		t.Fatalf("result = %+v", res)
	}
	if mb.count("ListChanges") != 0 {
		t.Fatalf("cold start must not read the change feed")
	}
	if p.Cursor.State() != CursorActive || cps.saved["inbox"] != "100" || cps.status["inbox"] != archive.StatusHooked {
		t.Fatalf("cursor not activated and persisted: %v %v", p.Cursor.State(), cps.saved)
	}
}

func TestPollProcessesAddedMessagesAndAdvances(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		profiles: []Profile{{Cursor: "100"}},
		feeds: []ChangeFeed{{
			Events: []ChangeEvent{
				{Kind: ChangeMessageAdded, MessageID: "m1"},
				{Kind: "labelAdded", MessageID: "m9"},
				{Kind: ChangeMessageAdded, MessageID: "m2"},
				{Kind: ChangeMessageAdded, MessageID: "m1"},
				{Kind: ChangeMessageAdded, MessageID: "broken"},
			},
			NextCursor: "105",
		}},
		messages: map[string]RemoteMessage{
			"m1": simpleMessage("m1", "one"),
			"m2": simpleMessage("m2", "two"),
		},
		messageErrs: map[string]error{"broken": errors.New("500")},
	}
	cps := newFakeCheckpoints()
	p := newPoller(newHarness(t, mb), cps)

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Archived != 2 || res.Failed != 1 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Cursor != "105" || p.Cursor.Token() != "105" || cps.saved["inbox"] != "105" {
		t.Fatalf("cursor not advanced: %+v %v", res, cps.saved)
	}
	if mb.count("GetMessage:m1") != 1 || mb.count("GetMessage:m9") != 0 {
		t.Fatalf("unexpected fetches: %v", mb.calls)
	}
}

func TestPollNoChangesHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		profiles: []Profile{{Cursor: "100"}},
		feeds:    []ChangeFeed{{NextCursor: "101"}},
	}
	cps := newFakeCheckpoints()
	p := newPoller(newHarness(t, mb), cps)
	p.Poll(ctx)

	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Cursor != "100" || p.Cursor.Token() != "100" {
		t.Fatalf("cursor moved on an empty feed: %+v", res)
	}
}

func TestPollCursorInvalidResetsThenReinitializes(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		profiles: []Profile{{Cursor: "100"}, {Cursor: "500"}},
		feedErrs: []error{fmt.Errorf("history: %w", ErrCursorInvalid)},
		feeds:    []ChangeFeed{{NextCursor: "500"}},
	}
	cps := newFakeCheckpoints()
	p := newPoller(newHarness(t, mb), cps)

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("invalid cursor must not be an error: %v", err)
	}
	if !res.CursorReset || p.Cursor.State() != CursorUnset || cps.status["inbox"] != archive.StatusReset {
		t.Fatalf("cursor not reset: %+v state=%v", res, p.Cursor.State())
	}

	res, err = p.Poll(ctx)
	if err != nil || !res.ColdStart || res.Cursor != "500" {
		t.Fatalf("re-init = %+v, %v", res, err)
	}
	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	want := []string{
		"GetProfile",
		"ListChanges:100",
		"GetProfile",
		"ListChanges:500",
	}
	if !reflect.DeepEqual(mb.calls, want) {
		t.Fatalf("calls = %v, want %v", mb.calls, want)
	}
}

func TestPollTransientErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		profiles: []Profile{{Cursor: "100"}},
		feedErrs: []error{errors.New("503 backend error")},
	}
	p := newPoller(newHarness(t, mb), nil)
	p.Poll(ctx)

	if _, err := p.Poll(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if p.Cursor.State() != CursorActive || p.Cursor.Token() != "100" {
		t.Fatalf("cursor changed on transient failure: %v %q", p.Cursor.State(), p.Cursor.Token())
	}
	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if mb.count("ListChanges:100") != 2 {
		t.Fatalf("retry should resume from the same cursor: %v", mb.calls)
	}
}

func TestCursorManagerLoadAndPrime(t *testing.T) {
	ctx := context.Background()
	cps := newFakeCheckpoints()
	cps.saved["inbox"] = "42"

	c := NewCursorManager(&fakeMailbox{}, cps, "inbox")
	if err := c.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.State() != CursorActive || c.Token() != "42" {
		t.Fatalf("loaded %v %q", c.State(), c.Token())
	}
	if err := c.Prime(ctx, "7"); err != nil || c.Token() != "42" {
		t.Fatalf("prime must not override an active cursor: %q %v", c.Token(), err)
	}

	fresh := NewCursorManager(&fakeMailbox{}, nil, "inbox")
	if err := fresh.Advance(ctx, "9"); err == nil {
		t.Fatalf("advancing an unset cursor should fail")
	}
	if err := fresh.Prime(ctx, "9"); err != nil || fresh.State() != CursorActive || fresh.Token() != "9" {
		t.Fatalf("prime = %v %q %v", fresh.State(), fresh.Token(), err)
	}
}

func TestCursorManagerPersistFailureKeepsTransition(t *testing.T) {
	cps := newFakeCheckpoints()
	cps.saveErr = errors.New("disk full")
	c := NewCursorManager(&fakeMailbox{profiles: []Profile{{Cursor: "1"}}}, cps, "inbox")

	if err := c.Init(context.Background()); err == nil {
		t.Fatalf("expected persistence error")
	}
	if c.State() != CursorActive || c.Token() != "1" {
		t.Fatalf("in-memory transition lost: %v %q", c.State(), c.Token())
	}
}

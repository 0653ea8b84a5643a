package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"testing"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/logging"
	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// fakeMailbox records every call in order and serves canned responses.
type fakeMailbox struct {
	mu gosync.Mutex

	calls []string

	profiles    []Profile // consumed in order; the last one repeats
	profileErr  error
	feeds       []ChangeFeed
	feedErrs    []error
	pages       map[string]MessagePage // by page token
	pageErrs    map[string]error
	messages    map[string]RemoteMessage
	messageErrs map[string]error
	attachments map[string]string // by handle, base64url
	attachErrs  map[string]error
}

func (f *fakeMailbox) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMailbox) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeMailbox) GetProfile(ctx context.Context) (Profile, error) {
	_ = ctx
	f.record("GetProfile")
	if f.profileErr != nil {
		return Profile{}, f.profileErr
	}
	if len(f.profiles) == 0 {
		return Profile{}, errors.New("no profile")
	}
	p := f.profiles[0]
	if len(f.profiles) > 1 {
		f.profiles = f.profiles[1:]
	}
	return p, nil
}

func (f *fakeMailbox) ListChanges(ctx context.Context, fromCursor string) (ChangeFeed, error) {
	_ = ctx
	f.record("ListChanges:" + fromCursor)
	if len(f.feedErrs) > 0 {
		err := f.feedErrs[0]
		f.feedErrs = f.feedErrs[1:]
		if err != nil {
			return ChangeFeed{}, err
		}
	}
	if len(f.feeds) == 0 {
		return ChangeFeed{NextCursor: fromCursor}, nil
	}
	feed := f.feeds[0]
	f.feeds = f.feeds[1:]
	return feed, nil
}

func (f *fakeMailbox) ListMessages(ctx context.Context, pageToken string, pageSize int) (MessagePage, error) {
	_ = ctx
	_ = pageSize
	f.record("ListMessages:" + pageToken)
	if err := f.pageErrs[pageToken]; err != nil {
		return MessagePage{}, err
	}
	return f.pages[pageToken], nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (RemoteMessage, error) {
	_ = ctx
	f.record("GetMessage:" + id)
	if err := f.messageErrs[id]; err != nil {
		return RemoteMessage{}, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return RemoteMessage{}, fmt.Errorf("message %s not found", id)
	}
	return msg, nil
}

func (f *fakeMailbox) GetAttachment(ctx context.Context, messageID, handle string) (string, error) {
	_ = ctx
	f.record("GetAttachment:" + messageID + "/" + handle)
	if err := f.attachErrs[handle]; err != nil {
		return "", err
	}
	return f.attachments[handle], nil
}

type upload struct {
	container string
	data      string
	meta      BlobMeta
}

type fakeBlobs struct {
	mu      gosync.Mutex
	uploads []upload
	failOn  map[string]error // by attachment name
}

func (f *fakeBlobs) Upload(ctx context.Context, container string, data []byte, meta BlobMeta) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[meta.Name]; err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, upload{container: container, data: string(data), meta: meta})
	return fmt.Sprintf("blob-%d", len(f.uploads)), nil
}

type fakeCheckpoints struct {
	saved   map[string]string
	status  map[string]string
	saveErr error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{saved: map[string]string{}, status: map[string]string{}}
}

func (f *fakeCheckpoints) LoadCheckpoint(ctx context.Context, mailboxID string) (string, error) {
	_ = ctx
	return f.saved[mailboxID], nil
}

func (f *fakeCheckpoints) SaveCheckpoint(ctx context.Context, mailboxID, cursor, status string) error {
	_ = ctx
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[mailboxID] = cursor
	f.status[mailboxID] = status
	return nil
}

func enc(s string) string { return mime.EncodeData([]byte(s)) }

// simpleMessage builds a remote message with a plain text body.
func simpleMessage(id, subject string) RemoteMessage {
	return RemoteMessage{
		ID:       id,
		ThreadID: "thread-" + id,
		Payload: &mime.Part{
			MimeType: "text/plain",
			Headers: []mime.Header{
				{Name: "Subject", Value: subject},
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com"},
			},
			Body: mime.PartBody{Data: enc("body of " + id)},
		},
	}
}

type harness struct {
	mailbox   *fakeMailbox
	blobs     *fakeBlobs
	store     *archive.Store
	processor *Processor
}

func newHarness(t *testing.T, mb *fakeMailbox) *harness {
	t.Helper()

	store, err := archive.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logging.Discard()
	blobs := &fakeBlobs{}
	return &harness{
		mailbox: mb,
		blobs:   blobs,
		store:   store,
		processor: &Processor{
			Mailbox:   mb,
			Store:     store,
			Offloader: &Offloader{Mailbox: mb, Blobs: blobs, Container: "folder-1", Log: log},
			Log:       log,
		},
	}
}

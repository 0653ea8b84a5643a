package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mail-archiver/internal/mime"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

// Config for an IMAP mailbox
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Folder   string // INBOX when empty
	RPS      float64
}

// Adapter implements sync.Mailbox over IMAP. The cursor is
// "<uidvalidity>:<uidnext>" of the folder and message ids are
// "<uidvalidity>.<uid>", so a UIDVALIDITY change invalidates both.
type Adapter struct {
	cfg     Config
	limiter *rate.Limiter

	mu   gosync.Mutex
	last struct {
		id  string
		msg *parsedMessage
	}
}

var _ sync.Mailbox = (*Adapter)(nil)

// New creates an IMAP adapter. No connection is made until the first call.
func New(cfg Config) *Adapter {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	return &Adapter{cfg: cfg, limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1)}
}

// session is a logged-in connection with the folder selected.
type session struct {
	client *imapclient.Client
	sel    *imap.SelectData
}

func (s *session) close() {
	_ = s.client.Logout().Wait()
}

func (a *Adapter) connect(ctx context.Context) (*session, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	var client *imapclient.Client
	var err error
	if a.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", a.cfg.Username, err)
	}

	sel, err := client.Select(a.cfg.Folder, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", a.cfg.Folder, err)
	}
	return &session{client: client, sel: sel}, nil
}

// GetProfile returns the folder's current position
func (a *Adapter) GetProfile(ctx context.Context) (sync.Profile, error) {
	s, err := a.connect(ctx)
	if err != nil {
		return sync.Profile{}, err
	}
	defer s.close()
	return sync.Profile{Cursor: formatCursor(s.sel.UIDValidity, s.sel.UIDNext)}, nil
}

// ListChanges lists messages with a UID at or past the cursor's UIDNEXT.
func (a *Adapter) ListChanges(ctx context.Context, fromCursor string) (sync.ChangeFeed, error) {
	validity, next, err := parseCursor(fromCursor)
	if err != nil {
		return sync.ChangeFeed{}, fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
	}

	s, err := a.connect(ctx)
	if err != nil {
		return sync.ChangeFeed{}, err
	}
	defer s.close()

	if s.sel.UIDValidity != validity {
		return sync.ChangeFeed{}, fmt.Errorf("%w: uidvalidity changed from %d to %d",
			sync.ErrCursorInvalid, validity, s.sel.UIDValidity)
	}
	feed := sync.ChangeFeed{NextCursor: formatCursor(s.sel.UIDValidity, s.sel.UIDNext)}
	if s.sel.UIDNext <= next {
		return feed, nil
	}

	uids, err := a.search(s, &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: next, Stop: 0}}},
	})
	if err != nil {
		return sync.ChangeFeed{}, err
	}
	for _, uid := range uids {
		// "n:*" also matches the highest UID when it is below n
		if uid < next {
			continue
		}
		feed.Events = append(feed.Events, sync.ChangeEvent{
			Kind:      sync.ChangeMessageAdded,
			MessageID: formatID(validity, uid),
		})
	}
	return feed, nil
}

// ListMessages pages through the folder in UID order. The page token is the
// last UID of the previous page.
func (a *Adapter) ListMessages(ctx context.Context, pageToken string, pageSize int) (sync.MessagePage, error) {
	var after imap.UID
	if pageToken != "" {
		n, err := strconv.ParseUint(pageToken, 10, 32)
		if err != nil {
			return sync.MessagePage{}, fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		after = imap.UID(n)
	}

	s, err := a.connect(ctx)
	if err != nil {
		return sync.MessagePage{}, err
	}
	defer s.close()

	uids, err := a.search(s, &imap.SearchCriteria{})
	if err != nil {
		return sync.MessagePage{}, err
	}

	page := sync.MessagePage{IDs: []string{}}
	if pageToken == "" {
		page.Cursor = formatCursor(s.sel.UIDValidity, s.sel.UIDNext)
	}
	start := sort.Search(len(uids), func(i int) bool { return uids[i] > after })
	end := start + pageSize
	if pageSize <= 0 || end > len(uids) {
		end = len(uids)
	}
	for _, uid := range uids[start:end] {
		page.IDs = append(page.IDs, formatID(s.sel.UIDValidity, uid))
	}
	if end < len(uids) {
		page.NextPageToken = strconv.FormatUint(uint64(uids[end-1]), 10)
	}
	return page, nil
}

// GetMessage fetches and parses the full message
func (a *Adapter) GetMessage(ctx context.Context, id string) (sync.RemoteMessage, error) {
	pm, err := a.fetch(ctx, id)
	if err != nil {
		return sync.RemoteMessage{}, err
	}
	return sync.RemoteMessage{
		ID:       id,
		ThreadID: threadID(pm.root, id),
		Payload:  pm.root,
	}, nil
}

// GetAttachment returns the payload of the part at section path handle.
func (a *Adapter) GetAttachment(ctx context.Context, messageID, handle string) (string, error) {
	pm, err := a.fetch(ctx, messageID)
	if err != nil {
		return "", err
	}
	data, ok := pm.attachments[handle]
	if !ok {
		return "", fmt.Errorf("message %s has no attachment at section %s", messageID, handle)
	}
	return mime.EncodeData(data), nil
}

// fetch returns the parsed message, reusing the last one fetched so the
// attachments of a message cost no extra round trips.
func (a *Adapter) fetch(ctx context.Context, id string) (*parsedMessage, error) {
	a.mu.Lock()
	if a.last.id == id && a.last.msg != nil {
		pm := a.last.msg
		a.mu.Unlock()
		return pm, nil
	}
	a.mu.Unlock()

	validity, uid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	s, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if s.sel.UIDValidity != validity {
		return nil, fmt.Errorf("message %s: uidvalidity is now %d", id, s.sel.UIDValidity)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body", uid)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch: %w", err)
	}

	pm, err := parseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}

	a.mu.Lock()
	a.last.id, a.last.msg = id, pm
	a.mu.Unlock()
	return pm, nil
}

func (a *Adapter) search(s *session, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func formatCursor(validity uint32, next imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, next)
}

func parseCursor(s string) (uint32, imap.UID, error) {
	v, n, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cursor %q", s)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	next, err := strconv.ParseUint(n, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return uint32(validity), imap.UID(next), nil
}

func formatID(validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%d.%d", validity, uid)
}

func parseID(id string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	return uint32(validity), imap.UID(uid), nil
}

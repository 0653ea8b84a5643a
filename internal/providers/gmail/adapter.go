package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-archiver/internal/mime"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

// Options tunes the adapter
type Options struct {
	User string  // mailbox user id, "me" when empty
	RPS  float64 // request rate limit, 5/s when zero
	Log  logrus.FieldLogger
}

// Adapter implements sync.Mailbox for Gmail
type Adapter struct {
	svc     *gmail.Service
	user    string
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

var _ sync.Mailbox = (*Adapter)(nil)

// New creates a Gmail adapter authorized by ts
func New(ctx context.Context, ts oauth2.TokenSource, opts Options) (*Adapter, error) {
	httpClient := oauth2.NewClient(ctx, ts)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, opts), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, opts Options) *Adapter {
	if opts.User == "" {
		opts.User = "me"
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	log := opts.Log
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// client errors say nothing about upstream health
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			switch statusCode(err) {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	}

	return &Adapter{
		svc:     svc,
		user:    opts.User,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), int(opts.RPS)+1),
		log:     log,
	}
}

// GetProfile returns the mailbox's current history id as the cursor
func (a *Adapter) GetProfile(ctx context.Context) (sync.Profile, error) {
	var profile *gmail.Profile
	err := a.call(ctx, "get profile", func() error {
		var err error
		profile, err = a.svc.Users.GetProfile(a.user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return sync.Profile{}, err
	}
	return sync.Profile{Cursor: formatHistoryID(profile.HistoryId)}, nil
}

// ListChanges lists messageAdded history since fromCursor. Gmail answers 404
// once a history id is too old; that, and only that, is ErrCursorInvalid.
func (a *Adapter) ListChanges(ctx context.Context, fromCursor string) (sync.ChangeFeed, error) {
	start, err := strconv.ParseUint(fromCursor, 10, 64)
	if err != nil {
		return sync.ChangeFeed{}, fmt.Errorf("%w: malformed history id %q", sync.ErrCursorInvalid, fromCursor)
	}

	feed := sync.ChangeFeed{}
	latest := start
	call := a.svc.Users.History.List(a.user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(500)

	err = a.call(ctx, "list history", func() error {
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || added.Message.Id == "" {
						continue
					}
					feed.Events = append(feed.Events, sync.ChangeEvent{
						Kind:      sync.ChangeMessageAdded,
						MessageID: added.Message.Id,
					})
				}
			}
			// throttle the follow-up page request
			return a.limiter.Wait(ctx)
		})
	})
	if statusCode(err) == http.StatusNotFound {
		return sync.ChangeFeed{}, fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
	}
	if err != nil {
		return sync.ChangeFeed{}, err
	}

	feed.NextCursor = formatHistoryID(latest)
	return feed, nil
}

// ListMessages lists one page of message ids. The first page also reports
// the current history id so a backfill can prime the incremental cursor.
func (a *Adapter) ListMessages(ctx context.Context, pageToken string, pageSize int) (sync.MessagePage, error) {
	var page sync.MessagePage
	if pageToken == "" {
		profile, err := a.GetProfile(ctx)
		if err != nil {
			return sync.MessagePage{}, err
		}
		page.Cursor = profile.Cursor
	}

	var resp *gmail.ListMessagesResponse
	err := a.call(ctx, "list messages", func() error {
		call := a.svc.Users.Messages.List(a.user).
			IncludeSpamTrash(false).
			MaxResults(int64(pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return sync.MessagePage{}, err
	}

	page.IDs = make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	page.NextPageToken = resp.NextPageToken
	return page, nil
}

// GetMessage fetches a message in full format
func (a *Adapter) GetMessage(ctx context.Context, id string) (sync.RemoteMessage, error) {
	var msg *gmail.Message
	err := a.call(ctx, "get message", func() error {
		var err error
		msg, err = a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return sync.RemoteMessage{}, err
	}
	return sync.RemoteMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Payload:  convertPart(msg.Payload),
	}, nil
}

// GetAttachment fetches an attachment body, base64url encoded
func (a *Adapter) GetAttachment(ctx context.Context, messageID, handle string) (string, error) {
	var body *gmail.MessagePartBody
	err := a.call(ctx, "get attachment", func() error {
		var err error
		body, err = a.svc.Users.Messages.Attachments.Get(a.user, messageID, handle).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return body.Data, nil
}

// call rate-limits fn and runs it through the circuit breaker.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gmail %s: %w", op, err)
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("gmail %s: %w", op, err)
	}
	return nil
}

// convertPart maps the Gmail payload tree onto the mime part tree.
func convertPart(p *gmail.MessagePart) *mime.Part {
	if p == nil {
		return nil
	}
	part := &mime.Part{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mime.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = mime.PartBody{
			AttachmentID: p.Body.AttachmentId,
			Size:         p.Body.Size,
			Data:         p.Body.Data,
		}
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			part.Parts = append(part.Parts, c)
		}
	}
	return part
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func formatHistoryID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

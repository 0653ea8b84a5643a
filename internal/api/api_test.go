package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/auth"
	"github.com/Martian-dev/mail-archiver/internal/lock"
	"github.com/Martian-dev/mail-archiver/internal/logging"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackfiller struct {
	res   sync.BackfillResult
	err   error
	calls int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, mailboxID string) (sync.BackfillResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeVerifier struct{}

func (fakeVerifier) PrincipalFromRequest(r *http.Request) (*auth.Principal, error) {
	if r.Header.Get("Authorization") != "Bearer good" {
		return nil, errors.New("bad token")
	}
	return &auth.Principal{ID: "user-1"}, nil
}

func newTestServer(t *testing.T) (*Server, *archive.Store) {
	t.Helper()
	st, err := archive.Open(":memory:")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Server{
		Archive:   st,
		Syncer:    &fakeBackfiller{},
		MailboxID: "inbox",
		Log:       logging.Discard(),
	}, st
}

func seed(t *testing.T, st *archive.Store) {
	t.Helper()
	day := func(s string) *time.Time {
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatal(err)
		}
		return &d
	}
	msgs := []archive.ArchivedMessage{
		{ExternalID: "m1", ThreadID: "t1", Subject: "Invoice March", Sender: "billing@acme.com", EmailDate: day("2024-03-01T09:00:00Z"),
			Attachments: []archive.AttachmentRef{{Name: "inv.pdf", MimeType: "application/pdf", Size: 10, BlobRef: "b1"}}},
		{ExternalID: "m2", ThreadID: "t1", Subject: "Re: Invoice March", Sender: "me@example.com", EmailDate: day("2024-03-02T18:30:00Z")},
		{ExternalID: "m3", ThreadID: "t2", Subject: "Lunch", Sender: "bob@example.com", EmailDate: day("2024-03-05T12:00:00Z")},
	}
	for i := range msgs {
		if _, err := st.InsertIfAbsent(context.Background(), &msgs[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func do(t *testing.T, r http.Handler, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestListEmails(t *testing.T) {
	s, st := newTestServer(t)
	seed(t, st)
	r := s.Router()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
		wantTotal  int
		wantPages  int
	}{
		{"defaults newest first", "", 200, []string{"m3", "m2", "m1"}, 3, 1},
		{"search", "?search=invoice", 200, []string{"m2", "m1"}, 2, 1},
		{"date-only end covers the day", "?startDate=2024-03-02&endDate=2024-03-02", 200, []string{"m2"}, 1, 1},
		{"attachments", "?hasAttachments=true", 200, []string{"m1"}, 1, 1},
		{"sender", "?sender=bob", 200, []string{"m3"}, 1, 1},
		{"thread", "?threadId=t1&limit=1&page=2", 200, []string{"m1"}, 2, 2},
		{"page past end", "?page=5", 200, []string{}, 3, 1},
		{"bad page", "?page=0", 400, nil, 0, 0},
		{"bad limit", "?limit=abc", 400, nil, 0, 0},
		{"limit too large", "?limit=10000", 400, nil, 0, 0},
		{"bad date", "?startDate=yesterday", 400, nil, 0, 0},
		{"reversed range", "?startDate=2024-03-05&endDate=2024-03-01", 400, nil, 0, 0},
		{"bad bool", "?hasAttachments=maybe", 400, nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodGet, "/emails"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != 200 {
				return
			}

			var body listResponse
			decode(t, w, &body)
			if len(body.Emails) != len(tt.wantIDs) {
				t.Fatalf("got %d emails, want %v", len(body.Emails), tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if body.Emails[i].ExternalID != id {
					t.Errorf("emails[%d] = %s, want %s", i, body.Emails[i].ExternalID, id)
				}
			}
			if body.Pagination.Total != tt.wantTotal || body.Pagination.TotalPages != tt.wantPages {
				t.Errorf("pagination = %+v, want total %d pages %d", body.Pagination, tt.wantTotal, tt.wantPages)
			}
		})
	}
}

func TestGetEmailAndThread(t *testing.T) {
	s, st := newTestServer(t)
	seed(t, st)
	r := s.Router()

	w := do(t, r, http.MethodGet, "/emails/m1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m archive.ArchivedMessage
	decode(t, w, &m)
	if m.ExternalID != "m1" || len(m.Attachments) != 1 {
		t.Fatalf("email = %+v", m)
	}

	if w := do(t, r, http.MethodGet, "/emails/missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing email status = %d", w.Code)
	}

	w = do(t, r, http.MethodGet, "/threads/t1")
	var thread struct {
		Emails []archive.ArchivedMessage `json:"emails"`
	}
	decode(t, w, &thread)
	if len(thread.Emails) != 2 || thread.Emails[0].ExternalID != "m1" {
		t.Fatalf("thread = %+v", thread.Emails)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		res        sync.BackfillResult
		err        error
		wantStatus int
		wantField  string
		wantValue  float64
	}{
		{"success", http.MethodPost, sync.BackfillResult{Processed: 4, Skipped: 2}, nil, 200, "processed", 4},
		{"get alias", http.MethodGet, sync.BackfillResult{Processed: 1}, nil, 200, "processed", 1},
		{"upstream failure keeps partial count", http.MethodPost, sync.BackfillResult{Processed: 3}, errors.New("list page: 503"), 502, "processed", 3},
		{"locked", http.MethodPost, sync.BackfillResult{}, lock.ErrLocked, 409, "", 0},
		{"unknown mailbox", http.MethodPost, sync.BackfillResult{}, fmt.Errorf("%w: inbox", sync.ErrUnknownMailbox), 404, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			bf := &fakeBackfiller{res: tt.res, err: tt.err}
			s.Syncer = bf

			w := do(t, s.Router(), tt.method, "/emails/archive")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if bf.calls != 1 {
				t.Fatalf("backfill calls = %d", bf.calls)
			}
			if tt.wantField == "" {
				return
			}
			var body map[string]interface{}
			decode(t, w, &body)
			if body[tt.wantField] != tt.wantValue {
				t.Fatalf("%s = %v, want %v", tt.wantField, body[tt.wantField], tt.wantValue)
			}
		})
	}
}

func TestStatsStatusHealth(t *testing.T) {
	s, st := newTestServer(t)
	seed(t, st)
	r := s.Router()

	var stats archive.Stats
	decode(t, do(t, r, http.MethodGet, "/emails/stats"), &stats)
	if stats.TotalCount != 3 || stats.CountWithAttachments != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var status map[string]string
	decode(t, do(t, r, http.MethodGet, "/emails/status"), &status)
	if status["status"] != "operational" {
		t.Fatalf("status = %v", status)
	}

	if w := do(t, r, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestAuthGuard(t *testing.T) {
	s, _ := newTestServer(t)
	s.Verifier = fakeVerifier{}
	r := s.Router()

	if w := do(t, r, http.MethodGet, "/emails"); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/emails", "Authorization", "Bearer good"); w.Code != http.StatusOK {
		t.Fatalf("good token status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/threads/t1", "Authorization", "Bearer bad"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", w.Code)
	}
	// health stays open for liveness checks
	if w := do(t, r, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}

package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	// DefaultOutboxSubject is the NATS subject archived-message events are queued under.
	DefaultOutboxSubject = "archive.email.archived"

	eventTypeArchived = "email.archived"
)

// Store is the SQLite-backed archive: messages, sync checkpoints and the event outbox.
type Store struct {
	db            *sqlx.DB
	outbox        bool
	outboxSubject string
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOutbox queues an event row for every newly archived message, in the
// same transaction as the insert.
func WithOutbox(subject string) Option {
	return func(s *Store) {
		s.outbox = true
		if subject != "" {
			s.outboxSubject = subject
		}
	}
}

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the archive database at dbPath and applies pending migrations.
// ":memory:" opens a private in-memory database on a single connection.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := registerFuncs(); err != nil {
		return nil, fmt.Errorf("registering sql functions: %w", err)
	}
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{
		db:            db,
		outboxSubject: DefaultOutboxSubject,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const insertMessageSQL = `
	INSERT INTO messages (
		id, external_id, thread_id, subject, sender,
		recipients, cc, bcc, in_reply_to, refs,
		thread_index, thread_topic, body, attachments, attachment_count,
		headers, email_date, received_at, created_at, updated_at
	) VALUES (
		:id, :external_id, :thread_id, :subject, :sender,
		:recipients, :cc, :bcc, :in_reply_to, :refs,
		:thread_index, :thread_topic, :body, :attachments, :attachment_count,
		:headers, :email_date, :received_at, :created_at, :updated_at
	)
	ON CONFLICT(external_id) DO NOTHING`

// InsertIfAbsent archives m unless a message with the same ExternalID exists.
// The unique key decides the outcome, so concurrent callers race safely.
// On insert, m's ID and bookkeeping timestamps are filled in.
func (s *Store) InsertIfAbsent(ctx context.Context, m *ArchivedMessage) (bool, error) {
	if m == nil || m.ExternalID == "" {
		return false, errors.New("archive: external id is required")
	}

	rec := *m
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	rec.ReceivedAt, rec.CreatedAt, rec.UpdatedAt = now, now, now

	row, err := toRow(&rec)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, insertMessageSQL, row)
	if err != nil {
		return false, fmt.Errorf("inserting message %s: %w", rec.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading insert result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if s.outbox {
		if err := s.appendOutboxTx(ctx, tx, &rec); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message %s: %w", rec.ExternalID, err)
	}
	*m = rec
	return true, nil
}

// FindByExternalID returns the archived message with the given remote id.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*ArchivedMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+messageColumns+" FROM messages WHERE external_id = ?", externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", externalID, err)
	}
	msg, err := row.toMessage()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindByThread returns the thread's messages, oldest first.
func (s *Store) FindByThread(ctx context.Context, threadID string) ([]ArchivedMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+messageColumns+" FROM messages WHERE thread_id = ? ORDER BY email_date ASC, created_at ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}
	return toMessages(rows)
}

// Stats summarizes the archive contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.TotalCount, "SELECT COUNT(*) FROM messages"); err != nil {
		return Stats{}, fmt.Errorf("counting messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.CountWithAttachments,
		"SELECT COUNT(*) FROM messages WHERE attachment_count > 0"); err != nil {
		return Stats{}, fmt.Errorf("counting messages with attachments: %w", err)
	}
	st.TopSenders = []SenderCount{}
	if err := s.db.SelectContext(ctx, &st.TopSenders, `
		SELECT sender, COUNT(*) AS count
		FROM messages
		GROUP BY sender
		ORDER BY count DESC, sender ASC
		LIMIT 10`); err != nil {
		return Stats{}, fmt.Errorf("ranking senders: %w", err)
	}
	return st, nil
}

func (s *Store) appendOutboxTx(ctx context.Context, tx *sqlx.Tx, m *ArchivedMessage) error {
	now := s.now().Unix()
	event := map[string]interface{}{
		"event_id":         uuid.NewString(),
		"ts":               now,
		"type":             eventTypeArchived,
		"id":               m.ID,
		"external_id":      m.ExternalID,
		"thread_id":        m.ThreadID,
		"subject":          m.Subject,
		"sender":           m.Sender,
		"attachment_count": len(m.Attachments),
	}
	if m.EmailDate != nil {
		event["email_date"] = m.EmailDate.Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding outbox event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		now, s.outboxSubject, eventTypeArchived, payload,
		fmt.Sprintf("%s|%s", eventTypeArchived, m.ExternalID), now)
	if err != nil {
		return fmt.Errorf("inserting outbox entry: %w", err)
	}
	return nil
}

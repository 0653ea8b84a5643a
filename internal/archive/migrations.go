package archive

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	external_id      TEXT NOT NULL UNIQUE,
	thread_id        TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	sender           TEXT NOT NULL DEFAULT '',
	recipients       TEXT NOT NULL DEFAULT '[]',
	cc               TEXT NOT NULL DEFAULT '[]',
	bcc              TEXT NOT NULL DEFAULT '[]',
	in_reply_to      TEXT,
	refs             TEXT NOT NULL DEFAULT '[]',
	thread_index     TEXT,
	thread_topic     TEXT,
	body             TEXT NOT NULL DEFAULT '',
	attachments      TEXT NOT NULL DEFAULT '[]',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	headers          TEXT NOT NULL DEFAULT '{}',
	email_date       INTEGER,
	received_at      INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_email_date ON messages(email_date);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);

CREATE TABLE IF NOT EXISTS sync_state (
	mailbox_id     TEXT PRIMARY KEY,
	cursor         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

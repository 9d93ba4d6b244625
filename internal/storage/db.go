package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"apqueue/internal"
)

const (
	KeyQueueItems    = "queue.items"
	KeyQueueActivity = "queue.activity"
	KeyQueueDone     = "queue.processed"
	KeySettings      = "settings.raw"
	KeyVendors       = "vendors"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(`PRAGMA synchronous = FULL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  threadId TEXT,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
`

	_, err := d.conn.Exec(schema)
	return err
}

// Get returns the stored value for key. A missing key is not an error.
func (d *DB) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := d.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (d *DB) Put(key string, value []byte) error {
	_, err := d.conn.Exec(`
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

// PutMany writes all entries in one transaction so readers never observe a
// partial update.
func (d *DB) PutMany(entries map[string][]byte) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, value := range entries {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (d *DB) Delete(key string) error {
	_, err := d.conn.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (d *DB) DeleteAll() error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM kv`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) UpsertMessage(msg internal.MessageRow) (internal.MessageRow, error) {
	status := msg.Status
	if status == "" {
		status = "fetched"
	}
	_, err := d.conn.Exec(`
INSERT INTO messages (provider, messageId, threadId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  threadId=excluded.threadId,
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, msg.Provider, msg.MessageID, msg.ThreadID, msg.Subject, msg.Sender, msg.ReceivedAt, msg.Hash, status, msg.RawRef)
	if err != nil {
		return internal.MessageRow{}, err
	}

	row, err := d.GetMessage(msg.Provider, msg.MessageID)
	if err != nil {
		return internal.MessageRow{}, err
	}
	if row == nil {
		return internal.MessageRow{}, errors.New("failed to upsert message")
	}
	return *row, nil
}

func (d *DB) GetMessage(provider, messageID string) (*internal.MessageRow, error) {
	var row internal.MessageRow
	err := d.conn.QueryRow(`
SELECT id, provider, messageId, COALESCE(threadId, ''), COALESCE(subject, ''), COALESCE(sender, ''), COALESCE(receivedAt, ''), hash, status, rawRef
FROM messages WHERE provider = ? AND messageId = ?
`, provider, messageID).Scan(
		&row.ID, &row.Provider, &row.MessageID, &row.ThreadID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListMessagesByStatus(status string, limit int) ([]internal.MessageRow, error) {
	rows, err := d.conn.Query(`
SELECT id, provider, messageId, COALESCE(threadId, ''), COALESCE(subject, ''), COALESCE(sender, ''), COALESCE(receivedAt, ''), hash, status, rawRef
FROM messages WHERE status = ? ORDER BY receivedAt ASC LIMIT ?
`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.MessageRow
	for rows.Next() {
		var row internal.MessageRow
		if err := rows.Scan(&row.ID, &row.Provider, &row.MessageID, &row.ThreadID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateMessageStatus(id int, status string) error {
	_, err := d.conn.Exec(`UPDATE messages SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

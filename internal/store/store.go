// Package store persists paid messages in SQLite so monetized history
// survives restarts. The hub treats every operation as best-effort: failures
// are logged by the caller and never roll back in-memory state.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/stream-nexus/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS paid_messages (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  sent_at INTEGER NOT NULL,
  received_at INTEGER NOT NULL,
  message TEXT NOT NULL,
  emojis TEXT NOT NULL DEFAULT '[]',
  username TEXT NOT NULL,
  avatar TEXT NOT NULL,
  amount REAL NOT NULL,
  currency TEXT NOT NULL,
  is_verified INTEGER NOT NULL DEFAULT 0,
  is_sub INTEGER NOT NULL DEFAULT 0,
  is_mod INTEGER NOT NULL DEFAULT 0,
  is_owner INTEGER NOT NULL DEFAULT 0,
  is_staff INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_received_at ON paid_messages(received_at DESC);`

const selectColumns = `id, platform, sent_at, received_at, message, emojis, username, avatar,
amount, currency, is_verified, is_sub, is_mod, is_owner, is_staff`

// Store wraps the single SQLite handle. database/sql serializes concurrent
// access, which is all the hub's usage pattern requires.
type Store struct {
	db *sql.DB
}

// pragmas are applied on every open. WAL with relaxed sync keeps writers off
// the read path; the busy timeout covers checkpointing stalls.
var pragmas = []string{
	"journal_mode=wal",
	"synchronous=NORMAL",
	"busy_timeout=5000",
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p + ";"); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "pragma %s", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

// Upsert inserts or replaces one paid message.
func (s *Store) Upsert(msg core.ChatMessage) error {
	emojis, err := json.Marshal(msg.Emojis)
	if err != nil {
		return errors.Wrap(err, "encode emojis")
	}
	const q = `INSERT OR REPLACE INTO paid_messages
(id, platform, sent_at, received_at, message, emojis, username, avatar,
 amount, currency, is_verified, is_sub, is_mod, is_owner, is_staff)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err = s.db.Exec(q, msg.ID.String(), msg.Platform, msg.SentAt, msg.ReceivedAt,
		msg.Message, string(emojis), msg.Username, msg.Avatar,
		msg.Amount, msg.Currency,
		boolInt(msg.IsVerified), boolInt(msg.IsSub), boolInt(msg.IsMod),
		boolInt(msg.IsOwner), boolInt(msg.IsStaff))
	return errors.Wrap(err, "upsert paid message")
}

// Get returns the message with the given id, or (nil, nil) when absent.
func (s *Store) Get(id uuid.UUID) (*core.ChatMessage, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM paid_messages WHERE id = ?;`, id.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paid message")
	}
	return &msg, nil
}

// Delete removes the message with the given id and reports whether a row
// actually existed.
func (s *Store) Delete(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM paid_messages WHERE id = ?;`, id.String())
	if err != nil {
		return false, errors.Wrap(err, "delete paid message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete rows affected")
	}
	return n > 0, nil
}

// ListSinceHours returns messages received within the last hours, ascending
// by receipt time. hours <= 0 lists everything.
func (s *Store) ListSinceHours(hours int) ([]core.ChatMessage, error) {
	if hours <= 0 {
		return s.ListAll()
	}
	cutoff := time.Now().UnixMilli() - int64(hours)*int64(time.Hour/time.Millisecond)
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM paid_messages
WHERE received_at >= ? ORDER BY received_at ASC;`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list paid messages")
	}
	return collect(rows)
}

// ListAll returns every stored message, ascending by receipt time.
func (s *Store) ListAll() ([]core.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM paid_messages ORDER BY received_at ASC;`)
	if err != nil {
		return nil, errors.Wrap(err, "list all paid messages")
	}
	return collect(rows)
}

// CleanupOlderThan deletes messages received more than hours ago and returns
// the number removed.
func (s *Store) CleanupOlderThan(hours int) (int64, error) {
	cutoff := time.Now().UnixMilli() - int64(hours)*int64(time.Hour/time.Millisecond)
	res, err := s.db.Exec(`DELETE FROM paid_messages WHERE received_at < ?;`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup paid messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rows affected")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (core.ChatMessage, error) {
	var (
		msg      core.ChatMessage
		idStr    string
		emojis   string
		verified int
		sub      int
		mod      int
		owner    int
		staff    int
	)
	err := row.Scan(&idStr, &msg.Platform, &msg.SentAt, &msg.ReceivedAt,
		&msg.Message, &emojis, &msg.Username, &msg.Avatar,
		&msg.Amount, &msg.Currency, &verified, &sub, &mod, &owner, &staff)
	if err != nil {
		return msg, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		id = uuid.New()
	}
	msg.ID = id
	if err := json.Unmarshal([]byte(emojis), &msg.Emojis); err != nil {
		msg.Emojis = nil
	}
	msg.IsVerified = verified != 0
	msg.IsSub = sub != 0
	msg.IsMod = mod != 0
	msg.IsOwner = owner != 0
	msg.IsStaff = staff != 0
	return msg, nil
}

func collect(rows *sql.Rows) ([]core.ChatMessage, error) {
	defer rows.Close()
	var out []core.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paid message")
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate paid messages")
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_states (
	user_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	conversation_kind TEXT NOT NULL,
	current_step TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, chat_id, conversation_kind)
);
CREATE INDEX IF NOT EXISTS idx_conversation_states_expires ON conversation_states(expires_at);`

// SQLiteTier is the embedded secondary tier. It survives restarts of this
// process but is not shared with other instances.
type SQLiteTier struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the secondary tier database.
func OpenSQLite(path string) (*SQLiteTier, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer avoids SQLITE_BUSY between goroutines of this process
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteTier{db: db}, nil
}

func (s *SQLiteTier) Name() TierName { return TierSecondary }

func (s *SQLiteTier) Put(ctx context.Context, rec Record) error {
	payload, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversation_states (user_id, chat_id, conversation_kind, current_step, data, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, chat_id, conversation_kind) DO UPDATE SET
	current_step = excluded.current_step,
	data = excluded.data,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at`,
		rec.Key.UserID, rec.Key.ChatID, rec.Key.Kind, rec.Step, payload,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	return tierErr(TierSecondary, "upsert", err)
}

func (s *SQLiteTier) Get(ctx context.Context, key Key, now time.Time) (Record, bool, error) {
	var (
		rec                         = Record{Key: key}
		payload                     string
		created, updated, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT current_step, data, created_at, updated_at, expires_at
FROM conversation_states
WHERE user_id = ? AND chat_id = ? AND conversation_kind = ? AND expires_at > ?`,
		key.UserID, key.ChatID, key.Kind, now.UnixNano()).Scan(&rec.Step, &payload, &created, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, tierErr(TierSecondary, "get", err)
	}
	if err := decodeData([]byte(payload), &rec); err != nil {
		return Record{}, false, tierErr(TierSecondary, "decode", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return rec, true, nil
}

func (s *SQLiteTier) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE user_id = ? AND chat_id = ? AND conversation_kind = ?`,
		key.UserID, key.ChatID, key.Kind)
	return tierErr(TierSecondary, "delete", err)
}

func (s *SQLiteTier) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, tierErr(TierSecondary, "sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tierErr(TierSecondary, "sweep", err)
	}
	return int(n), nil
}

// Count returns the number of rows stored for key, expired or not.
func (s *SQLiteTier) Count(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_states WHERE user_id = ? AND chat_id = ? AND conversation_kind = ?`,
		key.UserID, key.ChatID, key.Kind).Scan(&n)
	return n, err
}

func (s *SQLiteTier) Close() error { return s.db.Close() }

func encodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode state data: %w", err)
	}
	return string(b), nil
}

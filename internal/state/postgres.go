package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresTier is the primary tier. It is the only tier shared between
// service instances.
type PostgresTier struct {
	DB *sql.DB
}

// OpenPostgres opens a lib/pq connection pool for the primary tier.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresTier, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		// The pool stays usable: the tier reports itself unavailable per call
		// and the store falls back until the database comes back.
		return &PostgresTier{DB: db}, tierErr(TierPrimary, "ping", err)
	}
	return &PostgresTier{DB: db}, nil
}

func (p *PostgresTier) Name() TierName { return TierPrimary }

func (p *PostgresTier) Put(ctx context.Context, rec Record) error {
	payload, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	_, err = p.DB.ExecContext(ctx, `
INSERT INTO conversation_states (user_id, chat_id, conversation_kind, current_step, data, created_at, updated_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (user_id, chat_id, conversation_kind) DO UPDATE SET
  current_step = EXCLUDED.current_step,
  data = EXCLUDED.data,
  updated_at = EXCLUDED.updated_at,
  expires_at = EXCLUDED.expires_at
`, rec.Key.UserID, rec.Key.ChatID, rec.Key.Kind, rec.Step, payload, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	return tierErr(TierPrimary, "upsert", err)
}

func (p *PostgresTier) Get(ctx context.Context, key Key, now time.Time) (Record, bool, error) {
	var (
		rec     = Record{Key: key}
		payload []byte
	)
	err := p.DB.QueryRowContext(ctx, `
SELECT current_step, data, created_at, updated_at, expires_at
FROM conversation_states
WHERE user_id=$1 AND chat_id=$2 AND conversation_kind=$3 AND expires_at > $4
`, key.UserID, key.ChatID, key.Kind, now).Scan(&rec.Step, &payload, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, tierErr(TierPrimary, "get", err)
	}
	if err := decodeData(payload, &rec); err != nil {
		return Record{}, false, tierErr(TierPrimary, "decode", err)
	}
	return rec, true, nil
}

func (p *PostgresTier) Delete(ctx context.Context, key Key) error {
	_, err := p.DB.ExecContext(ctx, `DELETE FROM conversation_states WHERE user_id=$1 AND chat_id=$2 AND conversation_kind=$3`,
		key.UserID, key.ChatID, key.Kind)
	return tierErr(TierPrimary, "delete", err)
}

func (p *PostgresTier) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM conversation_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, tierErr(TierPrimary, "sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tierErr(TierPrimary, "sweep", err)
	}
	return int(n), nil
}

func (p *PostgresTier) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}

func decodeData(payload []byte, rec *Record) error {
	rec.Data = map[string]any{}
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, &rec.Data)
}

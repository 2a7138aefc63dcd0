package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/rivet/internal/flow"
	"github.com/mohammad-safakhou/rivet/internal/state"
)

// KindAddMachine is the dialog kind whose completed data lands in machines.
const KindAddMachine = "add_machine"

const uniqueViolation = "23505"

var (
	ErrUnsupportedKind  = errors.New("store: dialog kind has no finalizer")
	ErrUnsupportedField = errors.New("store: field is not checked for uniqueness")
)

// Store persists finalized dialogs in Postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Machine is a registered piece of equipment.
type Machine struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	ChatID       int64     `json:"chat_id"`
	Nickname     string    `json:"nickname"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Location     string    `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// unique columns, matched case-insensitively (see machines_user_nickname_idx)
var uniqueColumns = map[string]string{
	"nickname": "nickname",
}

// Exists implements flow.UniquenessChecker.
func (s *Store) Exists(ctx context.Context, scope flow.Scope, value string) (bool, error) {
	if scope.Kind != KindAddMachine {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedKind, scope.Kind)
	}
	col, ok := uniqueColumns[scope.Field]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedField, scope.Field)
	}
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM machines WHERE user_id=$1 AND lower(` + col + `)=lower($2))`
	if err := s.DB.QueryRowContext(ctx, q, scope.UserID, strings.TrimSpace(value)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", scope.Field, err)
	}
	return exists, nil
}

// Commit implements flow.Finalizer for add_machine dialogs.
func (s *Store) Commit(ctx context.Context, key state.Key, data map[string]any) (string, error) {
	if key.Kind != KindAddMachine {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, key.Kind)
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO machines (id, user_id, chat_id, nickname, manufacturer, model, serial_number, location)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, key.UserID, key.ChatID,
		text(data, "nickname"), nullText(data, "manufacturer"), nullText(data, "model"),
		nullText(data, "serial_number"), nullText(data, "location"))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return "", &flow.ConflictError{Field: "nickname", Value: text(data, "nickname")}
		}
		return "", fmt.Errorf("insert machine: %w", err)
	}
	return id, nil
}

// ListMachines returns the user's machines, newest first.
func (s *Store) ListMachines(ctx context.Context, userID int64) ([]Machine, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, chat_id, nickname, COALESCE(manufacturer,''), COALESCE(model,''), COALESCE(serial_number,''), COALESCE(location,''), created_at
FROM machines WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &m.Nickname, &m.Manufacturer, &m.Model, &m.SerialNumber, &m.Location, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func text(data map[string]any, field string) string {
	if v, ok := data[field].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func nullText(data map[string]any, field string) sql.NullString {
	v := text(data, field)
	return sql.NullString{String: v, Valid: v != ""}
}

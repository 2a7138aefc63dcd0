package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/rivet/internal/flow"
	"github.com/mohammad-safakhou/rivet/internal/state"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestExistsNickname(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM machines WHERE user_id=\$1 AND lower\(nickname\)=lower\(\$2\)\)`).
		WithArgs(int64(42), "Press 1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := st.Exists(context.Background(), flow.Scope{UserID: 42, Kind: KindAddMachine, Field: "nickname"}, " Press 1 ")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected nickname to exist")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExistsRejectsUnknownField(t *testing.T) {
	st, _ := newMock(t)
	_, err := st.Exists(context.Background(), flow.Scope{UserID: 42, Kind: KindAddMachine, Field: "location; DROP"}, "x")
	if !errors.Is(err, ErrUnsupportedField) {
		t.Fatalf("expected ErrUnsupportedField, got %v", err)
	}
	_, err = st.Exists(context.Background(), flow.Scope{UserID: 42, Kind: "add_part", Field: "nickname"}, "x")
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestCommitInsertsMachine(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO machines`).
		WithArgs(sqlmock.AnyArg(), int64(42), int64(7), "Press 1",
			"Grundfos", nil, "SN-001", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := st.Commit(context.Background(), state.Key{UserID: 42, ChatID: 7, Kind: KindAddMachine}, map[string]any{
		"nickname":      "Press 1",
		"manufacturer":  "Grundfos",
		"model":         nil,
		"serial_number": "SN-001",
	})
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitStoresSkippedSerialAsNull(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO machines`).
		WithArgs(sqlmock.AnyArg(), int64(42), int64(7), "Press 2",
			"Grundfos", "CR 10", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := st.Commit(context.Background(), state.Key{UserID: 42, ChatID: 7, Kind: KindAddMachine}, map[string]any{
		"nickname":      "Press 2",
		"manufacturer":  "Grundfos",
		"model":         "CR 10",
		"serial_number": nil,
		"location":      nil,
	})
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitMapsUniqueViolation(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO machines`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "machines_user_nickname_idx"})

	_, err := st.Commit(context.Background(), state.Key{UserID: 42, ChatID: 7, Kind: KindAddMachine}, map[string]any{
		"nickname":      "Press 1",
		"serial_number": "SN-001",
	})
	var conflict *flow.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Field != "nickname" || conflict.Value != "Press 1" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestCommitWrapsOtherErrors(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO machines`).WillReturnError(sql.ErrConnDone)

	_, err := st.Commit(context.Background(), state.Key{UserID: 42, ChatID: 7, Kind: KindAddMachine}, map[string]any{"nickname": "a", "serial_number": "b"})
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	var conflict *flow.ConflictError
	if errors.As(err, &conflict) {
		t.Fatalf("driver error must not look like a conflict")
	}
}

func TestListMachines(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, chat_id, nickname`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "chat_id", "nickname", "manufacturer", "model", "serial_number", "location", "created_at"}).
			AddRow("m1", 42, 7, "Press 1", "Grundfos", "", "SN-001", "", now))

	got, err := st.ListMachines(context.Background(), 42)
	if err != nil {
		t.Fatalf("ListMachines returned error: %v", err)
	}
	if len(got) != 1 || got[0].Nickname != "Press 1" || got[0].Manufacturer != "Grundfos" {
		t.Fatalf("unexpected machines %+v", got)
	}
}

package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPGStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPGStore(db), mock
}

func TestPGStoreGetClient(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Now()

	mock.ExpectQuery(`select .+ from clients where client_id`).
		WithArgs("payroll").
		WillReturnRows(sqlmock.NewRows([]string{
			"client_id", "name", "base_domain", "platform", "description", "active", "created_at", "updated_at",
		}).AddRow("payroll", "Payroll", "https://payroll.example", "web", "", true, now, now))

	c, err := store.GetClient(context.Background(), "payroll")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if c.ClientID != "payroll" || c.Platform != PlatformWeb || !c.Active {
		t.Fatalf("client = %+v", c)
	}
}

func TestPGStoreGetClientNotFound(t *testing.T) {
	store, mock := newMockPGStore(t)

	mock.ExpectQuery(`select .+ from clients where client_id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"client_id", "name", "base_domain", "platform", "description", "active", "created_at", "updated_at",
		}))

	if _, err := store.GetClient(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreSaveSessionTransaction(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Now()
	sess := Session{
		ID:              "s1",
		UserID:          "u1",
		ActiveClients:   map[string]bool{"app-a": true, "dropped": false},
		CreatedAt:       now,
		LastRefreshedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into sessions`).
		WithArgs("s1", "u1", now, now, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from session_clients where session_id`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Only active entries are re-inserted.
	mock.ExpectExec(`insert into session_clients`).
		WithArgs("s1", "app-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
}

func TestPGStoreSaveSessionRollsBackOnError(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Now()
	sess := Session{ID: "s1", UserID: "u1", CreatedAt: now, LastRefreshedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into sessions`).
		WithArgs("s1", "u1", now, now, false).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := store.SaveSession(context.Background(), sess); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPGStoreIsActive(t *testing.T) {
	store, mock := newMockPGStore(t)

	mock.ExpectQuery(`select exists`).
		WithArgs("s1", "app-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	active, err := store.IsActive(context.Background(), "s1", "app-a")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if !active {
		t.Fatalf("want active")
	}

	mock.ExpectQuery(`select exists`).
		WithArgs("s1", "app-b").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	active, err = store.IsActive(context.Background(), "s1", "app-b")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatalf("want inactive")
	}
}

func TestPGStoreRevokeSessionRefreshTokens(t *testing.T) {
	store, mock := newMockPGStore(t)

	mock.ExpectExec(`update refresh_tokens set revoked = true`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.RevokeSessionRefreshTokens(context.Background(), "s1"); err != nil {
		t.Fatalf("RevokeSessionRefreshTokens: %v", err)
	}
}

func TestPGStoreGetRefreshTokenNotFound(t *testing.T) {
	store, mock := newMockPGStore(t)

	mock.ExpectQuery(`select .+ from refresh_tokens where id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "user_id", "client_id", "issued_at", "expires_at", "parent_id", "rotated", "revoked",
		}))

	if _, err := store.GetRefreshToken(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreGC(t *testing.T) {
	store, mock := newMockPGStore(t)
	cutoff := time.Now()

	mock.ExpectExec(`delete from sessions where last_refreshed_at`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := store.DeleteExpiredSessions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}

	mock.ExpectExec(`delete from refresh_tokens where expires_at`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = store.DeleteExpiredRefreshTokens(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteExpiredRefreshTokens: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
}

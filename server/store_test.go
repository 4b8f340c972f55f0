package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSessionIndex(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for _, sess := range []Session{
		{ID: "s1", UserID: "u1", ActiveClients: map[string]bool{"a": true}, LastRefreshedAt: now},
		{ID: "s2", UserID: "u1", ActiveClients: map[string]bool{"b": true}, LastRefreshedAt: now},
		{ID: "s3", UserID: "u2", ActiveClients: map[string]bool{"a": true}, LastRefreshedAt: now},
	} {
		if err := store.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	sessions, err := store.SessionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SessionsForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("u1 sessions = %d, want 2", len(sessions))
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	sessions, _ = store.SessionsForUser(ctx, "u1")
	if len(sessions) != 1 || sessions[0].ID != "s2" {
		t.Fatalf("index not maintained after delete: %+v", sessions)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSessionIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := Session{ID: "s1", UserID: "u1", ActiveClients: map[string]bool{"a": true}}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// Mutating a fetched copy must not leak into the stored record.
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	got.ActiveClients["b"] = true

	active, err := store.IsActive(ctx, "s1", "b")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatalf("stored session shares map with caller copies")
	}
}

func TestMemoryStoreIsActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveSession(ctx, Session{
		ID: "s1", UserID: "u1",
		ActiveClients: map[string]bool{"a": true},
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	cases := []struct {
		sessionID, clientID string
		want                bool
	}{
		{"s1", "a", true},
		{"s1", "b", false},
		{"missing", "a", false},
	}
	for _, tc := range cases {
		got, err := store.IsActive(ctx, tc.sessionID, tc.clientID)
		if err != nil {
			t.Fatalf("IsActive(%s,%s): %v", tc.sessionID, tc.clientID, err)
		}
		if got != tc.want {
			t.Fatalf("IsActive(%s,%s) = %v, want %v", tc.sessionID, tc.clientID, got, tc.want)
		}
	}

	// A revoked session answers false for every client.
	if err := store.SaveSession(ctx, Session{
		ID: "s1", UserID: "u1",
		ActiveClients: map[string]bool{"a": true},
		Revoked:       true,
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if active, _ := store.IsActive(ctx, "s1", "a"); active {
		t.Fatalf("revoked session reported active")
	}
}

func TestMemoryStoreRevokeSessionRefreshTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, rt := range []RefreshTokenRecord{
		{ID: "r1", SessionID: "s1"},
		{ID: "r2", SessionID: "s1"},
		{ID: "r3", SessionID: "s2"},
	} {
		if err := store.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken: %v", err)
		}
	}

	if err := store.RevokeSessionRefreshTokens(ctx, "s1"); err != nil {
		t.Fatalf("RevokeSessionRefreshTokens: %v", err)
	}
	for id, wantRevoked := range map[string]bool{"r1": true, "r2": true, "r3": false} {
		rt, err := store.GetRefreshToken(ctx, id)
		if err != nil {
			t.Fatalf("GetRefreshToken(%s): %v", id, err)
		}
		if rt.Revoked != wantRevoked {
			t.Fatalf("%s revoked = %v, want %v", id, rt.Revoked, wantRevoked)
		}
	}
}

func TestMemoryStoreGC(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.SaveSession(ctx, Session{ID: "old", UserID: "u1", ActiveClients: map[string]bool{}, LastRefreshedAt: now.Add(-48 * time.Hour)})
	_ = store.SaveSession(ctx, Session{ID: "live", UserID: "u1", ActiveClients: map[string]bool{}, LastRefreshedAt: now})
	_ = store.SaveRefreshToken(ctx, RefreshTokenRecord{ID: "stale", SessionID: "old", ExpiresAt: now.Add(-time.Hour)})
	_ = store.SaveRefreshToken(ctx, RefreshTokenRecord{ID: "fresh", SessionID: "live", ExpiresAt: now.Add(time.Hour)})

	n, err := store.DeleteExpiredSessions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d sessions, want 1", n)
	}
	if _, err := store.GetSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session survived gc")
	}
	if _, err := store.GetSession(ctx, "live"); err != nil {
		t.Fatalf("live session removed by gc: %v", err)
	}

	n, err = store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredRefreshTokens: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d refresh tokens, want 1", n)
	}
	if _, err := store.GetRefreshToken(ctx, "fresh"); err != nil {
		t.Fatalf("live refresh token removed by gc: %v", err)
	}
}

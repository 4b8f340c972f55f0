package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists sessions, refresh-token state, trusted devices, and the
// client registry. Implementations must make single-record operations
// atomic; cross-record read-modify-write cycles on a session are
// serialized by the SessionManager's per-session locks.
type Store interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	SessionsForUser(ctx context.Context, userID string) ([]Session, error)
	IsActive(ctx context.Context, sessionID, clientID string) (bool, error)
	DeleteSession(ctx context.Context, id string) error

	SaveRefreshToken(ctx context.Context, rt RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error)
	RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error

	SaveTrustedDevice(ctx context.Context, td TrustedDevice) error
	GetTrustedDevice(ctx context.Context, token string) (TrustedDevice, error)

	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error)
}

// NewID generates a random identifier for sessions, tokens, and directives.
func NewID() string {
	return uuid.NewString()
}

// MemoryStore is the in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	clients        map[string]Client
	sessions       map[string]Session
	sessionsByUser map[string]map[string]bool
	refreshTokens  map[string]RefreshTokenRecord
	trustedDevices map[string]TrustedDevice
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:        make(map[string]Client),
		sessions:       make(map[string]Session),
		sessionsByUser: make(map[string]map[string]bool),
		refreshTokens:  make(map[string]RefreshTokenRecord),
		trustedDevices: make(map[string]TrustedDevice),
	}
}

func (s *MemoryStore) SaveClient(ctx context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
	return nil
}

func (s *MemoryStore) GetClient(ctx context.Context, id string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListClients(ctx context.Context) ([]Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	byUser, ok := s.sessionsByUser[sess.UserID]
	if !ok {
		byUser = make(map[string]bool)
		s.sessionsByUser[sess.UserID] = byUser
	}
	byUser[sess.ID] = true
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for id := range s.sessionsByUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (s *MemoryStore) IsActive(ctx context.Context, sessionID, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return !sess.Revoked && sess.ActiveClients[clientID], nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.sessions, id)
	if byUser, ok := s.sessionsByUser[sess.UserID]; ok {
		delete(byUser, id)
		if len(byUser) == 0 {
			delete(s.sessionsByUser, sess.UserID)
		}
	}
	return nil
}

func (s *MemoryStore) SaveRefreshToken(ctx context.Context, rt RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refreshTokens[id]
	if !ok {
		return RefreshTokenRecord{}, ErrNotFound
	}
	return rt, nil
}

func (s *MemoryStore) RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.refreshTokens {
		if rt.SessionID == sessionID && !rt.Revoked {
			rt.Revoked = true
			s.refreshTokens[id] = rt
		}
	}
	return nil
}

func (s *MemoryStore) SaveTrustedDevice(ctx context.Context, td TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedDevices[td.Token] = td
	return nil
}

func (s *MemoryStore) GetTrustedDevice(ctx context.Context, token string) (TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	td, ok := s.trustedDevices[token]
	if !ok {
		return TrustedDevice{}, ErrNotFound
	}
	return td, nil
}

// DeleteExpiredSessions removes sessions not refreshed since cutoff.
func (s *MemoryStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.LastRefreshedAt.Before(cutoff) {
			delete(s.sessions, id)
			if byUser, ok := s.sessionsByUser[sess.UserID]; ok {
				delete(byUser, id)
				if len(byUser) == 0 {
					delete(s.sessionsByUser, sess.UserID)
				}
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, id)
			n++
		}
	}
	return n, nil
}

func cloneSession(sess Session) Session {
	active := make(map[string]bool, len(sess.ActiveClients))
	for k, v := range sess.ActiveClients {
		active[k] = v
	}
	sess.ActiveClients = active
	return sess
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const sessionCookieName = "ssod_session"

// keyedMutex serializes mutations per session ID so logins, logouts, and
// refresh rotations racing on the same session cannot lose updates.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (km *keyedMutex) Lock(key string) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()
	l.mu.Lock()
}

func (km *keyedMutex) Unlock(key string) {
	km.mu.Lock()
	l := km.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()
	l.mu.Unlock()
}

// SessionManager owns the session lifecycle: creation with single-sign-on
// reuse, active-set mutation, global revocation, and refresh-token
// rotation. It also maintains the authority-domain session cookie that
// makes silent SSO possible on subsequent login redirects.
type SessionManager struct {
	store        Store
	tokens       *TokenService
	logger       *slog.Logger
	locks        *keyedMutex
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	refreshTTL   time.Duration
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, tokens *TokenService, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionManager{
		store:        store,
		tokens:       tokens,
		logger:       logger,
		locks:        newKeyedMutex(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		refreshTTL:   cfg.Tokens.RefreshTTL,
		now:          time.Now,
	}
}

// Fetch returns the live session bound to the request's authority cookie,
// or nil when absent or revoked.
func (sm *SessionManager) Fetch(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	sess, err := sm.store.GetSession(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sess.Revoked {
		return nil, nil
	}
	return &sess, nil
}

// Establish creates a session for userID with clientID in its active set,
// or, when the user already holds a live session, adds clientID to that
// session without re-prompting credentials. The bool result reports
// whether an existing session was reused.
func (sm *SessionManager) Establish(ctx context.Context, userID, clientID string) (Session, bool, error) {
	existing, err := sm.store.SessionsForUser(ctx, userID)
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, sess := range existing {
		if sess.Revoked {
			continue
		}
		updated, err := sm.AddClient(ctx, sess.ID, clientID)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTokenRevoked) {
				continue
			}
			return Session{}, false, err
		}
		return updated, true, nil
	}

	now := sm.now()
	sess := Session{
		ID:              NewID(),
		UserID:          userID,
		ActiveClients:   map[string]bool{clientID: true},
		CreatedAt:       now,
		LastRefreshedAt: now,
	}
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sess, false, nil
}

// AddClient adds clientID to the session's active set.
func (sm *SessionManager) AddClient(ctx context.Context, sessionID, clientID string) (Session, error) {
	sm.locks.Lock(sessionID)
	defer sm.locks.Unlock(sessionID)

	sess, err := sm.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Revoked {
		return Session{}, ErrTokenRevoked
	}
	sess.ActiveClients[clientID] = true
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sess, nil
}

// RemoveClient drops clientID from the session's active set. Access
// tokens bound to that (session, client) pair fail validation afterwards.
func (sm *SessionManager) RemoveClient(ctx context.Context, sessionID, clientID string) (Session, error) {
	sm.locks.Lock(sessionID)
	defer sm.locks.Unlock(sessionID)

	sess, err := sm.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	delete(sess.ActiveClients, clientID)
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sess, nil
}

// RevokeAll performs global logout for a session: the active set is
// emptied, the session marked revoked, and every refresh token in its
// lineage revoked. This is the security-critical act and is synchronous;
// peer-domain cookie clearing is handled separately by the coordinator.
func (sm *SessionManager) RevokeAll(ctx context.Context, sessionID string) (Session, error) {
	sm.locks.Lock(sessionID)
	defer sm.locks.Unlock(sessionID)
	return sm.revokeAllLocked(ctx, sessionID)
}

// revokeAllLocked is RevokeAll's body; the caller holds the session lock.
func (sm *SessionManager) revokeAllLocked(ctx context.Context, sessionID string) (Session, error) {
	sess, err := sm.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	sess.Revoked = true
	sess.ActiveClients = map[string]bool{}
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := sm.store.RevokeSessionRefreshTokens(ctx, sessionID); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sess, nil
}

// IsActive reports whether clientID is in sessionID's active set.
func (sm *SessionManager) IsActive(ctx context.Context, sessionID, clientID string) (bool, error) {
	return sm.store.IsActive(ctx, sessionID, clientID)
}

// Refresh exchanges a refresh token for a new access token, rotating the
// refresh token on every use. Presenting an already-rotated token is
// treated as credential theft and revokes the entire session.
func (sm *SessionManager) Refresh(ctx context.Context, token string) (TokenPair, error) {
	rt, err := sm.tokens.LookupRefresh(ctx, token)
	if err != nil && !errors.Is(err, ErrRefreshReuse) {
		return TokenPair{}, err
	}

	sm.locks.Lock(rt.SessionID)
	defer sm.locks.Unlock(rt.SessionID)

	// Classify again under the session lock: a concurrent presentation of
	// the same token may have rotated it between lookup and lock.
	rt, err = sm.tokens.LookupRefresh(ctx, token)
	if err != nil {
		if errors.Is(err, ErrRefreshReuse) {
			sm.logger.Warn("refresh token reuse, revoking session",
				"session_id", rt.SessionID, "user_id", rt.UserID)
			if _, revokeErr := sm.revokeAllLocked(ctx, rt.SessionID); revokeErr != nil {
				sm.logger.Error("revoke after reuse", "error", revokeErr)
			}
		}
		return TokenPair{}, err
	}

	sess, err := sm.store.GetSession(ctx, rt.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenRevoked
		}
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sess.Revoked || !sess.ActiveClients[rt.ClientID] {
		return TokenPair{}, ErrTokenRevoked
	}

	access, err := sm.tokens.MintAccess(rt.UserID, rt.ClientID, rt.SessionID)
	if err != nil {
		return TokenPair{}, err
	}

	rt.Rotated = true
	if err := sm.store.SaveRefreshToken(ctx, rt); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	next, err := sm.tokens.MintRefresh(ctx, rt.SessionID, rt.UserID, rt.ClientID, rt.ID)
	if err != nil {
		return TokenPair{}, err
	}

	sess.LastRefreshedAt = sm.now()
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: next.ID,
		ExpiresIn:    sm.tokens.AccessTTL(),
	}, nil
}

// SetCookie binds the session to the browser on the authority domain.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.refreshTTL.Seconds()),
	})
}

// ClearCookie removes the authority session cookie on logout.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// StartGC launches the expired-session sweeper. Sweeps never hold locks
// shared with the request path beyond the store's own record operations.
func (sm *SessionManager) StartGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				now := sm.now()
				if n, err := sm.store.DeleteExpiredSessions(ctx, now.Add(-sm.refreshTTL)); err != nil {
					sm.logger.Error("session gc", "error", err)
				} else if n > 0 {
					sm.logger.Info("session gc", "removed", n)
				}
				if _, err := sm.store.DeleteExpiredRefreshTokens(ctx, now); err != nil {
					sm.logger.Error("refresh token gc", "error", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

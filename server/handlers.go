package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

const (
	refreshCookieName = "ssod_refresh"
	deviceCookieName  = "ssod_device"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       Store
	Registry    *ClientRegistry
	Keys        *SigningKeys
	Tokens      *TokenService
	Sessions    *SessionManager
	Verifier    *CredentialVerifier
	Coordinator *Coordinator
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return NewAppWithStore(ctx, cfg, store, NewMemoryUserStore(cfg.Users), logger)
}

// NewAppWithStore wires the app against explicit store implementations.
func NewAppWithStore(ctx context.Context, cfg Config, store Store, users UserStore, logger *slog.Logger) (*App, error) {
	keys, err := NewSigningKeys(cfg.Server.SecretsPath, cfg.Tokens.KeyRotation, logger)
	if err != nil {
		return nil, err
	}

	registry, err := NewClientRegistry(ctx, store, cfg.Clients)
	if err != nil {
		return nil, err
	}

	tokens := NewTokenService(cfg, store, keys, logger)
	sessions := NewSessionManager(cfg, store, tokens, logger)
	verifier := NewCredentialVerifier(users, nil, tokens, logger)
	coordinator := NewCoordinator(cfg.Propagation, NewHTTPDispatcher(cfg.Propagation), logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		Keys:        keys,
		Tokens:      tokens,
		Sessions:    sessions,
		Verifier:    verifier,
		Coordinator: coordinator,
	}, nil
}

// StartBackground launches key rotation, session GC, and the propagation
// sweeper; all stop when the channel closes.
func (a *App) StartBackground(stop <-chan struct{}) {
	a.Keys.StartRotation(stop)
	a.Sessions.StartGC(a.Config.Sessions.GCInterval, stop)
	a.Coordinator.StartSweeper(a.Config.Propagation.AckDeadline, stop)
}

type loginRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Code           string `json:"code,omitempty"`
	RememberDevice bool   `json:"rememberDevice,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
}

// handleLogin implements POST /api/v1/authentication?clientId=.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	client, err := a.Registry.Lookup(r.Context(), clientID)
	if err != nil {
		observeLogin("invalid_client")
		writeError(w, err)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body", ErrInvalidCredentials))
		return
	}

	pair, sess, err := a.login(r.Context(), w, r, client, req)
	if err != nil {
		observeLogin("denied")
		writeError(w, err)
		return
	}
	observeLogin("ok")

	a.Sessions.SetCookie(w, sess.ID)
	a.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pair)
}

// login runs the credential exchange shared by the API endpoint and the
// browser login form: verify, establish session, mint tokens, fan out.
func (a *App) login(ctx context.Context, w http.ResponseWriter, r *http.Request, client Client, req loginRequest) (TokenPair, Session, error) {
	creds := Credentials{
		Username:         req.Username,
		Password:         req.Password,
		SecondFactorCode: req.Code,
	}
	if cookie, err := r.Cookie(deviceCookieName); err == nil {
		creds.TrustedDeviceToken = cookie.Value
	}

	userID, err := a.Verifier.Verify(ctx, creds)
	if err != nil {
		return TokenPair{}, Session{}, err
	}

	sess, reused, err := a.Sessions.Establish(ctx, userID, client.ClientID)
	if err != nil {
		return TokenPair{}, Session{}, err
	}

	pair, err := a.mintPair(ctx, sess, client.ClientID)
	if err != nil {
		return TokenPair{}, Session{}, err
	}

	if req.RememberDevice {
		if td, err := a.Tokens.MintTrustedDevice(ctx, userID, req.DeviceID); err == nil {
			a.setDeviceCookie(w, td.Token)
		} else {
			a.Logger.Error("mint trusted device", "error", err)
		}
	}

	peers := a.peerClients(ctx, sess, client.ClientID)
	a.Coordinator.LoginFanOut(ctx, sess, client, pair, peers)
	a.Logger.Info("login",
		"user_id", userID, "client_id", client.ClientID,
		"session_id", sess.ID, "sso_reuse", reused)
	return pair, sess, nil
}

func (a *App) mintPair(ctx context.Context, sess Session, clientID string) (TokenPair, error) {
	access, err := a.Tokens.MintAccess(sess.UserID, clientID, sess.ID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := a.Tokens.MintRefresh(ctx, sess.ID, sess.UserID, clientID, "")
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh.ID,
		ExpiresIn:    a.Tokens.AccessTTL(),
	}, nil
}

// peerClients resolves the session's other active clients for fan-out.
// Deactivated clients still resolve so their cookies can be kept in sync.
func (a *App) peerClients(ctx context.Context, sess Session, excludeClientID string) []Client {
	var peers []Client
	for clientID := range sess.ActiveClients {
		if clientID == excludeClientID {
			continue
		}
		client, err := a.Registry.LookupAny(ctx, clientID)
		if err != nil {
			a.Logger.Warn("active client missing from registry", "client_id", clientID)
			continue
		}
		peers = append(peers, client)
	}
	return peers
}

// handleLogout implements DELETE /api/v1/authentication. The session is
// revoked synchronously and unconditionally; peer-domain cookie clearing
// is best-effort and never fails the response.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	// Capture the active set before revocation empties it.
	clients := a.peerClients(r.Context(), *sess, "")

	if _, err := a.Sessions.RevokeAll(r.Context(), sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
		writeError(w, err)
		return
	}

	targets := a.Coordinator.LogoutFanOut(r.Context(), sess.ID, clients)
	failed := 0
	for _, t := range targets {
		if t.State == TargetFailed {
			failed++
		}
	}
	a.Logger.Info("logout",
		"session_id", sess.ID, "user_id", sess.UserID,
		"targets", len(targets), "failed", failed)

	a.Sessions.ClearCookie(w)
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sessionFromRequest resolves the caller's session from the authority
// cookie or, failing that, from a bearer access token.
func (a *App) sessionFromRequest(r *http.Request) (*Session, error) {
	sess, err := a.Sessions.Fetch(r.Context(), r)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	claims, err := a.Tokens.ValidateAccess(r.Context(), token)
	if err != nil {
		return nil, err
	}
	found, err := a.Store.GetSession(r.Context(), claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &found, nil
}

// handleValidate implements POST /api/v1/validate.
func (a *App) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, ErrTokenInvalid)
		return
	}
	claims, err := a.Tokens.ValidateAccess(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    claims.UserID,
		"clientId":  claims.ClientID,
		"sessionId": claims.SessionID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleRefresh implements POST /api/v1/refreshAccessToken. The refresh
// token may arrive in the refresh cookie or the request body.
func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		writeError(w, ErrTokenInvalid)
		return
	}

	pair, err := a.Sessions.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrRefreshReuse) {
			a.clearRefreshCookie(w)
		}
		writeError(w, err)
		return
	}
	a.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pair)
}

// handleClientLookup implements GET /api/v1/client?clientId=.
func (a *App) handleClientLookup(w http.ResponseWriter, r *http.Request) {
	client, err := a.Registry.Lookup(r.Context(), r.URL.Query().Get("clientId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client": client})
}

type registerClientRequest struct {
	Name       string `json:"name"`
	BaseDomain string `json:"baseDomain"`
	Platform   string `json:"platform"`
}

// handleClientRegister implements POST /api/v1/client.
func (a *App) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body", ErrInvalidClient))
		return
	}
	client, err := a.Registry.Register(r.Context(), req.Name, req.BaseDomain, Platform(req.Platform))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"client": client})
}

// handleClientDeactivate implements DELETE /api/v1/client?clientId=.
func (a *App) handleClientDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := a.Registry.Deactivate(r.Context(), r.URL.Query().Get("clientId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

var loginFormTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head><body>
<form method="post" action="/login?clientId={{.ClientID}}&callBackURL={{.CallbackURL}}">
<input name="username" placeholder="username" autocomplete="username">
<input name="password" type="password" placeholder="password" autocomplete="current-password">
<button type="submit">Sign in</button>
</form>
</body></html>`))

// handleLoginPage implements GET /login?clientId=&callBackURL=. With a
// live authority session the user is signed into the new client silently
// and redirected; otherwise the credential form is served.
func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	callback := r.URL.Query().Get("callBackURL")

	client, err := a.Registry.Lookup(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := a.Registry.ValidateCallback(r.Context(), clientID, callback)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, ErrInvalidCallback)
		return
	}

	sess, err := a.Sessions.Fetch(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess != nil {
		// Single sign-on: reuse the session, add this client, fan out.
		updated, err := a.Sessions.AddClient(r.Context(), sess.ID, client.ClientID)
		if err != nil {
			writeError(w, err)
			return
		}
		pair, err := a.mintPair(r.Context(), updated, client.ClientID)
		if err != nil {
			writeError(w, err)
			return
		}
		a.Coordinator.LoginFanOut(r.Context(), updated, client, pair, a.peerClients(r.Context(), updated, client.ClientID))
		http.Redirect(w, r, callback, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginFormTemplate.Execute(w, map[string]string{
		"ClientID":    clientID,
		"CallbackURL": callback,
	})
}

// handleLoginSubmit implements POST /login: the credential form post.
func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	callback := r.URL.Query().Get("callBackURL")

	client, err := a.Registry.Lookup(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := a.Registry.ValidateCallback(r.Context(), clientID, callback)
	if err != nil || !ok {
		writeError(w, ErrInvalidCallback)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidCredentials)
		return
	}

	req := loginRequest{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		Code:     r.PostFormValue("code"),
	}
	pair, sess, err := a.login(r.Context(), w, r, client, req)
	if err != nil {
		writeError(w, err)
		return
	}
	a.Sessions.SetCookie(w, sess.ID)
	a.setRefreshCookie(w, pair.RefreshToken)
	http.Redirect(w, r, callback, http.StatusFound)
}

type ackRequest struct {
	DirectiveID string `json:"directiveId"`
	Success     bool   `json:"success"`
	Detail      string `json:"detail,omitempty"`
}

// handlePropagationAck implements POST /api/v1/propagation/ack.
func (a *App) handlePropagationAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DirectiveID == "" {
		http.Error(w, "directiveId required", http.StatusBadRequest)
		return
	}
	if err := a.Coordinator.Ack(req.DirectiveID, req.Success, req.Detail); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type retryRequest struct {
	DirectiveID string `json:"directiveId"`
}

// handlePropagationRetry implements POST /api/v1/propagation/retry.
func (a *App) handlePropagationRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DirectiveID == "" {
		http.Error(w, "directiveId required", http.StatusBadRequest)
		return
	}
	if err := a.Coordinator.Retry(r.Context(), req.DirectiveID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handlePropagationStatus lists propagation targets for a session.
func (a *App) handlePropagationStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}
	targets := a.Coordinator.Targets(sessionID)
	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		entry := map[string]any{
			"directiveId": t.Directive.ID,
			"kind":        t.Directive.Kind,
			"clientId":    t.Directive.ClientID,
			"state":       t.State,
		}
		if t.Err != "" {
			entry["error"] = t.Err
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *App) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/api/v1/refreshAccessToken",
		Domain:   a.Config.Server.CookieDomain,
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(a.Config.Tokens.RefreshTTL.Seconds()),
	})
}

func (a *App) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/v1/refreshAccessToken",
		Domain:   a.Config.Server.CookieDomain,
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (a *App) setDeviceCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    token,
		Path:     "/",
		Domain:   a.Config.Server.CookieDomain,
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(a.Config.Tokens.TrustedDeviceTTL.Seconds()),
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidClient), errors.Is(err, ErrInvalidCallback):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenRevoked),
		errors.Is(err, ErrRefreshReuse):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": rootMessage(err)})
}

// rootMessage strips wrapped detail so internal errors do not leak.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		ErrInvalidClient, ErrInvalidCallback, ErrInvalidCredentials,
		ErrTokenExpired, ErrTokenInvalid, ErrTokenRevoked,
		ErrRefreshReuse, ErrStoreUnavailable, ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims captures the JWT claims minted for access tokens.
type AccessTokenClaims struct {
	UserID    string `json:"userId"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// TokenService mints and validates the three token kinds. Access tokens
// are stateless JWTs; refresh and trusted-device tokens are opaque
// identifiers backed by store records. All expiry comparisons use the
// service's single clock source, never client-supplied time.
type TokenService struct {
	issuer           string
	accessTTL        time.Duration
	refreshTTL       time.Duration
	trustedDeviceTTL time.Duration
	checkRevocation  bool
	store            Store
	keys             *SigningKeys
	logger           *slog.Logger
	now              func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store Store, keys *SigningKeys, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:           strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:        cfg.Tokens.AccessTTL,
		refreshTTL:       cfg.Tokens.RefreshTTL,
		trustedDeviceTTL: cfg.Tokens.TrustedDeviceTTL,
		checkRevocation:  cfg.Tokens.CheckRevocationEnabled(),
		store:            store,
		keys:             keys,
		logger:           logger,
		now:              time.Now,
	}
}

// AccessTTL exposes the configured access token lifetime in seconds.
func (ts *TokenService) AccessTTL() int64 {
	return int64(ts.accessTTL.Seconds())
}

// MintAccess signs a new access token for the given principal and client.
func (ts *TokenService) MintAccess(userID, clientID, sessionID string) (string, error) {
	now := ts.now()
	claims := AccessTokenClaims{
		UserID:    userID,
		ClientID:  clientID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   userID,
			ID:        NewID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	return ts.keys.Sign(claims)
}

// ValidateAccess checks signature and expiry, and, when revocation
// checking is enabled, that the token's session still lists its client in
// the active set. Logout is authoritative over token expiry.
func (ts *TokenService) ValidateAccess(ctx context.Context, token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
		jwt.WithIssuer(ts.issuer),
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" || claims.ClientID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	if ts.checkRevocation {
		active, err := ts.store.IsActive(ctx, claims.SessionID, claims.ClientID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !active {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// MintRefresh creates and stores a new refresh token record. parentID
// links rotations so replay of a rotated-away token is recognizable.
func (ts *TokenService) MintRefresh(ctx context.Context, sessionID, userID, clientID, parentID string) (RefreshTokenRecord, error) {
	now := ts.now()
	rt := RefreshTokenRecord{
		ID:        NewID(),
		SessionID: sessionID,
		UserID:    userID,
		ClientID:  clientID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
		ParentID:  parentID,
	}
	if err := ts.store.SaveRefreshToken(ctx, rt); err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rt, nil
}

// LookupRefresh fetches a refresh record and classifies its state.
func (ts *TokenService) LookupRefresh(ctx context.Context, token string) (RefreshTokenRecord, error) {
	rt, err := ts.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefreshTokenRecord{}, ErrTokenInvalid
		}
		return RefreshTokenRecord{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch {
	case rt.Rotated:
		return rt, ErrRefreshReuse
	case rt.Revoked:
		return rt, ErrTokenRevoked
	case ts.now().After(rt.ExpiresAt):
		return rt, ErrTokenExpired
	}
	return rt, nil
}

// MintTrustedDevice issues an opaque marker for a (user, device) pair.
func (ts *TokenService) MintTrustedDevice(ctx context.Context, userID, deviceID string) (TrustedDevice, error) {
	now := ts.now()
	td := TrustedDevice{
		Token:     NewID(),
		UserID:    userID,
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.trustedDeviceTTL),
	}
	if err := ts.store.SaveTrustedDevice(ctx, td); err != nil {
		return TrustedDevice{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return td, nil
}

// CheckTrustedDevice reports whether token is a live trusted-device
// marker for userID. Its sole effect is permitting the credential
// verifier to skip the second factor.
func (ts *TokenService) CheckTrustedDevice(ctx context.Context, token, userID string) bool {
	if token == "" {
		return false
	}
	td, err := ts.store.GetTrustedDevice(ctx, token)
	if err != nil {
		return false
	}
	if td.UserID != userID {
		return false
	}
	return ts.now().Before(td.ExpiresAt)
}

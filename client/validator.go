// Package client is the embeddable SDK client applications use to
// validate access tokens issued by the authority. Validation is local
// (cached JWKS, no network on the hot path); RemoteValidate additionally
// honours server-side revocation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer      string
	JWKSURL     string
	ValidateURL string
	CacheTTL    time.Duration
	HTTPClient  *http.Client
}

// Validator verifies authority-signed access tokens.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// Claims is the validated view of an access token.
type Claims struct {
	UserID    string
	ClientID  string
	SessionID string
	Issuer    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	UserID    string `json:"userId"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{cfg: cfg, client: httpClient}
}

// Validate checks signature, expiry, and issuer against the cached JWKS.
// It does not consult the authority, so a token from a freshly
// logged-out session may still pass; use RemoteValidate where revocation
// must take effect immediately.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	tok, err := parser.ParseWithClaims(rawToken, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Force refresh on kid miss: the authority may have rotated.
			if _, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(v.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*tokenClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("token invalid")
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, errors.New("required claims missing")
	}

	out := &Claims{
		UserID:    claims.UserID,
		ClientID:  claims.ClientID,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
		TokenID:   claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// RemoteValidate asks the authority's validate endpoint, which rejects
// tokens whose session no longer lists the client in its active set.
func (v *Validator) RemoteValidate(ctx context.Context, rawToken string) (*Claims, error) {
	if v.cfg.ValidateURL == "" {
		return nil, errors.New("validate endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.ValidateURL, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validate failed: %s", resp.Status)
	}

	var body struct {
		Valid     bool   `json:"valid"`
		UserID    string `json:"userId"`
		ClientID  string `json:"clientId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.Valid {
		return nil, errors.New("token invalid")
	}
	return &Claims{UserID: body.UserID, ClientID: body.ClientID, SessionID: body.SessionID}, nil
}

// RequireAuth middleware validates bearer tokens and injects claims into
// the request context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Validator) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{
		set:     set,
		expires: time.Now().Add(v.cfg.CacheTTL),
		etag:    resp.Header.Get("ETag"),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// SigningKeys manages the process-wide token signing key. Verification
// accepts the current key and one previous key so rotation does not
// invalidate live tokens.
type SigningKeys struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewSigningKeys loads persisted keys or generates a fresh pair.
func NewSigningKeys(secretsPath string, rotateEvery time.Duration, logger *slog.Logger) (*SigningKeys, error) {
	sk := &SigningKeys{
		rotateEvery: rotateEvery,
		logger:      logger,
	}
	if secretsPath != "" {
		sk.storePath = filepath.Join(secretsPath, "signing-keys.json")
		if err := sk.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if sk.current.PrivateKey == nil {
		if err := sk.rotate(); err != nil {
			return nil, err
		}
	}
	return sk, nil
}

// StartRotation launches the background rotation ticker.
func (sk *SigningKeys) StartRotation(stop <-chan struct{}) {
	if sk.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(sk.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sk.rotate(); err != nil {
					sk.logger.Error("key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key and stamps its kid.
func (sk *SigningKeys) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	token.Header["kid"] = sk.current.Kid
	return token.SignedString(sk.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid, falling back to the
// current key for tokens minted before kid stamping.
func (sk *SigningKeys) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	if kid == "" || kid == sk.current.Kid {
		return &sk.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range sk.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &sk.current.PrivateKey.PublicKey, nil
}

// PublicJWKS exposes public keys so resource servers can validate
// access tokens locally.
func (sk *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	keys := []jose.JSONWebKey{sk.current.JWK.Public()}
	for _, prev := range sk.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (sk *SigningKeys) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	sk.mu.Lock()
	if sk.current.PrivateKey != nil {
		sk.previous = append([]keyPair{sk.current}, sk.previous...)
		// grace window covers exactly one prior key
		if len(sk.previous) > 1 {
			sk.previous = sk.previous[:1]
		}
	}
	sk.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	sk.mu.Unlock()

	if sk.storePath != "" {
		if err := sk.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (sk *SigningKeys) persist() error {
	sk.mu.RLock()
	defer sk.mu.RUnlock()

	keys := []jose.JSONWebKey{sk.current.JWK}
	for _, prev := range sk.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sk.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(sk.storePath, payload, 0o600)
}

func (sk *SigningKeys) loadFromDisk() error {
	payload, err := os.ReadFile(sk.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in key file")
	}
	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			sk.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	sk.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}

package server

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// UserStore abstracts the user database the verifier checks credentials
// against. The authority owns no user-profile management.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (User, error)
}

// SecondFactor verifies an additional authentication factor for a user.
// External collaborator; the built-in implementation accepts nothing.
type SecondFactor interface {
	Verify(ctx context.Context, userID, code string) bool
}

// Credentials carries everything a login attempt presents.
type Credentials struct {
	Username           string `json:"username"`
	Password           string `json:"password"`
	SecondFactorCode   string `json:"code,omitempty"`
	TrustedDeviceToken string `json:"-"`
}

// CredentialVerifier checks presented credentials. Failures are uniform:
// an unknown username and a wrong password are indistinguishable to the
// caller.
type CredentialVerifier struct {
	users  UserStore
	second SecondFactor
	tokens *TokenService
	logger *slog.Logger
}

// NewCredentialVerifier constructs a verifier.
func NewCredentialVerifier(users UserStore, second SecondFactor, tokens *TokenService, logger *slog.Logger) *CredentialVerifier {
	return &CredentialVerifier{users: users, second: second, tokens: tokens, logger: logger}
}

// Verify authenticates the credentials and returns the user ID. A live
// trusted-device token lets an MFA-enrolled user skip the second factor;
// it is a capability check, not an alternate authentication path.
func (cv *CredentialVerifier) Verify(ctx context.Context, creds Credentials) (string, error) {
	user, err := cv.users.FindByUsername(ctx, creds.Username)
	if err != nil {
		// Burn a bcrypt comparison so unknown usernames take as long as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(creds.Password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return "", ErrInvalidCredentials
	}

	if user.MFAEnrolled {
		if cv.tokens.CheckTrustedDevice(ctx, creds.TrustedDeviceToken, user.ID) {
			cv.logger.Debug("second factor skipped for trusted device", "user_id", user.ID)
			return user.ID, nil
		}
		if cv.second == nil || !cv.second.Verify(ctx, user.ID, creds.SecondFactorCode) {
			return "", ErrInvalidCredentials
		}
	}
	return user.ID, nil
}

// MemoryUserStore is the built-in user store seeded from configuration.
type MemoryUserStore struct {
	byUsername map[string]User
}

// NewMemoryUserStore builds a user store from config entries.
func NewMemoryUserStore(cfgs []UserConfig) *MemoryUserStore {
	users := make(map[string]User, len(cfgs))
	for _, cfg := range cfgs {
		id := cfg.ID
		if id == "" {
			id = NewID()
		}
		users[cfg.Username] = User{
			ID:           id,
			Username:     cfg.Username,
			PasswordHash: cfg.PasswordHash,
			MFAEnrolled:  cfg.MFAEnrolled,
		}
	}
	return &MemoryUserStore{byUsername: users}
}

func (s *MemoryUserStore) FindByUsername(ctx context.Context, username string) (User, error) {
	user, ok := s.byUsername[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// HashPassword hashes a plaintext password for seeding user records.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

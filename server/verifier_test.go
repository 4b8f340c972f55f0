package server

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type staticSecondFactor struct {
	code string
}

func (s staticSecondFactor) Verify(_ context.Context, _ string, code string) bool {
	return code == s.code
}

func newTestVerifier(t *testing.T, second SecondFactor, users ...UserConfig) (*CredentialVerifier, *TokenService) {
	t.Helper()
	tokens, _ := newTestTokenService(t)
	return NewCredentialVerifier(NewMemoryUserStore(users), second, tokens, testLogger()), tokens
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestVerifyPassword(t *testing.T) {
	cv, _ := newTestVerifier(t, nil, UserConfig{
		ID: "u1", Username: "alice", PasswordHash: mustHash(t, "s3cret"),
	})
	ctx := context.Background()

	userID, err := cv.Verify(ctx, Credentials{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("userID = %q", userID)
	}

	// Wrong password and unknown username produce the same error.
	for _, creds := range []Credentials{
		{Username: "alice", Password: "wr0ng"},
		{Username: "mallory", Password: "s3cret"},
	} {
		if _, err := cv.Verify(ctx, creds); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("creds %q: err = %v", creds.Username, err)
		}
	}
}

func TestVerifySecondFactor(t *testing.T) {
	cv, _ := newTestVerifier(t, staticSecondFactor{code: "123456"}, UserConfig{
		ID: "u1", Username: "alice", PasswordHash: mustHash(t, "s3cret"), MFAEnrolled: true,
	})
	ctx := context.Background()

	if _, err := cv.Verify(ctx, Credentials{Username: "alice", Password: "s3cret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing code must fail, got %v", err)
	}
	if _, err := cv.Verify(ctx, Credentials{Username: "alice", Password: "s3cret", SecondFactorCode: "999999"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong code must fail, got %v", err)
	}
	if _, err := cv.Verify(ctx, Credentials{Username: "alice", Password: "s3cret", SecondFactorCode: "123456"}); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
}

func TestVerifyTrustedDeviceSkipsSecondFactor(t *testing.T) {
	cv, tokens := newTestVerifier(t, staticSecondFactor{code: "123456"}, UserConfig{
		ID: "u1", Username: "alice", PasswordHash: mustHash(t, "s3cret"), MFAEnrolled: true,
	})
	ctx := context.Background()

	td, err := tokens.MintTrustedDevice(ctx, "u1", "laptop")
	if err != nil {
		t.Fatalf("MintTrustedDevice: %v", err)
	}

	creds := Credentials{Username: "alice", Password: "s3cret", TrustedDeviceToken: td.Token}
	if _, err := cv.Verify(ctx, creds); err != nil {
		t.Fatalf("trusted device must skip second factor: %v", err)
	}

	// The marker only waives the second factor for its own user, and
	// never excuses a wrong password.
	creds.Password = "wr0ng"
	if _, err := cv.Verify(ctx, creds); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("trusted device must not bypass the password, got %v", err)
	}

	other, err := tokens.MintTrustedDevice(ctx, "someone-else", "laptop")
	if err != nil {
		t.Fatalf("MintTrustedDevice: %v", err)
	}
	creds = Credentials{Username: "alice", Password: "s3cret", TrustedDeviceToken: other.Token}
	if _, err := cv.Verify(ctx, creds); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("foreign trusted device accepted, got %v", err)
	}
}

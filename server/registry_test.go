package server

import (
	"context"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *ClientRegistry {
	t.Helper()
	registry, err := NewClientRegistry(context.Background(), NewMemoryStore(), []ClientConfig{
		{ClientID: "app", Name: "App", BaseDomain: "https://app.example", Platform: "web"},
	})
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	return registry
}

func TestRegisterAndLookup(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	created, err := registry.Register(ctx, "Shop", "https://shop.example", PlatformWeb)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if created.ClientID == "" {
		t.Fatalf("expected generated client id")
	}

	found, err := registry.Lookup(ctx, created.ClientID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.BaseDomain != "https://shop.example" {
		t.Fatalf("unexpected base domain %q", found.BaseDomain)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	if _, err := registry.Register(ctx, "", "https://x.example", PlatformWeb); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := registry.Register(ctx, "X", "ftp://x.example", PlatformWeb); err == nil {
		t.Fatalf("expected error for non-http scheme")
	}
	if _, err := registry.Register(ctx, "X", "https://x.example", Platform("desktop")); err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func TestDeactivateKeepsRecord(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Deactivate(ctx, "app"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := registry.Lookup(ctx, "app"); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected deactivated client to fail lookup, got %v", err)
	}
	// The record survives for logout cleanup against its last-known domain.
	client, err := registry.LookupAny(ctx, "app")
	if err != nil {
		t.Fatalf("LookupAny: %v", err)
	}
	if client.Active {
		t.Fatalf("expected client to be inactive")
	}
}

func TestValidateCallback(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		callback string
		want     bool
	}{
		{"exact match", "https://app.example", true},
		{"with path", "https://app.example/after/login", true},
		{"case insensitive host", "HTTPS://APP.EXAMPLE/cb", true},
		{"explicit default port", "https://app.example:443/cb", true},
		{"different host", "https://evil.example", false},
		{"subdomain", "https://app.example.evil.example", false},
		{"prefix trick", "https://app.example.attacker.net/cb", false},
		{"scheme downgrade", "http://app.example", false},
		{"different port", "https://app.example:8443", false},
		{"garbage", "not a url", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := registry.ValidateCallback(ctx, "app", tc.callback)
			if err != nil {
				t.Fatalf("ValidateCallback: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ValidateCallback(%q) = %v, want %v", tc.callback, got, tc.want)
			}
		})
	}
}

func TestValidateCallbackUnknownClient(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := registry.ValidateCallback(context.Background(), "nope", "https://app.example"); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected ErrInvalidClient, got %v", err)
	}
}

// faultyClientStore simulates a backing store outage on reads.
type faultyClientStore struct {
	Store
}

func (s *faultyClientStore) GetClient(ctx context.Context, id string) (Client, error) {
	return Client{}, errors.New("dial tcp: connection refused")
}

func TestLookupSurfacesStoreOutage(t *testing.T) {
	registry, err := NewClientRegistry(context.Background(), &faultyClientStore{Store: NewMemoryStore()}, nil)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	ctx := context.Background()

	// A down store is not the caller's fault and must never read as a
	// bad client id.
	if _, err := registry.Lookup(ctx, "app"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Lookup: want ErrStoreUnavailable, got %v", err)
	}
	if _, err := registry.LookupAny(ctx, "app"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("LookupAny: want ErrStoreUnavailable, got %v", err)
	}
	if err := registry.Deactivate(ctx, "app"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Deactivate: want ErrStoreUnavailable, got %v", err)
	}
}

func TestLookupUnknownClientIsInvalid(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := registry.Lookup(context.Background(), "nope"); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("want ErrInvalidClient for unknown id, got %v", err)
	}
}

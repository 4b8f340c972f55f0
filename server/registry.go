package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientRegistry holds registered client applications and answers trust
// questions about caller-supplied callback URLs. Mutations are
// append-mostly: deactivation flips a flag and never removes the record,
// so in-flight sessions can still resolve a last-known domain.
type ClientRegistry struct {
	store Store
}

// NewClientRegistry seeds the registry from configuration.
func NewClientRegistry(ctx context.Context, store Store, cfgs []ClientConfig) (*ClientRegistry, error) {
	r := &ClientRegistry{store: store}
	for _, cfg := range cfgs {
		platform := Platform(cfg.Platform)
		if platform == "" {
			platform = PlatformWeb
		}
		c := Client{
			ClientID:    cfg.ClientID,
			Name:        cfg.Name,
			BaseDomain:  cfg.BaseDomain,
			Platform:    platform,
			Description: cfg.Description,
			Active:      true,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		if _, err := canonicalOrigin(c.BaseDomain); err != nil {
			return nil, fmt.Errorf("client %s: %w", cfg.ClientID, err)
		}
		if err := store.SaveClient(ctx, c); err != nil {
			return nil, fmt.Errorf("seed client %s: %w", cfg.ClientID, err)
		}
	}
	return r, nil
}

// Register adds a new client and returns its generated identifier.
func (r *ClientRegistry) Register(ctx context.Context, name, baseDomain string, platform Platform) (Client, error) {
	if name == "" || baseDomain == "" {
		return Client{}, fmt.Errorf("%w: name and baseDomain required", ErrInvalidClient)
	}
	if _, err := canonicalOrigin(baseDomain); err != nil {
		return Client{}, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	switch platform {
	case PlatformWeb, PlatformMobile, PlatformOther:
	case "":
		platform = PlatformWeb
	default:
		return Client{}, fmt.Errorf("%w: platform %q", ErrInvalidClient, platform)
	}
	c := Client{
		ClientID:   NewID(),
		Name:       name,
		BaseDomain: baseDomain,
		Platform:   platform,
		Active:     true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := r.store.SaveClient(ctx, c); err != nil {
		return Client{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return c, nil
}

// Lookup returns an active client by ID. A missing or deactivated client
// is the caller's fault; a store failure is not and surfaces as such.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (Client, error) {
	c, err := r.getClient(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if !c.Active {
		return Client{}, ErrInvalidClient
	}
	return c, nil
}

// LookupAny returns a client regardless of activation state. Used during
// logout cleanup where a deactivated client's domain must still be
// reachable for cookie clearing.
func (r *ClientRegistry) LookupAny(ctx context.Context, clientID string) (Client, error) {
	return r.getClient(ctx, clientID)
}

// Deactivate soft-deletes a client. The record survives so active
// sessions can still be cleaned up against its domain.
func (r *ClientRegistry) Deactivate(ctx context.Context, clientID string) error {
	c, err := r.getClient(ctx, clientID)
	if err != nil {
		return err
	}
	c.Active = false
	c.UpdatedAt = time.Now()
	if err := r.store.SaveClient(ctx, c); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// getClient maps store errors onto the API taxonomy: an unknown ID is an
// ErrInvalidClient, anything else means the backing store is down.
func (r *ClientRegistry) getClient(ctx context.Context, clientID string) (Client, error) {
	c, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Client{}, ErrInvalidClient
		}
		return Client{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return c, nil
}

// ValidateCallback reports whether callbackURL's origin exactly equals
// the client's registered base domain. Scheme, host, and port must all
// match (case-insensitive); substring and prefix matches are rejected to
// prevent open redirects.
func (r *ClientRegistry) ValidateCallback(ctx context.Context, clientID, callbackURL string) (bool, error) {
	c, err := r.Lookup(ctx, clientID)
	if err != nil {
		return false, err
	}
	registered, err := canonicalOrigin(c.BaseDomain)
	if err != nil {
		return false, err
	}
	presented, err := canonicalOrigin(callbackURL)
	if err != nil {
		return false, nil
	}
	return registered == presented, nil
}

// canonicalOrigin reduces a URL to lowercase scheme://host:port with
// default ports made explicit, so comparisons are exact.
func canonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host")
	}
	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return scheme + "://" + host + ":" + port, nil
}

package server

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL        = time.Hour
	DefaultRefreshTTL       = 30 * 24 * time.Hour
	DefaultTrustedDeviceTTL = 90 * 24 * time.Hour
	DefaultKeyRotation      = 24 * time.Hour
	DefaultGCInterval       = 10 * time.Minute
	DefaultDispatchTimeout  = 3 * time.Second
	DefaultMaxParallelism   = 8
	DefaultAckDeadline      = 30 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Storage     StorageConfig     `yaml:"storage"`
	Propagation PropagationConfig `yaml:"propagation"`
	Clients     []ClientConfig    `yaml:"clients"`
	Users       []UserConfig      `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	LoginRatePerMin int        `yaml:"login_rate_per_min"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the API from the browser.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// TokenConfig fixes TTLs and validation behaviour per token kind.
// Durations are written as Go duration strings in YAML ("15m", "720h").
type TokenConfig struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	TrustedDeviceTTL time.Duration
	KeyRotation      time.Duration
	// CheckRevocation makes validate consult the session store's active
	// set so logout takes effect before token expiry.
	CheckRevocation *bool
}

type tokenConfigYAML struct {
	AccessTTL        string `yaml:"access_ttl"`
	RefreshTTL       string `yaml:"refresh_ttl"`
	TrustedDeviceTTL string `yaml:"trusted_device_ttl"`
	KeyRotation      string `yaml:"key_rotation"`
	CheckRevocation  *bool  `yaml:"check_revocation"`
}

func (t *TokenConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw tokenConfigYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	t.AccessTTL = parseDuration(raw.AccessTTL, t.AccessTTL)
	t.RefreshTTL = parseDuration(raw.RefreshTTL, t.RefreshTTL)
	t.TrustedDeviceTTL = parseDuration(raw.TrustedDeviceTTL, t.TrustedDeviceTTL)
	t.KeyRotation = parseDuration(raw.KeyRotation, t.KeyRotation)
	if raw.CheckRevocation != nil {
		t.CheckRevocation = raw.CheckRevocation
	}
	return nil
}

func (t TokenConfig) MarshalYAML() (any, error) {
	return tokenConfigYAML{
		AccessTTL:        t.AccessTTL.String(),
		RefreshTTL:       t.RefreshTTL.String(),
		TrustedDeviceTTL: t.TrustedDeviceTTL.String(),
		KeyRotation:      t.KeyRotation.String(),
		CheckRevocation:  t.CheckRevocation,
	}, nil
}

// SessionConfig controls session housekeeping.
type SessionConfig struct {
	GCInterval time.Duration
}

type sessionConfigYAML struct {
	GCInterval string `yaml:"gc_interval"`
}

func (s *SessionConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw sessionConfigYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.GCInterval = parseDuration(raw.GCInterval, s.GCInterval)
	return nil
}

func (s SessionConfig) MarshalYAML() (any, error) {
	return sessionConfigYAML{GCInterval: s.GCInterval.String()}, nil
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
	DSN    string `yaml:"dsn"`
}

// PropagationConfig bounds the cookie fan-out.
type PropagationConfig struct {
	DispatchTimeout time.Duration
	MaxParallelism  int
	AckDeadline     time.Duration
	SetCookiePath   string
	ClearCookiePath string
}

type propagationConfigYAML struct {
	DispatchTimeout string `yaml:"dispatch_timeout"`
	MaxParallelism  *int   `yaml:"max_parallelism"`
	AckDeadline     string `yaml:"ack_deadline"`
	SetCookiePath   string `yaml:"set_cookie_path"`
	ClearCookiePath string `yaml:"clear_cookie_path"`
}

func (p *PropagationConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw propagationConfigYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.DispatchTimeout = parseDuration(raw.DispatchTimeout, p.DispatchTimeout)
	p.AckDeadline = parseDuration(raw.AckDeadline, p.AckDeadline)
	if raw.MaxParallelism != nil {
		p.MaxParallelism = *raw.MaxParallelism
	}
	if raw.SetCookiePath != "" {
		p.SetCookiePath = raw.SetCookiePath
	}
	if raw.ClearCookiePath != "" {
		p.ClearCookiePath = raw.ClearCookiePath
	}
	return nil
}

func (p PropagationConfig) MarshalYAML() (any, error) {
	parallelism := p.MaxParallelism
	return propagationConfigYAML{
		DispatchTimeout: p.DispatchTimeout.String(),
		MaxParallelism:  &parallelism,
		AckDeadline:     p.AckDeadline.String(),
		SetCookiePath:   p.SetCookiePath,
		ClearCookiePath: p.ClearCookiePath,
	}, nil
}

// ClientConfig seeds a registered client application.
type ClientConfig struct {
	ClientID    string `yaml:"client_id"`
	Name        string `yaml:"name"`
	BaseDomain  string `yaml:"base_domain"`
	Platform    string `yaml:"platform"`
	Description string `yaml:"description"`
}

// UserConfig seeds a user record for the built-in user store.
type UserConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	MFAEnrolled  bool   `yaml:"mfa_enrolled"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			LoginRatePerMin: 30,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokenConfig{
			AccessTTL:        DefaultAccessTTL,
			RefreshTTL:       DefaultRefreshTTL,
			TrustedDeviceTTL: DefaultTrustedDeviceTTL,
			KeyRotation:      DefaultKeyRotation,
		},
		Sessions: SessionConfig{
			GCInterval: DefaultGCInterval,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Propagation: PropagationConfig{
			DispatchTimeout: DefaultDispatchTimeout,
			MaxParallelism:  DefaultMaxParallelism,
			AckDeadline:     DefaultAckDeadline,
			SetCookiePath:   "/sso/set",
			ClearCookiePath: "/sso/clear",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// CheckRevocation reports whether validate should consult the session
// store. Defaults to true when unset.
func (t TokenConfig) CheckRevocationEnabled() bool {
	if t.CheckRevocation == nil {
		return true
	}
	return *t.CheckRevocation
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SSOD_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("SSOD_LISTEN_ADDR"); v != "" {
		cfg.Server.DevListenAddr = v
	}
	if v := os.Getenv("SSOD_COOKIE_DOMAIN"); v != "" {
		cfg.Server.CookieDomain = v
	}
	if v := os.Getenv("SSOD_STORAGE_DSN"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SSOD_DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.DevMode = b
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url required")
	}
	if c.Tokens.AccessTTL <= 0 {
		return fmt.Errorf("tokens.access_ttl must be positive")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return fmt.Errorf("tokens.refresh_ttl must exceed tokens.access_ttl")
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if c.Propagation.MaxParallelism <= 0 {
		return fmt.Errorf("propagation.max_parallelism must be positive")
	}
	if c.Propagation.DispatchTimeout <= 0 {
		return fmt.Errorf("propagation.dispatch_timeout must be positive")
	}
	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if cl.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id required", i)
		}
		if seen[cl.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, cl.ClientID)
		}
		seen[cl.ClientID] = true
		if cl.BaseDomain == "" {
			return fmt.Errorf("clients[%d]: base_domain required", i)
		}
		switch Platform(cl.Platform) {
		case PlatformWeb, PlatformMobile, PlatformOther, "":
		default:
			return fmt.Errorf("clients[%d]: platform %q not recognised", i, cl.Platform)
		}
	}
	return nil
}

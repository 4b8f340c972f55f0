package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tokens.AccessTTL != time.Hour {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.Tokens.RefreshTTL)
	}
	if !cfg.Tokens.CheckRevocationEnabled() {
		t.Fatalf("revocation checking must default on")
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if cfg.Propagation.MaxParallelism != 8 || cfg.Propagation.DispatchTimeout != 3*time.Second {
		t.Fatalf("propagation defaults: %+v", cfg.Propagation)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: https://sso.example.com
  cookie_domain: sso.example.com
  dev_mode: false
tokens:
  access_ttl: 15m
  check_revocation: false
storage:
  driver: postgres
  dsn: postgres://sso@db/sso
propagation:
  max_parallelism: 16
clients:
  - client_id: payroll
    name: Payroll
    base_domain: https://payroll.example.com
    platform: web
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://sso.example.com" || cfg.Server.DevMode {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Tokens.AccessTTL != 15*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.CheckRevocationEnabled() {
		t.Fatalf("check_revocation: false not honoured")
	}
	// Unset fields keep their defaults.
	if cfg.Tokens.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.Tokens.RefreshTTL)
	}
	if cfg.Propagation.MaxParallelism != 16 || cfg.Propagation.SetCookiePath != "/sso/set" {
		t.Fatalf("propagation: %+v", cfg.Propagation)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "payroll" {
		t.Fatalf("clients: %+v", cfg.Clients)
	}
}

func TestParseDuration(t *testing.T) {
	fallback := 10 * time.Minute
	if parseDuration("", fallback) != fallback {
		t.Fatalf("empty value must keep fallback")
	}
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("unparseable value must keep fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("valid value not parsed")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "server:\n  publick_url: oops\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("typoed keys must be rejected")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SSOD_PUBLIC_URL", "https://env.example.com")
	t.Setenv("SSOD_COOKIE_DOMAIN", "env.example.com")
	t.Setenv("SSOD_STORAGE_DSN", "postgres://env@db/sso")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://env.example.com" {
		t.Fatalf("public url = %q", cfg.Server.PublicURL)
	}
	if cfg.Server.CookieDomain != "env.example.com" {
		t.Fatalf("cookie domain = %q", cfg.Server.CookieDomain)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://env@db/sso" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }, "public_url"},
		{"zero access ttl", func(c *Config) { c.Tokens.AccessTTL = 0 }, "access_ttl"},
		{"refresh shorter than access", func(c *Config) { c.Tokens.RefreshTTL = time.Minute; c.Tokens.AccessTTL = time.Hour }, "refresh_ttl"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "driver"},
		{"zero parallelism", func(c *Config) { c.Propagation.MaxParallelism = 0 }, "max_parallelism"},
		{"client without id", func(c *Config) { c.Clients = []ClientConfig{{BaseDomain: "https://a.example"}} }, "client_id"},
		{"client without domain", func(c *Config) { c.Clients = []ClientConfig{{ClientID: "a"}} }, "base_domain"},
		{"duplicate clients", func(c *Config) {
			c.Clients = []ClientConfig{
				{ClientID: "a", BaseDomain: "https://a.example"},
				{ClientID: "a", BaseDomain: "https://b.example"},
			}
		}, "duplicate"},
		{"bad platform", func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "a", BaseDomain: "https://a.example", Platform: "desktop"}}
		}, "platform"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

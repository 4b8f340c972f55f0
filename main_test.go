package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ssod/server"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		" err ":   slog.LevelError,
	}
	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	// The generated template must load back cleanly.
	if _, err := server.LoadConfig(path); err != nil {
		t.Fatalf("generated config invalid: %v", err)
	}

	// A second init must not overwrite an existing file.
	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

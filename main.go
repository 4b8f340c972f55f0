package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"ssod/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("SSOD_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if len(flag.Args()) > 0 && flag.Args()[0] == "hashpw" {
		if err := runHashPassword(); err != nil {
			log.Fatalf("hashpw: %v", err)
		}
		return
	}

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	switch *configCmd {
	case "":
	case "init":
		if err := runConfigInit(configFile); err != nil {
			log.Fatalf("config init failed: %v", err)
		}
		logger.Info("configuration initialized", "path", configFile)
		return
	case "validate":
		if _, err := server.LoadConfig(configFile); err != nil {
			log.Fatalf("config validation failed: %v", err)
		}
		logger.Info("configuration is valid", "path", configFile)
		return
	default:
		log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
	}

	cfg, err := server.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	stopBackground := make(chan struct{})
	application.StartBackground(stopBackground)
	defer close(stopBackground)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	data, err := yaml.Marshal(server.DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// runHashPassword reads a password from the terminal and prints its
// bcrypt hash for seeding the users section of the config.
func runHashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	hash, err := server.HashPassword(string(raw))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

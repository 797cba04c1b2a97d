package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBase        string
	APIToken       string
	DBPath         string
	ListenAddr     string
	BridgeKeys     []string
	CORSOrigins    []string
	PollInterval   time.Duration
	TerminalMisses int
	Recency        time.Duration
	SubmitRPS      int
	NotifyWebhook  string
	LogFormat      string
}

// Load reads GDLSYNC_* variables. When envFile is set it is loaded first;
// a missing file is not an error and real environment variables win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		APIBase:       strings.TrimRight(getEnv("GDLSYNC_API_BASE", "http://localhost:8080"), "/"),
		APIToken:      getEnv("GDLSYNC_API_TOKEN", "changeme"),
		DBPath:        getEnv("GDLSYNC_DB_PATH", "gdlsync.db"),
		ListenAddr:    getEnv("GDLSYNC_LISTEN_ADDR", "127.0.0.1:8787"),
		BridgeKeys:    splitList(getEnv("GDLSYNC_BRIDGE_KEYS", "")),
		CORSOrigins:   splitList(getEnv("GDLSYNC_CORS_ORIGINS", "")),
		NotifyWebhook: getEnv("GDLSYNC_NOTIFY_WEBHOOK", ""),
		LogFormat:     strings.ToLower(getEnv("GDLSYNC_LOG_FORMAT", "text")),
	}

	if err := ValidateBase(cfg.APIBase); err != nil {
		return nil, fmt.Errorf("GDLSYNC_API_BASE: %w", err)
	}

	pollSeconds, err := getEnvInt("GDLSYNC_POLL_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("GDLSYNC_POLL_INTERVAL_SECONDS: %w", err)
	}
	if pollSeconds < 1 {
		return nil, errors.New("GDLSYNC_POLL_INTERVAL_SECONDS must be > 0")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	cfg.TerminalMisses, err = getEnvInt("GDLSYNC_TERMINAL_MISSES", 2)
	if err != nil {
		return nil, fmt.Errorf("GDLSYNC_TERMINAL_MISSES: %w", err)
	}
	if cfg.TerminalMisses < 1 {
		return nil, errors.New("GDLSYNC_TERMINAL_MISSES must be > 0")
	}

	recencyMinutes, err := getEnvInt("GDLSYNC_RECENCY_MINUTES", 10)
	if err != nil {
		return nil, fmt.Errorf("GDLSYNC_RECENCY_MINUTES: %w", err)
	}
	if recencyMinutes < 0 {
		return nil, errors.New("GDLSYNC_RECENCY_MINUTES must be >= 0")
	}
	cfg.Recency = time.Duration(recencyMinutes) * time.Minute

	cfg.SubmitRPS, err = getEnvInt("GDLSYNC_SUBMIT_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("GDLSYNC_SUBMIT_RPS: %w", err)
	}
	if cfg.SubmitRPS < 1 {
		return nil, errors.New("GDLSYNC_SUBMIT_RPS must be > 0")
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("GDLSYNC_LOG_FORMAT %q must be one of: text, json", cfg.LogFormat)
	}

	return cfg, nil
}

// ValidateBase checks that base is an absolute http(s) URL.
func ValidateBase(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	TrustProxy         bool
	CORSAllowedOrigins []string
	AdminToken         string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	// Lock tuning. Registration and offline locks share the same backoff;
	// the offline lock waits forever (tries=0) so a second trigger blocks
	// instead of skipping.
	LockTTL        time.Duration
	LockRetryDelay time.Duration
	LockTries      int

	CounterRetries int

	OfflineAutoRun bool
	OfflineDelay   time.Duration

	DirectoryDBDriver      string
	DirectoryDBDSN         string
	DirectoryTable         string
	DirectoryEmailColumn   string
	DirectoryNameColumn    string
	DirectoryTypeColumn    string
	DirectoryManagerColumn string

	NotifySender string
	NotifyFrom   string
	SMTPHost     string
	SMTPPort     int
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		AdminToken:               env("ADMIN_TOKEN", ""),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		LockTTL:                  time.Duration(envInt("LOCK_TTL_MS", 31000)) * time.Millisecond,
		LockRetryDelay:           time.Duration(envInt("LOCK_RETRY_DELAY_MS", 100)) * time.Millisecond,
		LockTries:                envInt("LOCK_TRIES", 50),
		CounterRetries:           envInt("COUNTER_RETRIES", 1),
		OfflineAutoRun:           envBool("OFFLINE_AUTO_RUN", true),
		OfflineDelay:             time.Duration(envInt("OFFLINE_DELAY_SEC", 1)) * time.Second,
		DirectoryDBDriver:        env("DIRECTORY_DB_DRIVER", ""),
		DirectoryDBDSN:           env("DIRECTORY_DB_DSN", ""),
		DirectoryTable:           env("DIRECTORY_TABLE", "users"),
		DirectoryEmailColumn:     env("DIRECTORY_EMAIL_COL", "email"),
		DirectoryNameColumn:      env("DIRECTORY_NAME_COL", "name"),
		DirectoryTypeColumn:      env("DIRECTORY_TYPE_COL", "employee_type"),
		DirectoryManagerColumn:   env("DIRECTORY_MANAGER_COL", "manager_email"),
		NotifySender:             strings.ToLower(env("NOTIFY_SENDER", "log")),
		NotifyFrom:               env("NOTIFY_FROM", "registrar@example.com"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
	}

	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.LockTTL <= 0 || cfg.LockRetryDelay <= 0 {
		return Config{}, fmt.Errorf("lock TTL and retry delay must be positive")
	}
	if cfg.LockTries < 0 {
		return Config{}, fmt.Errorf("LOCK_TRIES must be >= 0 (0 means unlimited)")
	}
	if cfg.CounterRetries < 0 {
		return Config{}, fmt.Errorf("COUNTER_RETRIES must be >= 0")
	}
	switch cfg.NotifySender {
	case "log", "smtp":
	default:
		return Config{}, fmt.Errorf("NOTIFY_SENDER must be one of: log, smtp")
	}
	if cfg.DirectoryDBDriver != "" {
		switch cfg.DirectoryDBDriver {
		case "pgx", "mysql":
		default:
			return Config{}, fmt.Errorf("DIRECTORY_DB_DRIVER must be one of: pgx, mysql")
		}
		if strings.TrimSpace(cfg.DirectoryDBDSN) == "" {
			return Config{}, fmt.Errorf("DIRECTORY_DB_DSN is required when DIRECTORY_DB_DRIVER is set")
		}
	}
	return cfg, nil
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath     string
	RawMailDir string
	OutputDir  string
	LogLevel   string
	LogFormat  string

	BackendURL             string
	OrganizationID         string
	UserEmail              string
	SlackChannel           string
	ConfidenceThreshold    float64
	AmountAnomalyThreshold float64

	BackendTimeoutMs     int
	BackendRateLimitRPS  int
	SyncRetryMaxAttempts int
	SyncRetryInitialMs   int
	SyncRetryMaxMs       int
	SyncMaxInFlight      int
	SyncPullSchedule     string
	ERPConnectTimeoutSec int

	ScanCooldownSec int
	ScanIntervalSec int
	ScanFetchMax    int
	MailProvider    string
	MailLabel       string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	VendorsFile   string
	MetricsAddr   string
	SlackBotToken string
	NATSURL       string
	NATSSubject   string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("DB_PATH", filepath.Join(cwd, "data", "apqueue.db")),
		RawMailDir: getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),

		BackendURL:             getEnv("BACKEND_URL", ""),
		OrganizationID:         getEnv("ORGANIZATION_ID", ""),
		UserEmail:              getEnv("USER_EMAIL", ""),
		SlackChannel:           getEnv("SLACK_CHANNEL", ""),
		ConfidenceThreshold:    getEnvFloat("CONFIDENCE_THRESHOLD", -1),
		AmountAnomalyThreshold: getEnvFloat("AMOUNT_ANOMALY_THRESHOLD", -1),

		BackendTimeoutMs:     getEnvInt("BACKEND_TIMEOUT_MS", 15000),
		BackendRateLimitRPS:  getEnvInt("BACKEND_RATE_LIMIT_RPS", 5),
		SyncRetryMaxAttempts: getEnvInt("SYNC_RETRY_MAX_ATTEMPTS", 4),
		SyncRetryInitialMs:   getEnvInt("SYNC_RETRY_INITIAL_MS", 250),
		SyncRetryMaxMs:       getEnvInt("SYNC_RETRY_MAX_MS", 4000),
		SyncMaxInFlight:      getEnvInt("SYNC_MAX_IN_FLIGHT", 4),
		SyncPullSchedule:     getEnv("SYNC_PULL_SCHEDULE", "@every 1m"),
		ERPConnectTimeoutSec: getEnvInt("ERP_CONNECT_TIMEOUT_SEC", 300),

		ScanCooldownSec: getEnvInt("SCAN_COOLDOWN_SEC", 60),
		ScanIntervalSec: getEnvInt("SCAN_INTERVAL_SEC", 120),
		ScanFetchMax:    getEnvInt("SCAN_FETCH_MAX", 25),
		MailProvider:    getEnv("MAIL_PROVIDER", "gmail"),
		MailLabel:       getEnv("MAIL_LABEL", "INBOX"),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		VendorsFile:   getEnv("VENDORS_FILE", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		SlackBotToken: getEnv("SLACK_BOT_TOKEN", ""),
		NATSURL:       getEnv("NATS_URL", ""),
		NATSSubject:   getEnv("NATS_SUBJECT", "apqueue.events"),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMs) * time.Millisecond
}

func (c Config) ScanCooldown() time.Duration {
	return time.Duration(c.ScanCooldownSec) * time.Second
}

func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

func (c Config) ERPConnectTimeout() time.Duration {
	return time.Duration(c.ERPConnectTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// Package config loads bridge configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all bridge configuration.
type Config struct {
	// Listener
	ListenAddr string
	TLSCert    string
	TLSKey     string

	// Protocol timers
	HandshakeTimeout      time.Duration
	HeartbeatInterval     time.Duration
	DefaultRequestTimeout time.Duration
	ClockTolerance        time.Duration

	// Limits
	MaxFrameBytes           int64
	MaxPendingPerSession    int
	SubscriberInboxCapacity int

	// Storage
	DataDir      string
	DatabasePath string

	// Operator API
	AdminTokenHash string // bcrypt hash of the operator bearer token
	TOTPSecret     string // optional, guards destructive admin routes
	AllowedOrigins []string

	// Shutdown
	ShutdownGrace time.Duration

	LogLevel string
}

// Load reads configuration from UPLINK_* environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("UPLINK_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr: getEnv("UPLINK_LISTEN", ":8420"),
		TLSCert:    os.Getenv("UPLINK_TLS_CERT"),
		TLSKey:     os.Getenv("UPLINK_TLS_KEY"),

		HandshakeTimeout:      parseDuration("UPLINK_HANDSHAKE_TIMEOUT", 10*time.Second),
		HeartbeatInterval:     parseDuration("UPLINK_HEARTBEAT_INTERVAL", 30*time.Second),
		DefaultRequestTimeout: parseDuration("UPLINK_REQUEST_TIMEOUT", 30*time.Second),
		ClockTolerance:        parseDuration("UPLINK_CLOCK_TOLERANCE", 30*time.Second),

		MaxFrameBytes:           int64(parseInt("UPLINK_MAX_FRAME_BYTES", 512*1024)),
		MaxPendingPerSession:    parseInt("UPLINK_MAX_PENDING", 256),
		SubscriberInboxCapacity: parseInt("UPLINK_INBOX_CAPACITY", 64),

		DataDir:      dataDir,
		DatabasePath: getEnv("UPLINK_DB_PATH", dataDir+"/uplink.db"),

		AdminTokenHash: os.Getenv("UPLINK_ADMIN_TOKEN_HASH"),
		TOTPSecret:     os.Getenv("UPLINK_TOTP_SECRET"),
		AllowedOrigins: parseOrigins("UPLINK_ALLOWED_ORIGINS"),

		ShutdownGrace: parseDuration("UPLINK_SHUTDOWN_GRACE", 15*time.Second),

		LogLevel: getEnv("UPLINK_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.AdminTokenHash == "" {
		errs = append(errs, "UPLINK_ADMIN_TOKEN_HASH is required")
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, "heartbeat interval must be at least 1 second")
	}
	if c.HandshakeTimeout < time.Second {
		errs = append(errs, "handshake timeout must be at least 1 second")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, "UPLINK_TLS_CERT and UPLINK_TLS_KEY must be set together")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTLS returns true if a certificate pair is configured.
func (c *Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HasTOTP returns true if destructive admin routes require TOTP.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

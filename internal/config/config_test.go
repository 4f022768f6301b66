package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("UPLINK_ADMIN_TOKEN_HASH", "$2a$10$fakehashfortests")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8420" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.DefaultRequestTimeout != 30*time.Second {
		t.Errorf("DefaultRequestTimeout = %v, want 30s", cfg.DefaultRequestTimeout)
	}
	if cfg.MaxFrameBytes != 512*1024 {
		t.Errorf("MaxFrameBytes = %d", cfg.MaxFrameBytes)
	}
	if cfg.DatabasePath != "/data/uplink.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.HasTLS() || cfg.HasTOTP() {
		t.Error("TLS/TOTP should be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("UPLINK_ADMIN_TOKEN_HASH", "$2a$10$fakehashfortests")
	t.Setenv("UPLINK_LISTEN", "127.0.0.1:9000")
	t.Setenv("UPLINK_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("UPLINK_MAX_PENDING", "32")
	t.Setenv("UPLINK_DATA_DIR", "/var/lib/uplink")
	t.Setenv("UPLINK_ALLOWED_ORIGINS", "https://panel.example.com, https://ops.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxPendingPerSession != 32 {
		t.Errorf("MaxPendingPerSession = %d", cfg.MaxPendingPerSession)
	}
	if cfg.DatabasePath != "/var/lib/uplink/uplink.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://ops.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_RequiresAdminToken(t *testing.T) {
	t.Setenv("UPLINK_ADMIN_TOKEN_HASH", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "UPLINK_ADMIN_TOKEN_HASH") {
		t.Errorf("Load = %v, want admin token error", err)
	}
}

func TestValidate_TLSPair(t *testing.T) {
	cfg := &Config{
		AdminTokenHash:    "hash",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		TLSCert:           "/etc/uplink/cert.pem",
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted cert without key")
	}

	cfg.TLSKey = "/etc/uplink/key.pem"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !cfg.HasTLS() {
		t.Error("HasTLS = false with both paths set")
	}
}

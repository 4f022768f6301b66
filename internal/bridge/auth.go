package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/protocol"
)

// ErrAuthFailed is the single failure the remote side ever learns about.
// The audited reason stays local.
var ErrAuthFailed = errors.New("authentication failed")

// ServerRecord is the slice of a registry row the core consumes.
type ServerRecord struct {
	ID         string
	Name       string
	Status     string
	Active     bool
	AllowedIPs []string
	LastSeenAt time.Time
}

// ServerRegistry resolves server ids and verifies tokens. Implemented by
// the storage collaborator.
type ServerRegistry interface {
	GetServer(ctx context.Context, serverID string) (*ServerRecord, error)
	VerifyToken(ctx context.Context, serverID, token string) (bool, error)
}

// AuthAttempt is one audited handshake outcome.
type AuthAttempt struct {
	ServerID   string
	RemoteAddr string
	Outcome    string // "accepted" or "rejected"
	Reason     string
}

// AuditSink records handshake outcomes. Implemented by the storage
// collaborator; writes are best-effort.
type AuditSink interface {
	LogAuth(ctx context.Context, attempt AuthAttempt) error
}

// AuthResult is handed to the session on a successful handshake.
type AuthResult struct {
	ServerID        string
	ProtocolVersion string
	Capabilities    protocol.CapabilitySet
	Info            protocol.ServerInfo
}

// Authenticator validates opening handshakes against the registry.
type Authenticator struct {
	log      zerolog.Logger
	registry ServerRegistry
	audit    AuditSink
	metrics  *Metrics
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(log zerolog.Logger, registry ServerRegistry, audit AuditSink, metrics *Metrics) *Authenticator {
	return &Authenticator{
		log:      log.With().Str("component", "auth").Logger(),
		registry: registry,
		audit:    audit,
		metrics:  metrics,
	}
}

// Verify runs the handshake pipeline. Every step must pass; the returned
// error is always ErrAuthFailed so the remote cannot distinguish steps.
func (a *Authenticator) Verify(ctx context.Context, hs *protocol.Handshake, remoteAddr string) (*AuthResult, error) {
	if hs.ProtocolVersion != protocol.Version {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "protocol_version_mismatch")
	}
	if hs.ServerID == "" {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "missing_server_id")
	}

	record, err := a.registry.GetServer(ctx, hs.ServerID)
	if err != nil {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "registry_error")
	}
	if record == nil || !record.Active {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "unknown_server")
	}

	ok, err := a.registry.VerifyToken(ctx, hs.ServerID, hs.Token)
	if err != nil || !ok {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "invalid_token")
	}

	if len(record.AllowedIPs) > 0 && !addrAllowed(remoteAddr, record.AllowedIPs) {
		return nil, a.reject(ctx, hs.ServerID, remoteAddr, "address_not_allowed")
	}

	a.logAttempt(ctx, AuthAttempt{
		ServerID:   hs.ServerID,
		RemoteAddr: remoteAddr,
		Outcome:    "accepted",
	})

	return &AuthResult{
		ServerID:        hs.ServerID,
		ProtocolVersion: hs.ProtocolVersion,
		Capabilities:    protocol.NewCapabilitySet(hs.ServerInfo.Capabilities),
		Info:            hs.ServerInfo,
	}, nil
}

func (a *Authenticator) reject(ctx context.Context, serverID, remoteAddr, reason string) error {
	a.log.Warn().
		Str("server", serverID).
		Str("remote", remoteAddr).
		Str("reason", reason).
		Msg("handshake rejected")
	if a.metrics != nil {
		a.metrics.AuthFailures.Inc()
	}
	a.logAttempt(ctx, AuthAttempt{
		ServerID:   serverID,
		RemoteAddr: remoteAddr,
		Outcome:    "rejected",
		Reason:     reason,
	})
	return ErrAuthFailed
}

func (a *Authenticator) logAttempt(ctx context.Context, attempt AuthAttempt) {
	if a.audit == nil {
		return
	}
	if err := a.audit.LogAuth(ctx, attempt); err != nil {
		a.log.Error().Err(err).Msg("failed to write auth audit entry")
	}
}

// addrAllowed checks the remote host against exact IPs and CIDR entries.
func addrAllowed(remoteAddr string, allowed []string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// SecureCompare reports whether two strings are equal in constant time.
// Registries holding plain verifiers should compare with this.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

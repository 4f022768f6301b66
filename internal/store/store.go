// Package store persists the server registry, lifecycle status, auth
// audit trail, and buffered events in SQLite.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/uplink-mc/uplink/internal/bridge"
)

// ErrNotFound is returned when a server id has no registry row.
var ErrNotFound = errors.New("server not found")

// Store provides SQLite-backed persistence. It implements the registry,
// status sink, and audit sink interfaces the bridge consumes.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New wraps an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the writer.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		token_hash  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'unknown',
		allowed_ips TEXT,
		active      INTEGER NOT NULL DEFAULT 1,
		last_seen   DATETIME,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS auth_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id   TEXT,
		remote_addr TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		reason      TEXT,
		at          DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_auth_log_server ON auth_log(server_id);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id   TEXT NOT NULL,
		op          TEXT NOT NULL,
		data        TEXT,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_server_time ON events(server_id, received_at);
	`
	_, err := db.Exec(schema)
	return err
}

// ServerRow is a registry row as listed by the operator API.
type ServerRow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Active    bool       `json:"active"`
	LastSeen  *time.Time `json:"lastSeen"`
	CreatedAt time.Time  `json:"createdAt"`
}

// GetServer implements bridge.ServerRegistry. A missing id returns
// (nil, nil).
func (s *Store) GetServer(ctx context.Context, serverID string) (*bridge.ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, active, allowed_ips, last_seen
		FROM servers WHERE id = ?
	`, serverID)

	var (
		record     bridge.ServerRecord
		allowedIPs sql.NullString
		lastSeen   sql.NullTime
	)
	err := row.Scan(&record.ID, &record.Name, &record.Status, &record.Active, &allowedIPs, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if allowedIPs.Valid && allowedIPs.String != "" {
		for _, ip := range strings.Split(allowedIPs.String, ",") {
			if trimmed := strings.TrimSpace(ip); trimmed != "" {
				record.AllowedIPs = append(record.AllowedIPs, trimmed)
			}
		}
	}
	if lastSeen.Valid {
		record.LastSeenAt = lastSeen.Time
	}
	return &record, nil
}

// VerifyToken implements bridge.ServerRegistry using the stored bcrypt
// hash. bcrypt's comparison is constant-time per attempt.
func (s *Store) VerifyToken(ctx context.Context, serverID, token string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token_hash FROM servers WHERE id = ?`, serverID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil, nil
}

// UpdateServer implements bridge.StatusSink.
func (s *Store) UpdateServer(ctx context.Context, serverID string, update bridge.ServerStatusUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, last_seen = ? WHERE id = ?
	`, update.Status, update.LastSeenAt.UTC(), serverID)
	return err
}

// LogAuth implements bridge.AuditSink.
func (s *Store) LogAuth(ctx context.Context, attempt bridge.AuthAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_log (server_id, remote_addr, outcome, reason) VALUES (?, ?, ?, ?)
	`, attempt.ServerID, attempt.RemoteAddr, attempt.Outcome, attempt.Reason)
	return err
}

// RecordEvent buffers an inbound event.
func (s *Store) RecordEvent(ctx context.Context, ev *bridge.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (server_id, op, data, received_at) VALUES (?, ?, ?, ?)
	`, ev.ServerID, ev.Op, string(ev.Data), ev.ReceivedAt.UTC())
	return err
}

// ListServers returns all registry rows ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]ServerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, active, last_seen, created_at FROM servers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []ServerRow
	for rows.Next() {
		var (
			row      ServerRow
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&row.ID, &row.Name, &row.Status, &row.Active, &lastSeen, &row.CreatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			row.LastSeen = &t
		}
		servers = append(servers, row)
	}
	return servers, rows.Err()
}

// CreateServer registers a server and returns its id and the plaintext
// token. The token is only ever returned here; the database keeps the
// hash.
func (s *Store) CreateServer(ctx context.Context, name string, allowedIPs []string) (id, token string, err error) {
	id = uuid.NewString()
	token, err = generateToken()
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, token_hash, status, allowed_ips) VALUES (?, ?, ?, 'offline', ?)
	`, id, name, string(hash), strings.Join(allowedIPs, ","))
	if err != nil {
		return "", "", err
	}

	s.log.Info().Str("server", id).Str("name", name).Msg("server registered")
	return id, token, nil
}

// RotateToken replaces a server's token and returns the new plaintext.
func (s *Store) RotateToken(ctx context.Context, serverID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE servers SET token_hash = ? WHERE id = ?
	`, string(hash), serverID)
	if err != nil {
		return "", err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}

	s.log.Info().Str("server", serverID).Msg("token rotated")
	return token, nil
}

// DeleteServer removes a server and its buffered events.
func (s *Store) DeleteServer(ctx context.Context, serverID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, serverID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM events WHERE server_id = ?`, serverID)
	return nil
}

// MarkAllOffline flips any stale online rows at startup; live connectors
// re-mark themselves when they reconnect.
func (s *Store) MarkAllOffline(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET status = 'offline' WHERE status = 'online'`)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.log.Info().Int64("count", n).Msg("marked stale servers offline on startup")
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

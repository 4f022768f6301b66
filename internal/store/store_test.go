package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/bridge"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "uplink.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(zerolog.Nop(), db)
}

func TestStore_CreateAndVerify(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, token, err := s.CreateServer(ctx, "lobby", []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if id == "" || token == "" {
		t.Fatal("empty id or token")
	}

	record, err := s.GetServer(ctx, id)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if record == nil {
		t.Fatal("GetServer returned nil for existing server")
	}
	if record.Name != "lobby" || !record.Active {
		t.Errorf("record = %+v", record)
	}
	if len(record.AllowedIPs) != 1 || record.AllowedIPs[0] != "10.0.0.0/8" {
		t.Errorf("AllowedIPs = %v", record.AllowedIPs)
	}

	if ok, err := s.VerifyToken(ctx, id, token); err != nil || !ok {
		t.Errorf("VerifyToken(correct) = %v, %v", ok, err)
	}
	if ok, _ := s.VerifyToken(ctx, id, "wrong"); ok {
		t.Error("VerifyToken accepted a wrong token")
	}
	if ok, _ := s.VerifyToken(ctx, "ghost", token); ok {
		t.Error("VerifyToken accepted an unknown server")
	}
}

func TestStore_GetServer_Missing(t *testing.T) {
	s := testStore(t)
	record, err := s.GetServer(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if record != nil {
		t.Errorf("GetServer(ghost) = %+v, want nil", record)
	}
}

func TestStore_StatusUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id, _, err := s.CreateServer(ctx, "lobby", nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := s.UpdateServer(ctx, id, bridge.ServerStatusUpdate{Status: "online", LastSeenAt: now}); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}

	servers, err := s.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Status != "online" {
		t.Fatalf("servers = %+v", servers)
	}
	if servers[0].LastSeen == nil {
		t.Error("LastSeen not recorded")
	}

	if err := s.MarkAllOffline(ctx); err != nil {
		t.Fatalf("MarkAllOffline: %v", err)
	}
	servers, _ = s.ListServers(ctx)
	if servers[0].Status != "offline" {
		t.Errorf("status after MarkAllOffline = %q", servers[0].Status)
	}
}

func TestStore_RotateToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id, oldToken, err := s.CreateServer(ctx, "lobby", nil)
	if err != nil {
		t.Fatal(err)
	}

	newToken, err := s.RotateToken(ctx, id)
	if err != nil {
		t.Fatalf("RotateToken: %v", err)
	}
	if newToken == oldToken {
		t.Error("rotation returned the old token")
	}
	if ok, _ := s.VerifyToken(ctx, id, oldToken); ok {
		t.Error("old token still valid after rotation")
	}
	if ok, _ := s.VerifyToken(ctx, id, newToken); !ok {
		t.Error("new token not valid after rotation")
	}

	if _, err := s.RotateToken(ctx, "ghost"); err != ErrNotFound {
		t.Errorf("RotateToken(ghost) = %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id, _, err := s.CreateServer(ctx, "lobby", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteServer(ctx, id); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if record, _ := s.GetServer(ctx, id); record != nil {
		t.Error("server still present after delete")
	}
	if err := s.DeleteServer(ctx, id); err != ErrNotFound {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestStore_AuditAndEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.LogAuth(ctx, bridge.AuthAttempt{
		ServerID:   "srv1",
		RemoteAddr: "10.1.2.3:51234",
		Outcome:    "rejected",
		Reason:     "invalid_token",
	})
	if err != nil {
		t.Fatalf("LogAuth: %v", err)
	}

	data, _ := json.Marshal(map[string]string{"player": "steve"})
	err = s.RecordEvent(ctx, &bridge.Event{
		ServerID:   "srv1",
		Op:         "player.join",
		Data:       data,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE server_id = 'srv1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("events count = %d, want 1", count)
	}
}

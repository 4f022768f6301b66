package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/config"
	"github.com/uplink-mc/uplink/internal/protocol"
)

// fakeRegistry is an in-memory ServerRegistry with plaintext verifiers.
type fakeRegistry struct {
	mu     sync.Mutex
	tokens map[string]string
	ips    map[string][]string
}

func (f *fakeRegistry) GetServer(_ context.Context, serverID string) (*ServerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[serverID]; !ok {
		return nil, nil
	}
	return &ServerRecord{
		ID:         serverID,
		Name:       serverID,
		Status:     "offline",
		Active:     true,
		AllowedIPs: f.ips[serverID],
	}, nil
}

func (f *fakeRegistry) VerifyToken(_ context.Context, serverID, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SecureCompare(f.tokens[serverID], token), nil
}

type statusUpdate struct {
	serverID string
	status   string
}

// fakeStatusSink records lifecycle writes in order.
type fakeStatusSink struct {
	mu      sync.Mutex
	updates []statusUpdate
}

func (f *fakeStatusSink) UpdateServer(_ context.Context, serverID string, update ServerStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{serverID: serverID, status: update.Status})
	return nil
}

func (f *fakeStatusSink) statuses(serverID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.updates {
		if u.serverID == serverID {
			out = append(out, u.status)
		}
	}
	return out
}

// fakeAudit records handshake outcomes.
type fakeAudit struct {
	mu       sync.Mutex
	attempts []AuthAttempt
}

func (f *fakeAudit) LogAuth(_ context.Context, attempt AuthAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeAudit) last() (AuthAttempt, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attempts) == 0 {
		return AuthAttempt{}, false
	}
	return f.attempts[len(f.attempts)-1], true
}

func testConfig() *config.Config {
	return &config.Config{
		HandshakeTimeout:        2 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		DefaultRequestTimeout:   2 * time.Second,
		ClockTolerance:          time.Minute,
		MaxFrameBytes:           512 * 1024,
		MaxPendingPerSession:    64,
		SubscriberInboxCapacity: 16,
	}
}

type testEnv struct {
	t        *testing.T
	bridge   *Bridge
	server   *httptest.Server
	registry *fakeRegistry
	sink     *fakeStatusSink
	audit    *fakeAudit
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	registry := &fakeRegistry{
		tokens: map[string]string{"srv1": "token-1", "srv2": "token-2"},
		ips:    map[string][]string{},
	}
	sink := &fakeStatusSink{}
	audit := &fakeAudit{}
	b := New(cfg, zerolog.Nop(), registry, sink, audit, prometheus.NewRegistry())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.HandleWS)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = b.Shutdown(2 * time.Second)
		server.Close()
	})

	return &testEnv{t: t, bridge: b, server: server, registry: registry, sink: sink, audit: audit}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

// connector drives one fake game-server socket.
type connector struct {
	t     *testing.T
	conn  *websocket.Conn
	codec *protocol.Codec
}

func (e *testEnv) dial() *connector {
	e.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { _ = conn.Close() })
	return &connector{t: e.t, conn: conn, codec: protocol.NewCodec(zerolog.Nop(), 0)}
}

func (c *connector) send(f *protocol.Frame) {
	c.t.Helper()
	data, err := c.codec.Encode(f)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *connector) read(timeout time.Duration) (*protocol.Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

func (c *connector) mustRead(timeout time.Duration) *protocol.Frame {
	c.t.Helper()
	f, err := c.read(timeout)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// handshake performs the opening exchange and returns the ack frame.
func (c *connector) handshake(serverID, token string, caps ...string) *protocol.Frame {
	c.t.Helper()
	hs, err := protocol.NewSystem("hs-1", protocol.SystemHandshake, protocol.Handshake{
		ProtocolVersion: protocol.Version,
		ServerType:      "minecraft",
		ServerID:        serverID,
		Token:           token,
		ServerInfo: protocol.ServerInfo{
			Name:         serverID,
			Version:      "1.21.1",
			CoreType:     "paper",
			CoreName:     "Paper",
			Capabilities: caps,
		},
	})
	if err != nil {
		c.t.Fatalf("build handshake: %v", err)
	}
	c.send(hs)
	return c.mustRead(2 * time.Second)
}

func parseAck(t *testing.T, f *protocol.Frame) protocol.HandshakeAck {
	t.Helper()
	if f.Type != protocol.TypeSystem || f.SystemOp != protocol.SystemHandshake {
		t.Fatalf("expected handshake ack, got %s/%s", f.Type, f.SystemOp)
	}
	var ack protocol.HandshakeAck
	if err := f.ParseData(&ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	return ack
}

// respondTo answers the next request with the given response payload.
func (c *connector) respondTo(op string, success bool, data any, detail *protocol.ErrorDetail) {
	c.t.Helper()
	req := c.mustRead(5 * time.Second)
	if req.Type != protocol.TypeRequest || req.Op != op {
		c.t.Fatalf("expected request %s, got %s/%s", op, req.Type, req.Op)
	}
	resp, err := protocol.NewResponse(req.ID, req.Op, success, data, detail)
	if err != nil {
		c.t.Fatalf("build response: %v", err)
	}
	c.send(resp)
}

func asConnectionLost(err error, target **ConnectionLostError) bool {
	return errors.As(err, target)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

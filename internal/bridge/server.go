package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/config"
	"github.com/uplink-mc/uplink/internal/protocol"
)

// Bridge wires the connection layer together and is the surface operator
// services program against.
type Bridge struct {
	log        zerolog.Logger
	cfg        *config.Config
	codec      *protocol.Codec
	hub        *Hub
	broker     *Broker
	dispatcher *Dispatcher
	auth       *Authenticator
	reporter   *Reporter
	metrics    *Metrics
	upgrader   websocket.Upgrader
}

// New assembles a bridge over the injected collaborators.
func New(cfg *config.Config, log zerolog.Logger, registry ServerRegistry, status StatusSink, audit AuditSink, reg prometheus.Registerer) *Bridge {
	metrics := NewMetrics(reg)
	reporter := NewReporter(log, status, cfg.HeartbeatInterval)
	hub := NewHub(log, reporter)

	b := &Bridge{
		log:        log.With().Str("component", "bridge").Logger(),
		cfg:        cfg,
		codec:      protocol.NewCodec(log, cfg.ClockTolerance),
		hub:        hub,
		broker:     NewBroker(log, hub, cfg.DefaultRequestTimeout, metrics),
		dispatcher: NewDispatcher(log, cfg.SubscriberInboxCapacity, metrics),
		auth:       NewAuthenticator(log, registry, audit, metrics),
		reporter:   reporter,
		metrics:    metrics,
	}

	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

// checkOrigin accepts non-browser clients (no Origin header) always, and
// browser clients only from configured origins.
func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return len(b.cfg.AllowedOrigins) == 0
}

// Run drives the lifecycle reporter until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	b.reporter.Run(ctx, b.hub)
}

// Execute routes op to serverID and awaits the correlated response.
func (b *Bridge) Execute(ctx context.Context, serverID, op string, data any, timeout time.Duration) (*protocol.Frame, error) {
	return b.broker.Execute(ctx, serverID, op, data, timeout)
}

// Subscribe registers an event consumer for the given op patterns.
func (b *Bridge) Subscribe(ops []string, filter EventFilter) *Subscription {
	return b.dispatcher.Subscribe(ops, filter)
}

// Unsubscribe destroys a subscription handle.
func (b *Bridge) Unsubscribe(sub *Subscription) {
	b.dispatcher.Unsubscribe(sub)
}

// Snapshot reports all connected sessions.
func (b *Bridge) Snapshot() []SessionStatus {
	return b.hub.Snapshot()
}

// Shutdown closes all sessions and waits for them to drain within grace.
func (b *Bridge) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return b.hub.Shutdown(ctx)
}

// HandleWS upgrades a connector socket and drives its handshake.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	go b.acceptSession(conn)
}

// acceptSession runs the Connecting→Authenticating→Active path for one
// socket. On any failure the session closes before it ever reaches the
// hub.
func (b *Bridge) acceptSession(conn *websocket.Conn) {
	opts := SessionOptions{
		HeartbeatInterval: b.cfg.HeartbeatInterval,
		MaxFrameBytes:     b.cfg.MaxFrameBytes,
		MaxPending:        b.cfg.MaxPendingPerSession,
	}
	s := newSession(b.log, conn, b.codec, opts, b.dispatcher, b.hub, b.metrics)
	s.beginAuthenticating()

	if b.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(b.cfg.MaxFrameBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		s.Close(ReasonAuthTimeout)
		return
	}

	var frame *protocol.Frame
	if msgType == websocket.TextMessage {
		frame, err = b.codec.Decode(data)
	}
	if frame == nil || err != nil || frame.Type != protocol.TypeSystem || frame.SystemOp != protocol.SystemHandshake {
		b.nack(s, frameID(frame))
		s.Close(ReasonAuthFailed)
		return
	}

	var hs protocol.Handshake
	if err := frame.ParseData(&hs); err != nil {
		b.nack(s, frame.ID)
		s.Close(ReasonAuthFailed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandshakeTimeout)
	result, err := b.auth.Verify(ctx, &hs, s.RemoteAddr())
	cancel()
	if err != nil {
		b.nack(s, frame.ID)
		s.Close(ReasonAuthFailed)
		return
	}

	s.activate(result)

	if _, err := b.hub.Install(s); err != nil {
		b.nack(s, frame.ID)
		s.Close(ReasonShutdown)
		return
	}

	ack, err := protocol.NewSystem(frame.ID, protocol.SystemHandshake, protocol.HandshakeAck{
		Success:      true,
		Capabilities: result.Capabilities.Names(),
	})
	if err == nil {
		s.writeFrame(ack)
	}

	s.start()
}

// nack answers a failed handshake before closing. The remote learns only
// the generic reason.
func (b *Bridge) nack(s *Session, id string) {
	if id == "" {
		id = "handshake"
	}
	frame, err := protocol.NewSystem(id, protocol.SystemHandshake, protocol.HandshakeAck{
		Success: false,
		Reason:  ReasonAuthFailed,
	})
	if err != nil {
		return
	}
	s.writeFrame(frame)
}

func frameID(f *protocol.Frame) string {
	if f == nil {
		return ""
	}
	return f.ID
}

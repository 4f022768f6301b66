package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/protocol"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// SessionState tracks a session through its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventSink receives inbound event frames from sessions.
type EventSink interface {
	Dispatch(serverID string, f *protocol.Frame)
}

// CloseNotifier is told when a session reaches Closed. The Hub implements
// it; sessions hold the interface rather than the Hub itself.
type CloseNotifier interface {
	SessionClosed(s *Session)
}

// SessionOptions bound a session's queues and timers.
type SessionOptions struct {
	HeartbeatInterval time.Duration
	MaxFrameBytes     int64
	MaxPending        int
	SendQueueSize     int
}

// Session owns one authenticated connector socket end to end.
type Session struct {
	log   zerolog.Logger
	conn  *websocket.Conn
	codec *protocol.Codec
	opts  SessionOptions

	serverID        string
	remoteAddr      string
	protocolVersion string
	caps            protocol.CapabilitySet
	info            protocol.ServerInfo
	connectedAt     time.Time

	mu          sync.Mutex
	state       SessionState
	lastSeen    time.Time
	pending     map[string]chan *protocol.Frame
	closeReason string
	started     bool

	send      chan *protocol.Frame
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	loops     sync.WaitGroup

	events  EventSink
	notify  CloseNotifier
	metrics *Metrics
}

func newSession(log zerolog.Logger, conn *websocket.Conn, codec *protocol.Codec, opts SessionOptions, events EventSink, notify CloseNotifier, metrics *Metrics) *Session {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	return &Session{
		log:         log,
		conn:        conn,
		codec:       codec,
		opts:        opts,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		state:       StateConnecting,
		lastSeen:    time.Now(),
		pending:     make(map[string]chan *protocol.Frame),
		send:        make(chan *protocol.Frame, opts.SendQueueSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		events:      events,
		notify:      notify,
		metrics:     metrics,
	}
}

// ServerID returns the authenticated server id, empty before handshake.
func (s *Session) ServerID() string { return s.serverID }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Capabilities returns the capability set advertised at handshake.
func (s *Session) Capabilities() protocol.CapabilitySet { return s.caps }

// Info returns the serverInfo block from the handshake.
func (s *Session) Info() protocol.ServerInfo { return s.info }

// ConnectedAt returns when the socket was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the time of the most recent inbound frame.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// CloseReason returns the reason recorded at close, empty while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send enqueues a frame for the writer. Frames are written in enqueue
// order per session.
func (s *Session) Send(f *protocol.Frame) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Request sends op with a fresh correlation id and blocks until the
// matching response arrives, the timeout fires, the caller cancels, or the
// session closes.
func (s *Session) Request(ctx context.Context, op string, data any, timeout time.Duration) (*protocol.Frame, error) {
	id := uuid.NewString()
	frame, err := protocol.NewRequest(id, op, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Frame, 1)
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, &ConnectionLostError{Reason: s.closeReason}
	}
	if s.opts.MaxPending > 0 && len(s.pending) >= s.opts.MaxPending {
		s.mu.Unlock()
		return nil, ErrPendingLimit
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.Send(frame); err != nil {
		s.removePending(id)
		return nil, &ConnectionLostError{Reason: s.CloseReason()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		if s.removePending(id) {
			return nil, ErrTimeout
		}
		return s.racedResponse(ch)
	case <-ctx.Done():
		if s.removePending(id) {
			return nil, ctx.Err()
		}
		return s.racedResponse(ch)
	case <-s.closed:
		if s.removePending(id) {
			return nil, &ConnectionLostError{Reason: s.CloseReason()}
		}
		return s.racedResponse(ch)
	}
}

// racedResponse handles the window where the reader resolved the waiter at
// the same moment another arm of the select fired. The response, if any,
// is already buffered.
func (s *Session) racedResponse(ch chan *protocol.Frame) (*protocol.Frame, error) {
	select {
	case resp := <-ch:
		return resp, nil
	default:
		return nil, &ConnectionLostError{Reason: s.CloseReason()}
	}
}

// removePending deletes the waiter for id and reports whether this call
// removed it. Exactly one remover wins per id.
func (s *Session) removePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// resolvePending delivers a response to its waiter. Responses with no
// waiter (late arrivals after timeout or cancel) are dropped. Delete and
// deliver happen under the lock so a waiter that loses the removal race
// always finds its response buffered.
func (s *Session) resolvePending(f *protocol.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
		ch <- f
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug().Str("id", f.ID).Msg("dropping response with no waiter")
	}
}

// pendingCount is used by tests to assert the table drains.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close shuts the session down. Idempotent; the first caller's reason
// wins. All pending requests fail with ErrConnectionLost. The session
// stays Draining until both loops have returned; only then does it reach
// Closed, leave the hub, and settle the metrics gauge.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateDraining
		}
		s.closeReason = reason
		s.mu.Unlock()

		// Waiters and loops observe the closed channel; pending entries
		// are removed by their own waiters as they wake.
		close(s.closed)

		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = s.conn.Close()

		// Close is called from inside the loops, so the final transition
		// runs in its own goroutine; wait() observes it through done.
		go func() {
			s.loops.Wait()

			s.mu.Lock()
			s.state = StateClosed
			started := s.started
			s.mu.Unlock()

			if s.notify != nil {
				s.notify.SessionClosed(s)
			}
			if s.metrics != nil && started {
				s.metrics.SessionsActive.Dec()
			}

			s.log.Info().Str("reason", reason).Msg("session closed")
			close(s.done)
		}()
	})
}

// beginAuthenticating marks the session as awaiting its handshake.
func (s *Session) beginAuthenticating() {
	s.mu.Lock()
	s.state = StateAuthenticating
	s.mu.Unlock()
}

// activate applies a successful handshake result and transitions to
// Active. Called before the session is installed in the hub.
func (s *Session) activate(res *AuthResult) {
	s.serverID = res.ServerID
	s.protocolVersion = res.ProtocolVersion
	s.caps = res.Capabilities
	s.info = res.Info
	s.log = s.log.With().Str("component", "session").Str("server", res.ServerID).Logger()

	s.mu.Lock()
	s.state = StateActive
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// start launches the reader and writer loops for an Active session. A
// session that was closed in the meantime (a superseding handshake can
// land between hub install and start) stays stopped and never touches
// the gauge.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.started = true
	s.loops.Add(2)
	go s.readLoop()
	go s.writeLoop()
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
}

// wait blocks until the session has fully closed or ctx expires.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop decodes inbound frames and routes them by type.
func (s *Session) readLoop() {
	defer s.loops.Done()

	// The writer closes idle sessions at twice the heartbeat interval; the
	// read deadline sits beyond that as a backstop so the writer's reason
	// wins.
	idleTimeout := 3 * s.opts.HeartbeatInterval
	if s.opts.MaxFrameBytes > 0 {
		s.conn.SetReadLimit(s.opts.MaxFrameBytes)
	}

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("read error")
			}
			s.Close(ReasonReadError)
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Warn().Msg("binary payload rejected")
			s.Close(ReasonMalformedFrame)
			return
		}

		f, err := s.codec.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("protocol error")
			if errors.Is(err, protocol.ErrUnsupportedVersion) {
				s.Close("unsupported_version")
			} else {
				s.Close(ReasonMalformedFrame)
			}
			return
		}

		s.touch()
		if s.metrics != nil {
			s.metrics.FramesIn.Inc()
		}

		switch f.Type {
		case protocol.TypeSystem:
			if s.handleSystem(f) {
				return
			}
		case protocol.TypeResponse:
			s.resolvePending(f)
		case protocol.TypeEvent:
			s.events.Dispatch(s.serverID, f)
		case protocol.TypeRequest:
			// Connectors do not initiate management requests over this
			// layer; answer each with a single rejection.
			resp, err := protocol.NewResponse(f.ID, f.Op, false, nil, &protocol.ErrorDetail{
				Code:    "unexpected_request",
				Message: "server-initiated requests are not accepted",
			})
			if err == nil {
				_ = s.Send(resp)
			}
		}
	}
}

// handleSystem processes a system frame. Returns true when the loop
// should stop.
func (s *Session) handleSystem(f *protocol.Frame) bool {
	switch f.SystemOp {
	case protocol.SystemPing:
		pong, err := protocol.NewSystem(f.ID, protocol.SystemPong, nil)
		if err == nil {
			_ = s.Send(pong)
		}
	case protocol.SystemPong:
		// lastSeen already refreshed
	case protocol.SystemDisconnect:
		s.Close(ReasonDisconnect)
		return true
	case protocol.SystemHandshake:
		s.log.Warn().Msg("duplicate handshake on active session ignored")
	}
	return false
}

// writeLoop serializes outbound frames and drives the heartbeat.
func (s *Session) writeLoop() {
	defer s.loops.Done()

	interval := s.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.send:
			if !s.writeFrame(f) {
				return
			}

		case <-ticker.C:
			idle := time.Since(s.LastSeen())
			if idle >= 2*interval {
				s.Close(ReasonHeartbeatTimeout)
				return
			}
			if idle >= interval {
				ping, err := protocol.NewSystem("", protocol.SystemPing, nil)
				if err == nil && !s.writeFrame(ping) {
					return
				}
			}

		case <-s.closed:
			return
		}
	}
}

func (s *Session) writeFrame(f *protocol.Frame) bool {
	data, err := s.codec.Encode(f)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(f.Type)).Msg("dropping unencodable frame")
		return true
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.Close(ReasonWriteError)
		return false
	}
	if s.metrics != nil {
		s.metrics.FramesOut.Inc()
	}
	return true
}

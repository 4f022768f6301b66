package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LifecycleListener observes hub transitions. The reporter implements it.
type LifecycleListener interface {
	SessionOnline(serverID string, s *Session)
	SessionOffline(serverID, reason string)
}

// SessionStatus is one entry of a hub snapshot.
type SessionStatus struct {
	ServerID       string    `json:"serverId"`
	State          string    `json:"state"`
	ConnectedSince time.Time `json:"connectedSince"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	Capabilities   []string  `json:"capabilities"`
}

// Hub holds the serverId→session registry and enforces that at most one
// Active session exists per server id.
type Hub struct {
	log       zerolog.Logger
	lifecycle LifecycleListener

	mu       sync.Mutex
	sessions map[string]*Session
	down     bool
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger, lifecycle LifecycleListener) *Hub {
	return &Hub{
		log:       log.With().Str("component", "hub").Logger(),
		lifecycle: lifecycle,
		sessions:  make(map[string]*Session),
	}
}

// Install binds a freshly authenticated session. A prior session for the
// same server id is closed with reason superseded after the new binding is
// in place, so its Offline is suppressed while the id stays connected.
func (h *Hub) Install(s *Session) (superseded bool, err error) {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return false, ErrShuttingDown
	}
	prior := h.sessions[s.serverID]
	h.sessions[s.serverID] = s
	// Emitted under the lock so status writes land in binding order.
	if h.lifecycle != nil {
		h.lifecycle.SessionOnline(s.serverID, s)
	}
	h.mu.Unlock()

	h.log.Info().
		Str("server", s.serverID).
		Str("remote", s.remoteAddr).
		Bool("superseded_prior", prior != nil).
		Msg("session installed")

	if prior != nil {
		prior.Close(ReasonSuperseded)
	}
	return prior != nil, nil
}

// Lookup returns the Active session for serverID.
func (h *Hub) Lookup(serverID string) (*Session, error) {
	h.mu.Lock()
	s := h.sessions[serverID]
	h.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// SessionClosed implements CloseNotifier. The binding is removed only if
// it still points at the closing session; a superseded session finds its
// slot already owned by its replacement and emits nothing.
func (h *Hub) SessionClosed(s *Session) {
	if s.serverID == "" {
		return
	}

	h.mu.Lock()
	if h.sessions[s.serverID] == s {
		delete(h.sessions, s.serverID)
		if h.lifecycle != nil {
			h.lifecycle.SessionOffline(s.serverID, s.CloseReason())
		}
	}
	h.mu.Unlock()
}

// Snapshot reports all connected sessions, sorted by server id.
func (h *Hub) Snapshot() []SessionStatus {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, SessionStatus{
			ServerID:       s.ServerID(),
			State:          s.State().String(),
			ConnectedSince: s.ConnectedAt(),
			LastSeenAt:     s.LastSeen(),
			Capabilities:   s.Capabilities().Names(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ServerID < statuses[j].ServerID })
	return statuses
}

// Shutdown closes every session concurrently and waits for them to drain
// until ctx expires. Installs are rejected from the first moment.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.down = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ReasonShutdown)
			_ = s.wait(ctx)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

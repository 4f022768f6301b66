package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ServerStatusUpdate is pushed to the status sink on lifecycle
// transitions and heartbeat ticks.
type ServerStatusUpdate struct {
	Status     string
	LastSeenAt time.Time
}

// StatusSink persists server status. Implemented by the storage
// collaborator; writes are best-effort.
type StatusSink interface {
	UpdateServer(ctx context.Context, serverID string, update ServerStatusUpdate) error
}

// Reporter translates hub transitions into status sink writes and
// periodically refreshes lastSeen for connected sessions. A sink failure
// is logged and never destabilizes a session.
type Reporter struct {
	log      zerolog.Logger
	sink     StatusSink
	interval time.Duration
}

// NewReporter creates a reporter refreshing lastSeen every interval.
func NewReporter(log zerolog.Logger, sink StatusSink, interval time.Duration) *Reporter {
	return &Reporter{
		log:      log.With().Str("component", "lifecycle").Logger(),
		sink:     sink,
		interval: interval,
	}
}

// SessionOnline implements LifecycleListener.
func (r *Reporter) SessionOnline(serverID string, s *Session) {
	r.write(serverID, ServerStatusUpdate{Status: "online", LastSeenAt: time.Now()})
	r.log.Info().Str("server", serverID).Str("remote", s.RemoteAddr()).Msg("server online")
}

// SessionOffline implements LifecycleListener.
func (r *Reporter) SessionOffline(serverID, reason string) {
	r.write(serverID, ServerStatusUpdate{Status: "offline", LastSeenAt: time.Now()})
	r.log.Info().Str("server", serverID).Str("reason", reason).Msg("server offline")
}

// Run refreshes lastSeen for every session in the hub until ctx ends.
func (r *Reporter) Run(ctx context.Context, hub *Hub) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range hub.Snapshot() {
				if status.State != StateActive.String() {
					continue
				}
				r.write(status.ServerID, ServerStatusUpdate{
					Status:     "online",
					LastSeenAt: status.LastSeenAt,
				})
			}
		}
	}
}

func (r *Reporter) write(serverID string, update ServerStatusUpdate) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.UpdateServer(ctx, serverID, update); err != nil {
		r.log.Error().Err(err).Str("server", serverID).Msg("status update failed")
	}
}

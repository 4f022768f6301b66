package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/protocol"
)

// Broker is the request API operator services call. It routes an
// operation to the owning session and awaits the correlated response.
type Broker struct {
	log            zerolog.Logger
	hub            *Hub
	defaultTimeout time.Duration
	metrics        *Metrics
}

// NewBroker creates a broker over the given hub.
func NewBroker(log zerolog.Logger, hub *Hub, defaultTimeout time.Duration, metrics *Metrics) *Broker {
	return &Broker{
		log:            log.With().Str("component", "broker").Logger(),
		hub:            hub,
		defaultTimeout: defaultTimeout,
		metrics:        metrics,
	}
}

// Execute sends op to serverID and blocks for the response. A timeout of
// zero uses the configured default. The capability preflight runs before
// anything is sent; a response with success=false surfaces as RemoteError
// with the remote code preserved verbatim.
func (b *Broker) Execute(ctx context.Context, serverID, op string, data any, timeout time.Duration) (*protocol.Frame, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	session, err := b.hub.Lookup(serverID)
	if err != nil {
		return nil, err
	}

	required, known := protocol.RequiredCapability(op)
	if !known {
		return nil, ErrUnknownOperation
	}
	if !session.Capabilities().Has(required) {
		return nil, ErrUnsupportedCapability
	}

	start := time.Now()
	resp, err := session.Request(ctx, op, data, timeout)
	if b.metrics != nil {
		b.metrics.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		b.log.Debug().
			Err(err).
			Str("server", serverID).
			Str("op", op).
			Msg("request failed")
		return nil, err
	}

	if resp.Success != nil && !*resp.Success {
		remote := &RemoteError{Code: "remote_error", Message: "request failed"}
		if resp.Error != nil {
			remote.Code = resp.Error.Code
			remote.Message = resp.Error.Message
		}
		return nil, remote
	}
	return resp, nil
}

package bridge

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/protocol"
)

// Event is an inbound event frame augmented with its origin.
type Event struct {
	ServerID   string
	Op         string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// EventFilter narrows a subscription beyond its op patterns.
type EventFilter func(*Event) bool

// Subscription is a handle to a bounded event inbox. Consumers read from
// Events; a full inbox drops its oldest entry rather than blocking the
// dispatcher.
type Subscription struct {
	ops     []string
	filter  EventFilter
	inbox   chan *Event
	dropped atomic.Uint64
}

// Events returns the consumer side of the inbox. It is closed on
// unsubscribe.
func (s *Subscription) Events() <-chan *Event { return s.inbox }

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// matches checks op against the subscription's patterns: exact, or prefix
// when the pattern ends in ".*" (e.g. "player.*").
func (s *Subscription) matches(op string) bool {
	if len(s.ops) == 0 {
		return true
	}
	for _, pattern := range s.ops {
		if pattern == op {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(op, prefix+".") {
			return true
		}
	}
	return false
}

// Dispatcher fans inbound events out to subscribers.
type Dispatcher struct {
	log      zerolog.Logger
	inboxCap int
	metrics  *Metrics

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewDispatcher creates a dispatcher whose subscriptions hold inboxCap
// events each.
func NewDispatcher(log zerolog.Logger, inboxCap int, metrics *Metrics) *Dispatcher {
	if inboxCap <= 0 {
		inboxCap = 64
	}
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		inboxCap: inboxCap,
		metrics:  metrics,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer for the given op patterns.
func (d *Dispatcher) Subscribe(ops []string, filter EventFilter) *Subscription {
	sub := &Subscription{
		ops:    append([]string(nil), ops...),
		filter: filter,
		inbox:  make(chan *Event, d.inboxCap),
	}
	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// Unsubscribe destroys the handle. No delivery happens after it returns.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[sub]; !ok {
		return
	}
	delete(d.subs, sub)
	close(sub.inbox)
}

// Dispatch implements EventSink. Delivery is at-most-once and never blocks
// on a slow consumer: a full inbox sheds its oldest event first.
func (d *Dispatcher) Dispatch(serverID string, f *protocol.Frame) {
	ev := &Event{
		ServerID:   serverID,
		Op:         f.Op,
		Data:       f.Data,
		ReceivedAt: time.Now(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.subs {
		if !sub.matches(ev.Op) {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		d.deliver(sub, ev)
	}
}

func (d *Dispatcher) deliver(sub *Subscription, ev *Event) {
	select {
	case sub.inbox <- ev:
		return
	default:
	}

	// Inbox full: evict the oldest, then retry once. A concurrent consumer
	// may have drained it in between, in which case the retry just lands.
	select {
	case <-sub.inbox:
		sub.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.EventsDropped.Inc()
		}
		d.log.Debug().Str("op", ev.Op).Msg("subscriber inbox full, dropped oldest event")
	default:
	}
	select {
	case sub.inbox <- ev:
	default:
		sub.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.EventsDropped.Inc()
		}
	}
}

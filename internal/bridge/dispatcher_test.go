package bridge

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/protocol"
)

func chatFrame(t *testing.T, message string) *protocol.Frame {
	t.Helper()
	f, err := protocol.NewEvent(protocol.EventPlayerChat, map[string]string{
		"player":  "steve",
		"message": message,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func collect(sub *Subscription, n int, timeout time.Duration) []*Event {
	var events []*Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestDispatcher_FanoutWithSlowConsumer(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), 16, nil)

	slow := d.Subscribe([]string{protocol.EventPlayerChat}, nil)
	// Shrink the slow consumer's inbox to two entries.
	slow.inbox = make(chan *Event, 2)
	fast := d.Subscribe([]string{protocol.EventPlayerChat}, nil)

	for i := 1; i <= 3; i++ {
		d.Dispatch("srv1", chatFrame(t, fmt.Sprintf("msg-%d", i)))
	}

	got := collect(fast, 3, time.Second)
	if len(got) != 3 {
		t.Fatalf("fast consumer received %d events, want 3", len(got))
	}
	for i, ev := range got {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Data, &payload)
		if want := fmt.Sprintf("msg-%d", i+1); payload.Message != want {
			t.Errorf("fast event %d = %q, want %q (arrival order)", i, payload.Message, want)
		}
		if ev.ServerID != "srv1" {
			t.Errorf("event server = %q, want srv1", ev.ServerID)
		}
	}

	// The slow consumer keeps the two most recent; the oldest was shed.
	kept := collect(slow, 2, time.Second)
	if len(kept) != 2 {
		t.Fatalf("slow consumer received %d events, want 2", len(kept))
	}
	var first struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(kept[0].Data, &first)
	if first.Message != "msg-2" {
		t.Errorf("slow consumer first event = %q, want msg-2", first.Message)
	}
	if slow.Dropped() != 1 {
		t.Errorf("drop counter = %d, want 1", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast consumer drop counter = %d, want 0", fast.Dropped())
	}
}

func TestDispatcher_PrefixMatching(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), 16, nil)

	players := d.Subscribe([]string{"player.*"}, nil)
	deaths := d.Subscribe([]string{protocol.EventPlayerDeath}, nil)
	everything := d.Subscribe(nil, nil)

	join, _ := protocol.NewEvent(protocol.EventPlayerJoin, nil)
	death, _ := protocol.NewEvent(protocol.EventPlayerDeath, nil)
	metrics, _ := protocol.NewEvent(protocol.EventServerMetrics, nil)

	d.Dispatch("srv1", join)
	d.Dispatch("srv1", death)
	d.Dispatch("srv1", metrics)

	if got := collect(players, 2, time.Second); len(got) != 2 {
		t.Errorf("player.* subscriber received %d events, want 2", len(got))
	}
	if got := collect(deaths, 1, time.Second); len(got) != 1 || got[0].Op != protocol.EventPlayerDeath {
		t.Errorf("exact subscriber got %v", got)
	}
	if got := collect(everything, 3, time.Second); len(got) != 3 {
		t.Errorf("catch-all subscriber received %d events, want 3", len(got))
	}
}

func TestDispatcher_Filter(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), 16, nil)

	sub := d.Subscribe([]string{"player.*"}, func(ev *Event) bool {
		return ev.ServerID == "srv2"
	})

	join, _ := protocol.NewEvent(protocol.EventPlayerJoin, nil)
	d.Dispatch("srv1", join)
	d.Dispatch("srv2", join)

	got := collect(sub, 2, 300*time.Millisecond)
	if len(got) != 1 || got[0].ServerID != "srv2" {
		t.Errorf("filtered subscriber got %v, want one event from srv2", got)
	}
}

func TestEvents_FromConnector(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.bridge.Subscribe([]string{"player.*"}, nil)

	c := env.dial()
	parseAck(t, c.handshake("srv1", "token-1"))

	for i := 1; i <= 3; i++ {
		c.send(chatFrame(t, fmt.Sprintf("msg-%d", i)))
	}

	got := collect(sub, 3, 2*time.Second)
	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.ServerID != "srv1" {
			t.Errorf("event %d server = %q, want srv1", i, ev.ServerID)
		}
		if ev.Op != protocol.EventPlayerChat {
			t.Errorf("event %d op = %q", i, ev.Op)
		}
		if ev.ReceivedAt.IsZero() {
			t.Errorf("event %d missing receivedAt", i)
		}
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Data, &payload)
		if want := fmt.Sprintf("msg-%d", i+1); payload.Message != want {
			t.Errorf("event %d = %q, want %q (arrival order)", i, payload.Message, want)
		}
	}
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), 16, nil)
	sub := d.Subscribe([]string{"player.*"}, nil)

	d.Unsubscribe(sub)

	// No delivery after destruction; the channel is closed.
	join, _ := protocol.NewEvent(protocol.EventPlayerJoin, nil)
	d.Dispatch("srv1", join)

	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Errorf("received %v after unsubscribe", ev)
		}
	case <-time.After(time.Second):
		t.Error("inbox not closed after unsubscribe")
	}

	// Idempotent.
	d.Unsubscribe(sub)
}

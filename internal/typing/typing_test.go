package typing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/debounce"
	"github.com/informedia7/totilove-sub009/internal/realtime"
	"go.uber.org/zap"
)

func collect(t *testing.T, b *bus.Bus, namespace string) (<-chan bus.Event, func()) {
	t.Helper()
	ch, cancel := b.Subscribe(namespace, 16)
	t.Cleanup(cancel)
	return ch, cancel
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestIndicatorShowThenExpire(t *testing.T) {
	b := bus.New()
	events, _ := collect(t, b, "typing.")
	ind := NewIndicator(30*time.Millisecond, b)
	defer ind.Stop()

	ind.Show("alice:bob", "bob")
	waitKind(t, events, bus.KindTypingShow)
	if !ind.Active("alice:bob") {
		t.Fatal("conversation should be showing after Show")
	}

	waitKind(t, events, bus.KindTypingHide)
	if ind.Active("alice:bob") {
		t.Fatal("conversation should be idle after expiry")
	}
}

func TestIndicatorRenewalReplacesTimer(t *testing.T) {
	b := bus.New()
	events, _ := collect(t, b, "typing.")
	ind := NewIndicator(60*time.Millisecond, b)
	defer ind.Stop()

	// Renew repeatedly inside the timeout; the signal must stay up the
	// whole time and produce exactly one hide after the last renewal.
	for i := 0; i < 4; i++ {
		ind.Show("alice:bob", "bob")
		time.Sleep(25 * time.Millisecond)
		if !ind.Active("alice:bob") {
			t.Fatal("signal expired despite renewal")
		}
	}
	if n := ind.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount = %d, want 1", n)
	}

	hides := 0
	deadline := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindTypingHide {
				hides++
			}
		case <-deadline:
			done = true
		}
	}
	if hides != 1 {
		t.Fatalf("got %d hide events, want 1", hides)
	}
}

func TestIndicatorExplicitHide(t *testing.T) {
	b := bus.New()
	events, _ := collect(t, b, "typing.")
	ind := NewIndicator(time.Hour, b)
	defer ind.Stop()

	ind.Show("alice:bob", "bob")
	waitKind(t, events, bus.KindTypingShow)
	ind.Hide("alice:bob")
	waitKind(t, events, bus.KindTypingHide)
	if ind.Active("alice:bob") {
		t.Fatal("conversation still showing after Hide")
	}

	// Hiding an idle conversation publishes nothing.
	ind.Hide("alice:bob")
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %s after redundant Hide", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIndicatorPerConversation(t *testing.T) {
	b := bus.New()
	ind := NewIndicator(time.Hour, b)
	defer ind.Stop()

	ind.Show("alice:bob", "bob")
	ind.Show("alice:carol", "carol")
	if n := ind.ActiveCount(); n != 2 {
		t.Fatalf("ActiveCount = %d, want 2", n)
	}
	ind.Hide("alice:bob")
	if ind.Active("alice:bob") || !ind.Active("alice:carol") {
		t.Fatal("Hide leaked across conversations")
	}
}

type recordChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []realtime.Event
	err       error
}

func (c *recordChannel) Send(evt realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, evt)
	return nil
}

func (c *recordChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *recordChannel) events() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Event(nil), c.sent...)
}

func TestNotifierThrottlesKeystrokes(t *testing.T) {
	ch := &recordChannel{connected: true}
	n := NewNotifier("alice", ch, debounce.NewThrottle(time.Hour), zap.NewNop())

	for i := 0; i < 10; i++ {
		n.Keystroke("bob")
	}
	sent := ch.events()
	if len(sent) != 1 {
		t.Fatalf("sent %d typing events, want 1", len(sent))
	}
	evt := sent[0]
	if evt.Type != realtime.EventTyping || !evt.IsTyping {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.ConversationID != "alice:bob" {
		t.Fatalf("ConversationID = %q, want alice:bob", evt.ConversationID)
	}
}

func TestNotifierDisconnectedIsSilent(t *testing.T) {
	ch := &recordChannel{connected: false}
	throttle := debounce.NewThrottle(time.Hour)
	n := NewNotifier("alice", ch, throttle, zap.NewNop())

	n.Keystroke("bob")
	n.Stopped("bob")
	if len(ch.events()) != 0 {
		t.Fatal("events sent while disconnected")
	}
	// The throttle slot must not be consumed by a dropped signal.
	if !throttle.Allow() {
		t.Fatal("throttle consumed while disconnected")
	}
}

func TestNotifierStoppedResetsThrottle(t *testing.T) {
	ch := &recordChannel{connected: true}
	n := NewNotifier("alice", ch, debounce.NewThrottle(time.Hour), zap.NewNop())

	n.Keystroke("bob")
	n.Stopped("bob")
	n.Keystroke("bob")

	sent := ch.events()
	if len(sent) != 3 {
		t.Fatalf("sent %d events, want 3", len(sent))
	}
	if sent[1].IsTyping {
		t.Fatal("Stopped event has IsTyping set")
	}
	if !sent[2].IsTyping {
		t.Fatal("post-stop keystroke did not pass the throttle")
	}
}

func TestNotifierSendErrorIsSwallowed(t *testing.T) {
	ch := &recordChannel{connected: true, err: errors.New("socket write failed")}
	n := NewNotifier("alice", ch, debounce.NewThrottle(0), zap.NewNop())
	n.Keystroke("bob")
	n.Stopped("bob")
}

package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/status"
	"go.uber.org/zap"
)

func newBridge(t *testing.T) (*Bridge, *bus.Bus, *state.Store) {
	t.Helper()
	b := bus.New()
	st := state.NewStore("alice", time.Minute)
	br := NewBridge(st, b, 5*time.Second, zap.NewNop())
	br.Start()
	t.Cleanup(br.Stop)
	return br, b, st
}

func waitToasts(t *testing.T, br *Bridge, n int) []Toast {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts := br.Toasts(); len(ts) >= n {
			return ts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d toasts, have %d", n, len(br.Toasts()))
	return nil
}

func TestIncomingMessageToastsWhenConversationInactive(t *testing.T) {
	br, b, _ := newBridge(t)

	b.Emit(bus.KindMessageUpserted, state.Message{
		ConversationID: "alice:bob",
		SenderID:       "bob",
		Content:        "hey there",
	})

	ts := waitToasts(t, br, 1)
	if ts[0].Kind != ToastMessage || ts[0].Title != "bob" || ts[0].Body != "hey there" {
		t.Fatalf("unexpected toast %+v", ts[0])
	}
	if got := br.Unread("alice:bob"); got != 1 {
		t.Fatalf("Unread = %d, want 1", got)
	}
}

func TestActiveConversationDoesNotToast(t *testing.T) {
	br, b, st := newBridge(t)
	st.SetActiveConversation("alice:bob")

	b.Emit(bus.KindMessageUpserted, state.Message{
		ConversationID: "alice:bob",
		SenderID:       "bob",
		Content:        "hey",
	})
	// Own echoes never toast either, active or not.
	b.Emit(bus.KindMessageUpserted, state.Message{
		ConversationID: "alice:carol",
		SenderID:       "alice",
		Content:        "sent from here",
	})

	time.Sleep(50 * time.Millisecond)
	if ts := br.Toasts(); len(ts) != 0 {
		t.Fatalf("got %d toasts, want 0: %+v", len(ts), ts)
	}
	if br.Unread("alice:bob") != 0 || br.Unread("alice:carol") != 0 {
		t.Fatal("unread counted for suppressed toasts")
	}
}

func TestAttachmentOnlyMessageToastsPlaceholder(t *testing.T) {
	br, b, _ := newBridge(t)

	b.Emit(bus.KindMessageUpserted, state.Message{
		ConversationID: "alice:bob",
		SenderID:       "bob",
		Attachments:    []state.Attachment{{MIMEType: "image/jpeg"}},
	})

	ts := waitToasts(t, br, 1)
	if ts[0].Body != "[photo]" {
		t.Fatalf("Body = %q, want [photo]", ts[0].Body)
	}
}

func TestToastsExpireIndependently(t *testing.T) {
	b := bus.New()
	st := state.NewStore("alice", time.Minute)
	br := NewBridge(st, b, 5*time.Second, zap.NewNop())
	base := time.Now()
	var mu sync.Mutex
	clock := base
	setClock := func(t time.Time) { mu.Lock(); clock = t; mu.Unlock() }
	br.now = func() time.Time { mu.Lock(); defer mu.Unlock(); return clock }
	br.Start()
	t.Cleanup(br.Stop)

	b.Emit(bus.KindMessageUpserted, state.Message{ConversationID: "alice:bob", SenderID: "bob", Content: "first"})
	waitToasts(t, br, 1)

	setClock(base.Add(3 * time.Second))
	b.Emit(bus.KindMessageUpserted, state.Message{ConversationID: "alice:bob", SenderID: "bob", Content: "second"})
	waitToasts(t, br, 2)

	// First toast is 5s old and gone; the second has 3s left.
	setClock(base.Add(6 * time.Second))
	ts := br.Toasts()
	if len(ts) != 1 || ts[0].Body != "second" {
		t.Fatalf("after partial expiry: %+v", ts)
	}

	setClock(base.Add(9 * time.Second))
	if ts := br.Toasts(); len(ts) != 0 {
		t.Fatalf("toasts survived expiry: %+v", ts)
	}
}

func TestDismissRemovesSingleToast(t *testing.T) {
	br, b, _ := newBridge(t)

	b.Emit(bus.KindMessageUpserted, state.Message{ConversationID: "alice:bob", SenderID: "bob", Content: "one"})
	b.Emit(bus.KindMessageUpserted, state.Message{ConversationID: "alice:bob", SenderID: "bob", Content: "two"})
	ts := waitToasts(t, br, 2)

	br.Dismiss(ts[0].ID)
	left := br.Toasts()
	if len(left) != 1 || left[0].ID != ts[1].ID {
		t.Fatalf("after dismiss: %+v", left)
	}
}

func TestFailureEventsToastAsErrors(t *testing.T) {
	br, b, _ := newBridge(t)

	b.Emit(bus.KindFetchFailed, "window fetch for alice:bob")
	b.Emit(bus.KindMessageSendFailed, "send timed out")
	b.Emit(bus.KindAttachmentFailed, "cat.png: decode failed")

	ts := waitToasts(t, br, 3)
	for _, toast := range ts {
		if toast.Kind != ToastError {
			t.Fatalf("toast %+v is not an error toast", toast)
		}
	}
}

func TestClearUnread(t *testing.T) {
	br, b, _ := newBridge(t)

	for i := 0; i < 3; i++ {
		b.Emit(bus.KindMessageUpserted, state.Message{ConversationID: "alice:bob", SenderID: "bob", Content: "hi"})
	}
	waitToasts(t, br, 3)
	if got := br.Unread("alice:bob"); got != 3 {
		t.Fatalf("Unread = %d, want 3", got)
	}
	br.ClearUnread("alice:bob")
	if got := br.Unread("alice:bob"); got != 0 {
		t.Fatalf("Unread after clear = %d", got)
	}
}

func TestBadgeFollowsChannelStatus(t *testing.T) {
	br, b, _ := newBridge(t)

	if br.Badge() != status.Disconnected {
		t.Fatalf("initial badge = %s", br.Badge())
	}
	machine := status.NewMachine(b)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if br.Badge() == status.Connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("badge = %s, want CONNECTED", br.Badge())
}

package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/informedia7/totilove-sub009/internal/api"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/store"
	"go.uber.org/zap"
)

type fakeChat struct {
	mu     sync.Mutex
	nextID int64
	sent   []api.SendRequest
	fail   error
}

func (f *fakeChat) Conversations(context.Context) ([]state.Conversation, error) {
	return nil, nil
}

func (f *fakeChat) MessageWindow(context.Context, string, int64, int) ([]state.Message, bool, error) {
	return nil, false, nil
}

func (f *fakeChat) History(context.Context, string) ([]state.Message, error) {
	return nil, nil
}

func (f *fakeChat) Send(_ context.Context, req api.SendRequest) (api.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return api.SendReceipt{}, f.fail
	}
	f.nextID++
	f.sent = append(f.sent, req)
	return api.SendReceipt{ID: f.nextID, Timestamp: time.Now()}, nil
}

func (f *fakeChat) requests() []api.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SendRequest(nil), f.sent...)
}

func (f *fakeChat) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func newSender(t *testing.T) (*Sender, *store.DB, *state.Store, *fakeChat, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "talk.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	b := bus.New()
	st := state.NewStore("alice", time.Minute)
	chat := &fakeChat{}
	return NewSender(db, st, chat, b, time.Hour, zap.NewNop()), db, st, chat, b
}

func TestQueueInsertsOptimistically(t *testing.T) {
	s, db, st, _, _ := newSender(t)

	clientID, err := s.Queue("bob", "hello there", nil)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	msgs := st.Messages("alice:bob")
	if len(msgs) != 1 || msgs[0].ClientID != clientID || msgs[0].ID != 0 {
		t.Fatalf("optimistic window %+v", msgs)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != clientID {
		t.Fatalf("outbox %+v", pending)
	}
	convs := st.Conversations()
	if len(convs) != 1 || convs[0].LastMessagePreview != "hello there" {
		t.Fatalf("conversations %+v", convs)
	}
}

func TestDrainReconcilesInOrder(t *testing.T) {
	s, db, st, chat, b := newSender(t)
	acks, cancel := b.Subscribe(bus.KindMessageSendAck, 16)
	defer cancel()

	id1, _ := s.Queue("bob", "first", nil)
	id2, _ := s.Queue("bob", "second", nil)

	s.Drain(context.Background())

	reqs := chat.requests()
	if len(reqs) != 2 || reqs[0].Content != "first" || reqs[1].Content != "second" {
		t.Fatalf("delivery order %+v", reqs)
	}

	msgs := st.Messages("alice:bob")
	if len(msgs) != 2 {
		t.Fatalf("window has %d messages", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].ClientID != id1 || msgs[1].ID != 2 || msgs[1].ClientID != id2 {
		t.Fatalf("reconciled ids %+v", msgs)
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Fatalf("entries still pending: %+v", pending)
	}

	for i := 0; i < 2; i++ {
		select {
		case evt := <-acks:
			ack := evt.Payload.(Ack)
			if ack.MessageID == 0 || ack.ClientID == "" {
				t.Fatalf("malformed ack %+v", ack)
			}
		case <-time.After(time.Second):
			t.Fatal("missing ack event")
		}
	}
}

func TestDrainFailureKeepsOptimisticRow(t *testing.T) {
	s, db, st, chat, b := newSender(t)
	failures, cancel := b.Subscribe(bus.KindMessageSendFailed, 16)
	defer cancel()
	chat.setFail(errors.New("backend down"))

	clientID, _ := s.Queue("bob", "doomed", nil)
	s.Drain(context.Background())

	// The optimistic row stays visible so the user can see what failed.
	msgs := st.Messages("alice:bob")
	if len(msgs) != 1 || msgs[0].ClientID != clientID || msgs[0].ID != 0 {
		t.Fatalf("window after failure %+v", msgs)
	}

	select {
	case evt := <-failures:
		f := evt.Payload.(Failure)
		if f.ClientID != clientID || f.Err != "backend down" {
			t.Fatalf("failure payload %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}

	// Failed entries leave the queued set; retry is an explicit re-queue.
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Fatalf("failed entry still queued: %+v", pending)
	}
}

func TestDrainCarriesAttachments(t *testing.T) {
	s, _, _, chat, _ := newSender(t)

	att := state.Attachment{MIMEType: "image/jpeg", Payload: []byte{0xff, 0xd8}, CompressedSize: 2}
	if _, err := s.Queue("bob", "", []state.Attachment{att}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	s.Drain(context.Background())

	reqs := chat.requests()
	if len(reqs) != 1 || len(reqs[0].Attachments) != 1 {
		t.Fatalf("attachments not delivered: %+v", reqs)
	}
	if reqs[0].Attachments[0].MIMEType != "image/jpeg" {
		t.Fatalf("attachment %+v", reqs[0].Attachments[0])
	}
}

func TestStartDrainsOnQueue(t *testing.T) {
	s, db, _, chat, _ := newSender(t)
	s.Start()
	defer s.Stop()

	if _, err := s.Queue("bob", "woken", nil); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(chat.requests()) == 1 {
			pending, _ := db.PendingOutbox()
			if len(pending) == 0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queued message never drained")
}

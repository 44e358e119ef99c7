package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/informedia7/totilove-sub009/internal/state"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedMessage(t *testing.T, db *DB, conv, from, to, content string) int64 {
	t.Helper()
	id, _, err := db.InsertMessage(state.Message{
		ConversationID: conv,
		SenderID:       from,
		ReceiverID:     to,
		Content:        content,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + outbox)", result.Version)
	}
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")

	var last int64
	for i := 0; i < 5; i++ {
		id := seedMessage(t, db, conv, "u1", "u2", fmt.Sprintf("m%d", i))
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestMessageWindowScenario(t *testing.T) {
	// 45 stored messages, page size 20: initial window returns the 20 most
	// recent, one older page returns the next 20, the final page returns
	// 5 and reports no further history.
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")
	for i := 1; i <= 45; i++ {
		seedMessage(t, db, conv, "u1", "u2", fmt.Sprintf("m%d", i))
	}

	page1, more, err := db.MessageWindow(conv, "u1", 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 20 || !more {
		t.Fatalf("initial window: %d msgs, more=%v, want 20/true", len(page1), more)
	}
	if page1[19].Content != "m45" || page1[0].Content != "m26" {
		t.Errorf("initial window spans %s..%s, want m26..m45", page1[0].Content, page1[19].Content)
	}

	page2, more, err := db.MessageWindow(conv, "u1", page1[0].ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 20 || !more {
		t.Fatalf("second window: %d msgs, more=%v, want 20/true", len(page2), more)
	}

	page3, more, err := db.MessageWindow(conv, "u1", page2[0].ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 5 || more {
		t.Fatalf("final window: %d msgs, more=%v, want 5/false", len(page3), more)
	}
	if page3[0].Content != "m1" {
		t.Errorf("oldest = %s, want m1", page3[0].Content)
	}
}

func TestUpdateStatusMonotonicInSQL(t *testing.T) {
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")
	id := seedMessage(t, db, conv, "u1", "u2", "hello")

	applied, err := db.UpdateStatus(id, state.StatusRead, time.UnixMilli(5000))
	if err != nil || !applied {
		t.Fatalf("sent -> read: applied=%v err=%v", applied, err)
	}
	// Older status arriving late must be a no-op.
	applied, err = db.UpdateStatus(id, state.StatusDelivered, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("read -> delivered must not apply")
	}

	msgs, err := db.History(conv, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != state.StatusRead {
		t.Errorf("status = %s, want read", msgs[0].Status)
	}
	if msgs[0].ReadAt == nil || msgs[0].ReadAt.UnixMilli() != 5000 {
		t.Errorf("readAt = %v, want 5000", msgs[0].ReadAt)
	}
}

func TestSoftDeleteVisibilityAndPurge(t *testing.T) {
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")
	id := seedMessage(t, db, conv, "u1", "u2", "secret")
	keep := seedMessage(t, db, conv, "u2", "u1", "keep me")

	// Sender deletes: hidden from sender, still visible to receiver,
	// still physically present.
	if err := db.MarkDeleted(id, true); err != nil {
		t.Fatal(err)
	}
	senderView, err := db.History(conv, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range senderView {
		if m.ID == id {
			t.Error("sender-deleted message visible to sender")
		}
	}
	receiverView, err := db.History(conv, "u2")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range receiverView {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("sender-deleted message should remain visible to receiver")
	}

	purged, err := db.PurgeDeleted()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Errorf("purged %d rows with only one delete flag, want 0", purged)
	}

	// Receiver deletes too: now purge-eligible.
	if err := db.MarkDeleted(id, false); err != nil {
		t.Fatal(err)
	}
	purged, err = db.PurgeDeleted()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}

	rest, err := db.History(conv, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != keep {
		t.Errorf("surviving history = %+v, want only keep", rest)
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")
	id, _, err := db.InsertMessage(state.Message{
		ConversationID: conv,
		SenderID:       "u1",
		ReceiverID:     "u2",
		Attachments: []state.Attachment{{
			MIMEType:       "image/jpeg",
			Payload:        []byte{0xff, 0xd8, 0xff},
			OriginalSize:   500_000,
			CompressedSize: 90_000,
			Quality:        60,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	atts, err := db.Attachments(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if atts[0].CompressedSize != 90_000 || atts[0].Quality != 60 {
		t.Errorf("attachment = %+v", atts[0])
	}

	// Attachment-only message denormalizes a photo preview.
	convs, err := db.ListConversations("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].LastMessagePreview != "[photo]" {
		t.Errorf("preview = %q, want [photo]", convs[0].LastMessagePreview)
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertProfile("u2", "Dana"); err != nil {
		t.Fatal(err)
	}
	seedMessage(t, db, state.ConversationID("u1", "u2"), "u2", "u1", "hi")
	seedMessage(t, db, state.ConversationID("u1", "u3"), "u1", "u3", "yo")

	convs, err := db.ListConversations("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	// u3 conversation is most recent.
	if convs[0].PartnerID != "u3" {
		t.Errorf("first partner = %s, want u3", convs[0].PartnerID)
	}
	if convs[1].DisplayName != "Dana" {
		t.Errorf("display name = %q, want Dana (profile fallback)", convs[1].DisplayName)
	}
	if convs[0].DisplayName != "u3" {
		t.Errorf("display name = %q, want u3 (raw id fallback)", convs[0].DisplayName)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	conv := state.ConversationID("u1", "u2")

	if err := db.QueueOutbox("cl1", conv, "u2", "first"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("cl2", conv, "u2", "second"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientMsgID != "cl1" {
		t.Fatalf("pending = %+v, want cl1 then cl2", pending)
	}

	if err := db.MarkOutboxSending("cl1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("cl1", 42); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("cl2", "boom"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after drain, want 0", len(pending))
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	db := testDB(t)

	// 99 ASCII bytes followed by a 3-byte rune straddling the 100-byte
	// preview limit; a byte-index cut would store invalid UTF-8.
	content := strings.Repeat("a", 99) + "漢漢漢"
	seedMessage(t, db, "u1:u2", "u1", "u2", content)

	convs, err := db.ListConversations("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations", len(convs))
	}
	preview := convs[0].LastMessagePreview
	if len(preview) > 100 {
		t.Fatalf("preview is %d bytes, limit 100", len(preview))
	}
	if !utf8.ValidString(preview) {
		t.Fatalf("preview is not valid UTF-8: %q", preview)
	}
	if preview != strings.Repeat("a", 99) {
		t.Fatalf("preview = %q, want the 99 ASCII bytes", preview)
	}
}

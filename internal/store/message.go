package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/informedia7/totilove-sub009/internal/state"
)

// InsertMessage persists a message and its attachments, assigns the
// authoritative timestamp, and denormalizes the conversation's last-message
// fields. Returns the server-assigned id and timestamp.
func (db *DB) InsertMessage(m state.Message) (int64, time.Time, error) {
	ts := time.Now()
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}
	tsMilli := ts.UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, user_a, user_b, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		m.ConversationID, minUser(m.SenderID, m.ReceiverID), maxUser(m.SenderID, m.ReceiverID),
		tsMilli, preview(m), time.Now().UnixMilli()); err != nil {
		return 0, time.Time{}, fmt.Errorf("upsert conversation: %w", err)
	}

	status := m.Status
	if status == "" {
		status = state.StatusSent
	}
	res, err := tx.Exec(`
		INSERT INTO messages (conversation_id, sender_id, receiver_id, content, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(status), tsMilli, time.Now().UnixMilli())
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("message id: %w", err)
	}

	for _, a := range m.Attachments {
		if _, err := tx.Exec(`
			INSERT INTO attachments (message_id, mime_type, payload, original_size, compressed_size, quality)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, a.MIMEType, a.Payload, a.OriginalSize, a.CompressedSize, a.Quality); err != nil {
			return 0, time.Time{}, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("commit: %w", err)
	}
	return id, time.UnixMilli(tsMilli), nil
}

// UpsertRemoteMessage persists a message that already carries a
// server-assigned id, as delivered over the realtime channel. Replayed
// deliveries are idempotent: an existing row keeps its status and delete
// flags, only content and timestamp are refreshed. Returns true when the
// row was newly inserted.
func (db *DB) UpsertRemoteMessage(m state.Message) (bool, error) {
	if m.ID == 0 {
		return false, fmt.Errorf("remote message without id")
	}
	tsMilli := m.Timestamp.UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, user_a, user_b, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		m.ConversationID, minUser(m.SenderID, m.ReceiverID), maxUser(m.SenderID, m.ReceiverID),
		tsMilli, preview(m), time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("upsert conversation: %w", err)
	}

	status := m.Status
	if status == "" {
		status = state.StatusSent
	}
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM messages WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			timestamp = excluded.timestamp`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(status),
		tsMilli, time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return exists == 0, nil
}

// MessageWindow returns one page of a conversation's history as seen by
// viewer, oldest to newest, using keyset pagination on the message id.
// beforeID 0 means "newest page". The second return reports whether older
// history remains.
func (db *DB) MessageWindow(convID, viewer string, beforeID int64, limit int) ([]state.Message, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	if beforeID <= 0 {
		beforeID = int64(1)<<62 - 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, status, read_at,
		       deleted_by_sender, deleted_by_receiver, timestamp
		FROM messages
		WHERE conversation_id = ? AND id < ?
		  AND ((sender_id = ? AND deleted_by_sender = 0) OR (receiver_id = ? AND deleted_by_receiver = 0))
		ORDER BY id DESC
		LIMIT ?`, convID, beforeID, viewer, viewer, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := false
	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	// Rows came newest-first; the window contract is oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// History returns a conversation's full visible history for viewer, oldest
// to newest. Search runs over this set, not just the displayed window.
func (db *DB) History(convID, viewer string) ([]state.Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, status, read_at,
		       deleted_by_sender, deleted_by_receiver, timestamp
		FROM messages
		WHERE conversation_id = ?
		  AND ((sender_id = ? AND deleted_by_sender = 0) OR (receiver_id = ? AND deleted_by_receiver = 0))
		ORDER BY id ASC`, convID, viewer, viewer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// UpdateStatus advances a message's delivery status. The guard in the
// WHERE clause makes the transition monotonic at the storage layer too:
// applying an older status is a no-op. read_at is set once.
func (db *DB) UpdateStatus(msgID int64, status state.Status, readAt time.Time) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	var readAtMilli any
	if status == state.StatusRead && !readAt.IsZero() {
		readAtMilli = readAt.UnixMilli()
	}
	res, err := db.Exec(`
		UPDATE messages
		SET status = ?, read_at = COALESCE(read_at, ?)
		WHERE id = ?
		  AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
		    < (CASE ? WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`,
		string(status), readAtMilli, msgID, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDeleted records a per-party soft delete.
func (db *DB) MarkDeleted(msgID int64, bySender bool) error {
	col := "deleted_by_receiver"
	if bySender {
		col = "deleted_by_sender"
	}
	_, err := db.Exec(`UPDATE messages SET `+col+` = 1 WHERE id = ?`, msgID)
	return err
}

// PurgeDeleted physically removes messages both parties have deleted.
// Attachments go with them via the FK cascade. Returns removed row count.
func (db *DB) PurgeDeleted() (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE deleted_by_sender = 1 AND deleted_by_receiver = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Attachments returns the stored attachments of a message.
func (db *DB) Attachments(msgID int64) ([]state.Attachment, error) {
	rows, err := db.Query(`
		SELECT mime_type, payload, original_size, compressed_size, quality
		FROM attachments WHERE message_id = ? ORDER BY id ASC`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []state.Attachment
	for rows.Next() {
		var a state.Attachment
		if err := rows.Scan(&a.MIMEType, &a.Payload, &a.OriginalSize, &a.CompressedSize, &a.Quality); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]state.Message, error) {
	var msgs []state.Message
	for rows.Next() {
		var (
			m       state.Message
			status  string
			readAt  sql.NullInt64
			tsMilli int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content,
			&status, &readAt, &m.DeletedBySender, &m.DeletedByReceiver, &tsMilli); err != nil {
			return nil, err
		}
		m.Status = state.Status(status)
		m.Timestamp = time.UnixMilli(tsMilli)
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64)
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func preview(m state.Message) string {
	if m.Content == "" && len(m.Attachments) > 0 {
		return "[photo]"
	}
	return truncate(m.Content, 100)
}

// truncate cuts s to at most maxLen bytes, backing off to a rune boundary
// so the preview never carries a split multibyte sequence.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func minUser(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxUser(a, b string) string {
	if a < b {
		return b
	}
	return a
}

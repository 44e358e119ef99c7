package store

import (
	"database/sql"
	"time"

	"github.com/informedia7/totilove-sub009/internal/state"
)

// UpsertProfile records a display name for a user id. Conversation list
// queries fall back to the raw id when no profile exists.
func (db *DB) UpsertProfile(userID, displayName string) error {
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, display_name) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name`,
		userID, displayName)
	return err
}

// ListConversations returns localUser's conversations ordered by last
// activity, newest first, with the partner display name resolved via the
// profiles table.
func (db *DB) ListConversations(localUser string, limit int) ([]state.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT c.id,
			CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END AS partner_id,
			COALESCE(NULLIF(p.display_name, ''), CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END) AS display_name,
			c.last_message_at, c.last_message_preview
		FROM conversations c
		LEFT JOIN profiles p ON p.user_id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.last_message_at DESC
		LIMIT ?`, localUser, localUser, localUser, localUser, localUser, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []state.Conversation
	for rows.Next() {
		var (
			c       state.Conversation
			tsMilli int64
		)
		if err := rows.Scan(&c.ID, &c.PartnerID, &c.DisplayName, &tsMilli, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		c.LastMessageAt = time.UnixMilli(tsMilli)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation from localUser's point of
// view, or nil if unknown.
func (db *DB) GetConversation(id, localUser string) (*state.Conversation, error) {
	var (
		c       state.Conversation
		tsMilli int64
	)
	err := db.QueryRow(`
		SELECT c.id,
			CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END,
			COALESCE(NULLIF(p.display_name, ''), CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END),
			c.last_message_at, c.last_message_preview
		FROM conversations c
		LEFT JOIN profiles p ON p.user_id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.id = ?`, localUser, localUser, localUser, id).
		Scan(&c.ID, &c.PartnerID, &c.DisplayName, &tsMilli, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = time.UnixMilli(tsMilli)
	return &c, nil
}

package cache

import (
	"time"

	"github.com/mentorloop/coachchat/internal/store"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + id).
func (db *DB) UpsertMessage(m *store.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, server_id, conversation_id, sender_id, content, attachment_ref, created_at, delivery_state, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			server_id = excluded.server_id,
			content = excluded.content,
			created_at = excluded.created_at,
			delivery_state = excluded.delivery_state,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		m.ID, m.ServerID, m.ConversationID, m.SenderID, m.Content, m.AttachmentRef, m.CreatedAt, string(m.DeliveryState), m.Deleted, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by created_at, oldest first within the window.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, server_id, conversation_id, sender_id, content, attachment_ref, created_at, delivery_state, deleted
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var state string
		if err := rows.Scan(&m.ID, &m.ServerID, &m.ConversationID, &m.SenderID, &m.Content, &m.AttachmentRef, &m.CreatedAt, &state, &m.Deleted); err != nil {
			return nil, err
		}
		m.DeliveryState = store.DeliveryState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RekeyMessages moves cached messages from a temporary conversation id to
// the server-assigned one.
func (db *DB) RekeyMessages(tempID, serverID string) error {
	_, err := db.Exec(`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`, serverID, tempID)
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM conversations WHERE id = ?`, tempID)
	return err
}

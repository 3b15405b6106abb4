package cache

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mentorloop/coachchat/internal/store"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *store.Conversation) error {
	now := time.Now().UnixMilli()
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, last_message_preview, last_activity_at, unread_count, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			last_message_preview = CASE WHEN excluded.last_activity_at >= conversations.last_activity_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastMessagePreview, c.LastActivityAt, c.UnreadCount, c.Archived, now)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, last_message_preview, last_activity_at, unread_count, archived
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		var c store.Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount, &c.Archived); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			c.ParticipantIDs = nil
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*store.Conversation, error) {
	var c store.Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, last_message_preview, last_activity_at, unread_count, archived
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount, &c.Archived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		c.ParticipantIDs = nil
	}
	return &c, nil
}

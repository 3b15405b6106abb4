package cache

import (
	"time"

	"github.com/mentorloop/coachchat/internal/store"
)

// OutboxEntry is a durable record of an outbound send.
type OutboxEntry struct {
	ID             int64
	ClientID       string
	ConversationID string
	Content        string
	AttachmentRef  string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerID       string
}

// QueueOutbox records an outbound message before the first send attempt.
func (db *DB) QueueOutbox(clientID, convID string, d store.Draft) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, content, attachment_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientID, convID, d.Content, d.AttachmentRef, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(clientID, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, updated_at = ? WHERE client_id = ?`, serverID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// UnsentOutbox returns entries that never reached the server (queued,
// stuck mid-send from a crashed run, or failed awaiting manual retry).
func (db *DB) UnsentOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, conversation_id, content, attachment_ref, status, error_message, server_id
		FROM outbox WHERE status != 'sent' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Content, &e.AttachmentRef, &e.Status, &e.ErrorMessage, &e.ServerID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

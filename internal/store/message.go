package store

import (
	"database/sql"
	"time"
)

// InsertMessage inserts a message, ignoring conflict on message_id. The
// protocol layer may redeliver events; a duplicate is a no-op. Returns
// whether a row was actually written so the caller can tie counter bumps
// and relay fan-out to first delivery only.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (message_id, chat_id, session_id, sender_id, sender_name, sender_number,
			content, media_url, media_type, media_size, media_name, is_from_me, delivered, read_receipt,
			timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ChatID, m.SessionID, m.SenderID, m.SenderName, m.SenderNumber,
		m.Content, m.MediaURL, m.MediaType, m.MediaSize, m.MediaName, m.IsFromMe,
		m.Delivered, m.ReadReceipt, m.Timestamp, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateAck applies a delivery/read acknowledgment. Flags are monotonic:
// once true they never regress, and read implies delivered.
func (db *DB) UpdateAck(messageID string, delivered, read bool) error {
	_, err := db.Exec(`
		UPDATE messages SET
			delivered = delivered OR ? OR ?,
			read_receipt = read_receipt OR ?
		WHERE message_id = ?`,
		delivered, read, read, messageID)
	return err
}

// GetMessage returns a single message row, or nil if absent.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`
		SELECT message_id, chat_id, session_id, sender_id, sender_name, sender_number,
			content, media_url, media_type, media_size, media_name, is_from_me, delivered,
			read_receipt, timestamp, created_at
		FROM messages WHERE message_id = ?`, messageID), &m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the most recent limit messages of a chat in
// chronological order (ascending timestamp).
func (db *DB) ListMessages(chatID, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT * FROM (
			SELECT message_id, chat_id, session_id, sender_id, sender_name, sender_number,
				content, media_url, media_type, media_size, media_name, is_from_me, delivered,
				read_receipt, timestamp, created_at
			FROM messages
			WHERE chat_id = ? AND session_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		) ORDER BY timestamp ASC`, chatID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of messages scoped to a session.
func (db *DB) MessageCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

func scanMessage(r rowScanner, m *Message) error {
	return r.Scan(&m.MessageID, &m.ChatID, &m.SessionID, &m.SenderID, &m.SenderName,
		&m.SenderNumber, &m.Content, &m.MediaURL, &m.MediaType, &m.MediaSize,
		&m.MediaName, &m.IsFromMe, &m.Delivered, &m.ReadReceipt, &m.Timestamp, &m.CreatedAt)
}
